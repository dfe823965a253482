package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
)

func TestFIFO(t *testing.T) {
	q := New()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, q.Put(Change(models.Upstream, repository.Notification{ResourceID: id})))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		e, err := q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, UpstreamChange, e.Type)
		assert.Equal(t, models.Upstream, e.Side())
		assert.Equal(t, want, e.Notification.ResourceID)
	}
}

func TestEndThreadDrainsThenRejects(t *testing.T) {
	q := New()
	ctx := context.Background()
	q.Put(Event{Type: PeriodicTick})
	q.Put(Event{Type: EndThread})
	assert.False(t, q.Put(Event{Type: PeriodicTick}))

	e, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, PeriodicTick, e.Type)
	e, err = q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, EndThread, e.Type)
}

func TestGetBlocksUntilPut(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	wg.Add(1)
	var got Event
	go func() {
		defer wg.Done()
		got, _ = q.Get(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	q.Put(Event{Type: StartupTick})
	wg.Wait()
	assert.Equal(t, StartupTick, got.Type)
}

func TestGetHonoursContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
