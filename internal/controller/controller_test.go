package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/queue"
)

type recorder struct {
	mu     sync.Mutex
	events []queue.Event
	closed bool
}

func (r *recorder) Put(e queue.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.events = append(r.events, e)
	return true
}

func (r *recorder) take() []queue.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

var testConfig = Config{Periodic: 300 * time.Second, Retry: 60 * time.Second, Check: time.Second, FullSyncFrequency: 2}

func TestStartupTickRepeatsUntilSuccess(t *testing.T) {
	q := &recorder{}
	c := New(models.KindVolume, testConfig, q, nil)

	c.step(0)
	evs := q.take()
	require.Len(t, evs, 1)
	assert.Equal(t, queue.StartupTick, evs[0].Type)

	// nothing while in flight
	c.step(time.Hour)
	assert.Empty(t, q.take())

	c.OnTickResult(evs[0], errors.New("upstream down"))
	c.step(59 * time.Second)
	assert.Empty(t, q.take())
	c.step(time.Second)
	evs = q.take()
	require.Len(t, evs, 1)
	assert.Equal(t, queue.StartupTick, evs[0].Type)

	c.OnTickResult(evs[0], nil)
	assert.True(t, c.State().StartupDone)
	c.step(299 * time.Second)
	assert.Empty(t, q.take())
	c.step(time.Second)
	evs = q.take()
	require.Len(t, evs, 1)
	assert.Equal(t, queue.PeriodicTick, evs[0].Type)

	st := c.State()
	assert.Equal(t, 2, st.Ticks)
	assert.Equal(t, 1, st.Failures)
	assert.True(t, st.InFlight)
}

func TestFullTickEveryFrequencyPartials(t *testing.T) {
	q := &recorder{}
	c := New(models.KindImage, testConfig, q, nil)
	c.step(0)
	c.OnTickResult(q.take()[0], nil)

	var full []bool
	for i := 0; i < 6; i++ {
		c.step(testConfig.Periodic)
		evs := q.take()
		require.Len(t, evs, 1)
		full = append(full, evs[0].Full)
		c.OnTickResult(evs[0], nil)
	}
	assert.Equal(t, []bool{false, false, true, false, false, true}, full)
}

func TestFailedFullTickIsRetriedFull(t *testing.T) {
	q := &recorder{}
	c := New(models.KindImage, Config{Periodic: time.Minute, Retry: time.Second, Check: time.Second, FullSyncFrequency: 1}, q, nil)
	c.step(0)
	c.OnTickResult(q.take()[0], nil)

	c.step(time.Minute)
	c.step(time.Minute)
	ev := q.take()
	require.Len(t, ev, 1)
	assert.False(t, ev[0].Full)
	c.OnTickResult(ev[0], nil)

	c.step(time.Minute)
	ev = q.take()
	require.True(t, ev[0].Full)
	c.OnTickResult(ev[0], errors.New("list failed"))

	c.step(time.Second)
	ev = q.take()
	require.Len(t, ev, 1)
	assert.True(t, ev[0].Full)
}

func TestTriggerSkipsTheWait(t *testing.T) {
	q := &recorder{}
	c := New(models.KindPort, testConfig, q, nil)
	c.step(0)
	c.OnTickResult(q.take()[0], nil)

	c.Trigger()
	c.step(time.Second)
	evs := q.take()
	require.Len(t, evs, 1)
	assert.Equal(t, queue.PeriodicTick, evs[0].Type)
}

func TestClosedQueueDropsTick(t *testing.T) {
	q := &recorder{closed: true}
	c := New(models.KindPort, testConfig, q, nil)
	c.step(0)
	assert.False(t, c.State().InFlight)
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := queue.New()
	c := New(models.KindNetwork, Config{Periodic: time.Millisecond, Retry: time.Millisecond, Check: time.Millisecond, FullSyncFrequency: 1}, q, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Start(ctx)

	ev, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.StartupTick, ev.Type)
	c.OnTickResult(ev, nil)

	ev, err = q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.PeriodicTick, ev.Type)
	c.Stop()
	c.Stop()
}
