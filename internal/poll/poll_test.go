package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

func fast() Options {
	return Options{Interval: time.Millisecond, InitialDelay: time.Millisecond}
}

func TestUntilDone(t *testing.T) {
	calls := 0
	v, err := Until(context.Background(), fast(), func(context.Context) Outcome[string] {
		calls++
		if calls < 3 {
			return Continue[string]()
		}
		return Done("ACTIVE")
	})
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", v)
	assert.Equal(t, 3, calls)
}

func TestUntilFail(t *testing.T) {
	boom := errors.New("ERROR")
	_, err := Until(context.Background(), fast(), func(context.Context) Outcome[int] {
		return Fail[int](boom)
	})
	assert.ErrorIs(t, err, boom)
}

func TestUntilTimeout(t *testing.T) {
	opts := fast()
	opts.Timeout = 20 * time.Millisecond
	_, err := Until(context.Background(), opts, func(context.Context) Outcome[int] {
		return Continue[int]()
	})
	assert.Equal(t, syncerr.Transient, syncerr.KindOf(err))
}

func TestUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Until(ctx, Options{}, func(context.Context) Outcome[int] {
		t.Fatal("fn must not run after cancel")
		return Continue[int]()
	})
	assert.True(t, errors.Is(err, syncerr.ErrCancelled))
}

func TestTimeoutCoversInitialDelay(t *testing.T) {
	start := time.Now()
	_, err := Until(context.Background(), Options{Interval: time.Millisecond, InitialDelay: time.Hour, Timeout: 20 * time.Millisecond},
		func(context.Context) Outcome[int] {
			t.Fatal("fn must not run once the timeout is spent")
			return Continue[int]()
		})
	assert.Equal(t, syncerr.Transient, syncerr.KindOf(err))
	assert.Less(t, time.Since(start), time.Minute)
}
