package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/openstack-archive/powervc-driver-sub000/internal/filter"
	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/poll"
	"github.com/openstack-archive/powervc-driver-sub000/internal/queue"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/translate"
)

const testSCG = "Any host, all VIOS"

var testOpts = translate.Options{
	FlavorPrefix:     "pvc-",
	DefaultImageName: "default-image",
	StagingProjectID: "staging-project",
	StagingUserID:    "staging-user",
}

type countingObserver struct {
	mu         sync.Mutex
	suppressed int
	outbound   map[string]int
}

func (o *countingObserver) Outbound(kind models.Kind, side models.Side, action repository.Action, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.outbound[fmt.Sprintf("%s/%s/%s", kind, side, action)]++
	}
}

func (o *countingObserver) Suppressed(models.Kind, models.Side) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suppressed++
}

func (o *countingObserver) Suppressions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suppressed
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	local    *repository.Memory
	upstream *repository.Memory
	store    *storage.BadgerStore
	filter   *filter.Filter // the image synchronizer's
	obs      *countingObserver
	logs     *observer.ObservedLogs
	recs     map[models.Kind]*Reconciler
	slept    []time.Duration

	mu     sync.Mutex
	events []queue.Event
}

func newFixture(t *testing.T, scgNames ...string) *fixture {
	t.Helper()
	if len(scgNames) == 0 {
		scgNames = []string{testSCG}
	}
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		local:    repository.NewMemory("local"),
		upstream: repository.NewMemory("upstream"),
		obs:      &countingObserver{outbound: map[string]int{}},
		recs:     map[models.Kind]*Reconciler{},
	}
	f.upstream.AddSCG(repository.SCG{ID: "scg-1", Name: testSCG})

	store, err := storage.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f.store = store

	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	f.logs = logs
	deps := Deps{
		Local:       f.local,
		Upstream:    f.upstream,
		Store:       store,
		Translators: translate.NewSet(testOpts, StoreRefs{Store: store}),
		Observer:    f.obs,
		Log:         log,
	}
	cfg := Config{
		PortCreateDelay: 15 * time.Second,
		Spawn:           poll.Options{Interval: time.Millisecond, Timeout: 2 * time.Second},
	}
	for _, kind := range models.AllKinds() {
		kd := deps
		kd.Filter = filter.New(scgNames, f.upstream, []string{"*"}, log)
		if kind == models.KindImage {
			f.filter = kd.Filter
		}
		r, err := New(kind, kd, cfg)
		require.NoError(t, err)
		r.sleep = func(_ context.Context, d time.Duration) error {
			f.slept = append(f.slept, d)
			return nil
		}
		f.recs[kind] = r
	}

	for _, side := range []models.Side{models.Local, models.Upstream} {
		plane := f.local
		if side == models.Upstream {
			plane = f.upstream
		}
		_, err := plane.Subscribe(f.ctx, []string{"*"}, func(n repository.Notification) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, queue.Change(side, n))
		})
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) rec(kind models.Kind) *Reconciler { return f.recs[kind] }

// dropEvents forgets queued notifications, as if the bus lost them.
func (f *fixture) dropEvents() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

func (f *fixture) take() []queue.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.events
	f.events = nil
	return out
}

// drain feeds queued notifications to the reconcilers until none are left.
func (f *fixture) drain() Counts {
	f.t.Helper()
	var total Counts
	for round := 0; round < 20; round++ {
		evs := f.take()
		if len(evs) == 0 {
			return total
		}
		for _, ev := range evs {
			c, err := f.rec(ev.Notification.Kind).HandleEvent(f.ctx, ev)
			require.NoError(f.t, err, "event %s on %s", ev.Notification.EventType, ev.Side())
			total.Add(c)
		}
	}
	f.t.Fatal("events kept coming")
	return total
}

func (f *fixture) sync(kind models.Kind, mode Mode) Counts {
	f.t.Helper()
	c, err := f.rec(kind).Sync(f.ctx, mode)
	require.NoError(f.t, err)
	return c
}

// twin stores an Active record for an already paired resource.
func (f *fixture) twin(kind models.Kind, key, localID, upstreamID string) *storage.MappingRecord {
	f.t.Helper()
	m := f.store.Mappings(kind)
	_, err := m.Create(f.ctx, key, models.Upstream, upstreamID, storage.StateActive)
	require.NoError(f.t, err)
	rec, err := m.SetLocalID(f.ctx, key, localID)
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) record(kind models.Kind, side models.Side, id string) *storage.MappingRecord {
	f.t.Helper()
	rec, err := storage.GetByID(f.ctx, f.store.Mappings(kind), side, id)
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) get(side models.Side, kind models.Kind, id string) models.Resource {
	f.t.Helper()
	plane := f.local
	if side == models.Upstream {
		plane = f.upstream
	}
	res, err := plane.Resources(kind).Get(f.ctx, id)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) list(side models.Side, kind models.Kind) []models.Resource {
	f.t.Helper()
	plane := f.local
	if side == models.Upstream {
		plane = f.upstream
	}
	res, err := plane.Resources(kind).List(f.ctx, repository.ListOptions{})
	require.NoError(f.t, err)
	return res
}
