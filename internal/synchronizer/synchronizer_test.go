package synchronizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/openstack-archive/powervc-driver-sub000/internal/controller"
	"github.com/openstack-archive/powervc-driver-sub000/internal/filter"
	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/reconciler"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
	"github.com/openstack-archive/powervc-driver-sub000/internal/translate"
)

var fastTicks = controller.Config{Periodic: 20 * time.Millisecond, Retry: 5 * time.Millisecond, Check: time.Millisecond, FullSyncFrequency: 1}

type reports struct {
	mu  sync.Mutex
	got []Report
}

func (r *reports) PublishJSON(_ context.Context, name string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v.(Report))
	return nil
}

func (r *reports) all() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.got...)
}

type panicky struct{ once sync.Once }

func (p *panicky) Tick(models.Kind, reconciler.Mode, time.Duration, reconciler.Counts, error) {
	p.once.Do(func() { panic("metrics exploded") })
}
func (p *panicky) Event(models.Kind, models.Side, error) {}
func (p *panicky) QueueDepth(models.Kind, int)           {}

type harness struct {
	local    *repository.Memory
	upstream *repository.Memory
	store    *storage.BadgerStore
	logs     *observer.ObservedLogs
	log      *zap.Logger
	rec      *reconciler.Reconciler
}

func newHarness(t *testing.T, kind models.Kind, scg string) *harness {
	t.Helper()
	h := &harness{
		local:    repository.NewMemory("local"),
		upstream: repository.NewMemory("upstream"),
	}
	h.upstream.AddSCG(repository.SCG{ID: "scg-1", Name: "Any host, all VIOS"})
	store, err := storage.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h.store = store

	core, logs := observer.New(zapcore.DebugLevel)
	h.log = zap.New(core)
	h.logs = logs

	rec, err := reconciler.New(kind, reconciler.Deps{
		Local:       h.local,
		Upstream:    h.upstream,
		Store:       store,
		Translators: translate.NewSet(translate.Options{FlavorPrefix: "pvc-", DefaultImageName: "default"}, reconciler.StoreRefs{Store: store}),
		Filter:      filter.New([]string{scg}, h.upstream, []string{"*"}, h.log),
		Log:         h.log,
	}, reconciler.Config{})
	require.NoError(t, err)
	h.rec = rec
	return h
}

func (h *harness) status(t *testing.T, s *Synchronizer) Status {
	st, err := s.Status(context.Background())
	require.NoError(t, err)
	return st
}

func TestStartupThenListen(t *testing.T) {
	h := newHarness(t, models.KindVolume, "Any host, all VIOS")
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h.upstream.Seed(&models.Volume{Meta: models.Meta{ID: "u1", Name: "boot"}, Size: 20})
	rep := &reports{}
	s := New(h.rec, Options{
		Controller: fastTicks,
		Local:      h.local,
		Upstream:   h.upstream,
		Reporter:   rep,
		Log:        h.log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return h.status(t, s).Listening }, 2*time.Second, time.Millisecond)
	st := h.status(t, s)
	assert.True(t, st.Controller.StartupDone)
	assert.Equal(t, 1, st.Records[storage.StateActive])
	assert.Equal(t, "startup", rep.all()[0].Mode)
	assert.Equal(t, 1, rep.all()[0].Counts.Created)

	_, err := h.upstream.Resources(models.KindVolume).Create(ctx, &models.Volume{Meta: models.Meta{Name: "data"}, Size: 5})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		vols, err := h.local.Resources(models.KindVolume).List(ctx, repository.ListOptions{})
		return err == nil && len(vols) == 2
	}, 2*time.Second, time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, s.Stop(stopCtx))
	<-s.Done()
	assert.NoError(t, s.Err())
	assert.False(t, h.status(t, s).Listening)
	assert.Equal(t, 1, h.logs.FilterMessage("synchronizer stopped").Len())
}

func TestUnresolvedSCGStopsStartup(t *testing.T) {
	h := newHarness(t, models.KindImage, "Nowhere")
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := New(h.rec, Options{Controller: fastTicks, Local: h.local, Upstream: h.upstream, Log: h.log})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("synchronizer kept running")
	}
	assert.True(t, errors.Is(s.Err(), syncerr.ErrSCGNotFound))
	st := h.status(t, s)
	assert.False(t, st.Running)
	assert.False(t, st.Listening)
	assert.NotEmpty(t, st.Fatal)
	require.NoError(t, s.Stop(context.Background()))
}

func TestPanicInTickIsRecovered(t *testing.T) {
	h := newHarness(t, models.KindVolumeType, "Any host, all VIOS")
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := New(h.rec, Options{Controller: fastTicks, Metrics: &panicky{}, Log: h.log})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return h.status(t, s).Controller.StartupDone }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, h.logs.FilterMessage("handler panicked").Len())
	assert.GreaterOrEqual(t, h.status(t, s).Controller.Failures, 1)

	require.NoError(t, s.Stop(context.Background()))
}

func TestTicksAreTraced(t *testing.T) {
	h := newHarness(t, models.KindSubnet, "Any host, all VIOS")
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	s := New(h.rec, Options{Controller: fastTicks, Tracer: tp.Tracer("test"), Log: h.log})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return len(spans.Ended()) >= 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, tp.Shutdown(context.Background()))

	first := spans.Ended()[0]
	assert.Equal(t, "sync.tick", first.Name())
	var mode string
	for _, kv := range first.Attributes() {
		if kv.Key == "mode" {
			mode = kv.Value.AsString()
		}
	}
	assert.Equal(t, "startup", mode)
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, models.KindPort, "Any host, all VIOS")
	s := New(h.rec, Options{Controller: fastTicks})
	assert.NoError(t, s.Stop(context.Background()))
}
