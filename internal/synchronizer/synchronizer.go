// Package synchronizer runs one resource kind: a single consumer goroutine
// drains the event queue into the reconciler, the controller feeds it sync
// ticks and the notification listeners feed it change events once the
// startup sync has succeeded.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/openstack-archive/powervc-driver-sub000/internal/controller"
	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/queue"
	"github.com/openstack-archive/powervc-driver-sub000/internal/reconciler"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

// Reporter publishes tick reports.
type Reporter interface {
	PublishJSON(ctx context.Context, name string, v any) error
}

// Metrics records what the consumer did.
type Metrics interface {
	Tick(kind models.Kind, mode reconciler.Mode, d time.Duration, counts reconciler.Counts, err error)
	Event(kind models.Kind, side models.Side, err error)
	QueueDepth(kind models.Kind, n int)
}

// Report is published after every tick.
type Report struct {
	Kind     models.Kind       `json:"kind"`
	Mode     string            `json:"mode"`
	Counts   reconciler.Counts `json:"counts"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns"`
	At       time.Time         `json:"at"`
}

type Options struct {
	Controller controller.Config
	// Notifiers of the local and upstream control planes. A nil notifier
	// leaves that side to the periodic sync.
	Local    repository.Notifier
	Upstream repository.Notifier
	Tracer   trace.Tracer
	Reporter Reporter
	Metrics  Metrics
	// OnReady is called once the startup sync succeeded and the listeners
	// are subscribed.
	OnReady func(models.Kind)
	Log     *zap.Logger
}

// Status is a point-in-time view for operators.
type Status struct {
	Kind        models.Kind           `json:"kind"`
	Running     bool                  `json:"running"`
	Listening   bool                  `json:"listening"`
	QueueDepth  int                   `json:"queue_depth"`
	Controller  controller.State      `json:"controller"`
	Totals      reconciler.Counts     `json:"totals"`
	LastReport  *Report               `json:"last_report,omitempty"`
	Records     map[storage.State]int `json:"records"`
	EchoPending map[string]int        `json:"echo_pending"`
	Fatal       string                `json:"fatal,omitempty"`
}

type Synchronizer struct {
	kind      models.Kind
	rec       *reconciler.Reconciler
	q         *queue.Queue
	ctrl      *controller.Controller
	notifiers [2]repository.Notifier
	tracer    trace.Tracer
	reporter  Reporter
	metrics   Metrics
	onReady   func(models.Kind)
	log       *zap.Logger

	mu         sync.Mutex
	started    bool
	subs       []repository.Subscription
	totals     reconciler.Counts
	lastReport *Report
	fatal      error

	done chan struct{}
}

func New(rec *reconciler.Reconciler, opts Options) *Synchronizer {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("fedsync")
	}
	q := queue.New()
	kind := rec.Kind()
	return &Synchronizer{
		kind:      kind,
		rec:       rec,
		q:         q,
		ctrl:      controller.New(kind, opts.Controller, q, log),
		notifiers: [2]repository.Notifier{opts.Local, opts.Upstream},
		tracer:    tracer,
		reporter:  opts.Reporter,
		metrics:   opts.Metrics,
		onReady:   opts.OnReady,
		log:       log.With(zap.String("kind", string(kind))),
		done:      make(chan struct{}),
	}
}

func (s *Synchronizer) Kind() models.Kind { return s.kind }

// Done is closed when the consumer has exited.
func (s *Synchronizer) Done() <-chan struct{} { return s.done }

// Err is the error that stopped the consumer, if any.
func (s *Synchronizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Start launches the consumer and the controller.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.consume(ctx)
	s.ctrl.Start(ctx)
	s.log.Info("synchronizer started")
}

// Stop unsubscribes, stops the controller and lets the consumer drain what
// was queued before it. It returns when the consumer exits or ctx is done.
func (s *Synchronizer) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var errs error
	for _, sub := range subs {
		errs = multierr.Append(errs, sub.Unsubscribe())
	}
	if !started {
		return errs
	}
	s.ctrl.Stop()
	s.q.Put(queue.Event{Type: queue.EndThread})
	select {
	case <-s.done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("%s synchronizer: %w", s.kind, ctx.Err()))
	}
	return errs
}

// TriggerSync asks for a periodic tick without waiting for the interval.
func (s *Synchronizer) TriggerSync() { s.ctrl.Trigger() }

func (s *Synchronizer) Status(ctx context.Context) (Status, error) {
	st := Status{
		Kind:       s.kind,
		QueueDepth: s.q.Len(),
		Controller: s.ctrl.State(),
		EchoPending: map[string]int{
			models.Local.String():    s.rec.Echo().Len(models.Local),
			models.Upstream.String(): s.rec.Echo().Len(models.Upstream),
		},
	}
	s.mu.Lock()
	st.Running = s.started && s.fatal == nil
	st.Listening = len(s.subs) > 0
	st.Totals = s.totals
	st.LastReport = s.lastReport
	if s.fatal != nil {
		st.Fatal = s.fatal.Error()
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		st.Running = false
	default:
	}

	records, err := s.rec.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Records = records
	return st, nil
}

func (s *Synchronizer) consume(ctx context.Context) {
	defer close(s.done)
	for {
		ev, err := s.q.Get(ctx)
		if err != nil {
			s.log.Info("synchronizer cancelled", zap.Error(err))
			return
		}
		if ev.Type == queue.EndThread {
			s.log.Info("synchronizer stopped")
			return
		}
		if s.metrics != nil {
			s.metrics.QueueDepth(s.kind, s.q.Len())
		}
		if err := s.dispatch(ctx, ev); err != nil {
			s.mu.Lock()
			s.fatal = err
			s.mu.Unlock()
			s.log.Error("synchronizer stopped on fatal error", zap.Error(err))
			s.ctrl.Stop()
			s.unsubscribe()
			return
		}
	}
}

// dispatch handles one event. Every error is logged here; only fatal ones
// are returned.
func (s *Synchronizer) dispatch(ctx context.Context, ev queue.Event) (fatal error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("handler panicked", zap.Stringer("event", ev.Type), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			if ev.Type == queue.PeriodicTick || ev.Type == queue.StartupTick {
				s.ctrl.OnTickResult(ev, fmt.Errorf("panic: %v", p))
			}
			fatal = nil
		}
	}()

	switch ev.Type {
	case queue.StartupTick, queue.PeriodicTick:
		return s.tick(ctx, ev)
	default:
		return s.change(ctx, ev)
	}
}

func (s *Synchronizer) change(ctx context.Context, ev queue.Event) error {
	n := ev.Notification
	ctx, span := s.tracer.Start(ctx, "sync.event", trace.WithAttributes(
		attribute.String("kind", string(s.kind)),
		attribute.String("side", ev.Side().String()),
		attribute.String("event_type", n.EventType),
		attribute.String("resource_id", n.ResourceID),
	))
	defer span.End()

	counts, err := s.rec.HandleEvent(ctx, ev)
	s.addTotals(counts)
	if s.metrics != nil {
		s.metrics.Event(s.kind, ev.Side(), err)
	}
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.log.Error("event failed", zap.String("event", n.EventType), zap.Stringer("side", ev.Side()),
		zap.String("id", n.ResourceID), zap.String("error_kind", string(syncerr.KindOf(err))), zap.Error(err))
	if syncerr.IsFatal(err) {
		return err
	}
	return nil
}

func (s *Synchronizer) tick(ctx context.Context, ev queue.Event) error {
	mode := reconciler.Partial
	switch {
	case ev.Type == queue.StartupTick:
		mode = reconciler.Startup
	case ev.Full:
		mode = reconciler.Full
	}
	ctx, span := s.tracer.Start(ctx, "sync.tick", trace.WithAttributes(
		attribute.String("kind", string(s.kind)),
		attribute.String("mode", mode.String()),
	))
	defer span.End()

	start := time.Now()
	counts, err := s.rec.Sync(ctx, mode)
	elapsed := time.Since(start)
	s.addTotals(counts)
	if s.metrics != nil {
		s.metrics.Tick(s.kind, mode, elapsed, counts, err)
	}

	if err == nil && mode == reconciler.Startup {
		if lerr := s.listen(ctx); lerr != nil {
			err = lerr
		}
	}
	s.ctrl.OnTickResult(ev, err)
	s.report(ctx, Report{Kind: s.kind, Mode: mode.String(), Counts: counts, Duration: elapsed, At: start}, err)

	if err == nil && mode == reconciler.Startup && s.onReady != nil {
		s.onReady(s.kind)
	}
	if err == nil {
		s.log.Info("sync tick done", zap.Stringer("mode", mode), zap.Duration("took", elapsed), zap.Any("counts", counts))
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.log.Error("sync tick failed", zap.Stringer("mode", mode), zap.String("error_kind", string(syncerr.KindOf(err))), zap.Error(err))
	if syncerr.IsFatal(err) {
		return err
	}
	// the configured SCG must resolve before the first sync can complete
	if mode == reconciler.Startup && errors.Is(err, syncerr.ErrSCGNotFound) {
		return err
	}
	return nil
}

// listen subscribes to both notification buses. It runs once, after the
// first successful startup sync.
func (s *Synchronizer) listen(ctx context.Context) error {
	topics := repository.EventTypes(s.kind)
	var subs []repository.Subscription
	for _, side := range []models.Side{models.Local, models.Upstream} {
		n := s.notifiers[side]
		if n == nil {
			continue
		}
		sub, err := n.Subscribe(ctx, topics, func(note repository.Notification) {
			s.q.Put(queue.Change(side, note))
		})
		if err != nil {
			for _, prev := range subs {
				_ = prev.Unsubscribe()
			}
			return syncerr.Wrap(syncerr.Transient, "subscribe "+side.String(), err)
		}
		subs = append(subs, sub)
	}
	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
	if len(subs) > 0 {
		s.log.Info("listening for notifications", zap.Int("subscriptions", len(subs)))
	}
	return nil
}

func (s *Synchronizer) unsubscribe() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Warn("unsubscribe failed", zap.Error(err))
		}
	}
}

func (s *Synchronizer) addTotals(c reconciler.Counts) {
	s.mu.Lock()
	s.totals.Add(c)
	s.mu.Unlock()
}

func (s *Synchronizer) report(ctx context.Context, r Report, err error) {
	if err != nil {
		r.Error = err.Error()
	}
	s.mu.Lock()
	s.lastReport = &r
	s.mu.Unlock()
	if s.reporter == nil {
		return
	}
	if perr := s.reporter.PublishJSON(ctx, string(s.kind), r); perr != nil {
		s.log.Warn("report not published", zap.Error(perr))
	}
}
