// Package controller schedules the sync ticks of one resource kind. It wakes
// every check interval, accumulates elapsed time and enqueues a tick once the
// next delay has passed. A tick is never enqueued while another one is still
// being handled.
package controller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/queue"
)

// Config holds the intervals of one kind.
type Config struct {
	Periodic time.Duration
	Retry    time.Duration
	Check    time.Duration
	// FullSyncFrequency is the number of partial ticks between two full ones.
	FullSyncFrequency int
}

// Enqueuer is the producer side of the event queue.
type Enqueuer interface {
	Put(e queue.Event) bool
}

// State is a snapshot of the controller counters.
type State struct {
	StartupDone bool          `json:"startup_done"`
	InFlight    bool          `json:"in_flight"`
	Ticks       int           `json:"ticks"`
	Failures    int           `json:"failures"`
	LastOK      bool          `json:"last_ok"`
	LastTickAt  time.Time     `json:"last_tick_at"`
	NextIn      time.Duration `json:"next_in"`
}

type Controller struct {
	kind models.Kind
	cfg  Config
	q    Enqueuer
	log  *zap.Logger

	mu          sync.Mutex
	elapsed     time.Duration
	nextDelay   time.Duration
	inFlight    bool
	startupDone bool
	partials    int
	triggered   bool
	state       State

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(kind models.Kind, cfg Config, q Enqueuer, log *zap.Logger) *Controller {
	if cfg.FullSyncFrequency < 1 {
		cfg.FullSyncFrequency = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		kind:   kind,
		cfg:    cfg,
		q:      q,
		log:    log.With(zap.String("kind", string(kind))),
	}
}

// Start runs the check loop until Stop or ctx is done. The first startup
// tick is enqueued on the first wake.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(ctx)
}

func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()
	var d time.Duration
	wait.UntilWithContext(ctx, func(context.Context) {
		c.step(d)
		d = c.cfg.Check
	}, c.cfg.Check)
}

// step advances the clock by d and enqueues a tick when one is due.
func (c *Controller) step(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return
	}
	c.elapsed += d
	if c.elapsed < c.nextDelay && !c.triggered {
		return
	}

	ev := queue.Event{Type: queue.StartupTick}
	if c.startupDone {
		ev.Type = queue.PeriodicTick
		ev.Full = c.partials >= c.cfg.FullSyncFrequency
	}
	if !c.q.Put(ev) {
		c.log.Debug("queue closed, tick dropped")
		return
	}
	c.inFlight = true
	c.triggered = false
	if ev.Type == queue.PeriodicTick {
		if ev.Full {
			c.partials = 0
		} else {
			c.partials++
		}
	}
	c.log.Debug("tick enqueued", zap.Stringer("type", ev.Type), zap.Bool("full", ev.Full))
}

// OnTickResult is called by the queue consumer once a tick was handled.
func (c *Controller) OnTickResult(ev queue.Event, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	c.elapsed = 0
	c.state.Ticks++
	c.state.LastTickAt = time.Now()
	c.state.LastOK = err == nil
	if err != nil {
		c.state.Failures++
		c.nextDelay = c.cfg.Retry
		// a failed full pass is retried as a full pass
		if ev.Full {
			c.partials = c.cfg.FullSyncFrequency
		}
		return
	}
	c.nextDelay = c.cfg.Periodic
	if ev.Type == queue.StartupTick {
		c.startupDone = true
	}
}

// Trigger asks for a tick on the next wake. It still waits for a tick in
// flight to finish.
func (c *Controller) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggered = true
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.StartupDone = c.startupDone
	s.InFlight = c.inFlight
	if !c.inFlight && c.nextDelay > c.elapsed {
		s.NextIn = c.nextDelay - c.elapsed
	}
	return s
}
