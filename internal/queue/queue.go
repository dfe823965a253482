// Package queue is the FIFO event pipeline feeding a synchronizer's single
// consumer.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
)

// Type is the event kind.
type Type int

const (
	LocalChange Type = iota
	UpstreamChange
	PeriodicTick
	StartupTick
	// EndThread stops the consumer once everything queued before it is handled.
	EndThread
)

func (t Type) String() string {
	switch t {
	case LocalChange:
		return "local_change"
	case UpstreamChange:
		return "upstream_change"
	case PeriodicTick:
		return "periodic_tick"
	case StartupTick:
		return "startup_tick"
	case EndThread:
		return "end_thread"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Event is one unit of work. Change events carry the notification; Full is
// only meaningful for PeriodicTick.
type Event struct {
	Type         Type
	Notification repository.Notification
	Full         bool
	Enqueued     time.Time
}

// Side returns the control plane a change event came from.
func (e Event) Side() models.Side {
	if e.Type == UpstreamChange {
		return models.Upstream
	}
	return models.Local
}

// Change wraps a notification from side into an event.
func Change(side models.Side, n repository.Notification) Event {
	t := LocalChange
	if side == models.Upstream {
		t = UpstreamChange
	}
	return Event{Type: t, Notification: n}
}

// Queue is an unbounded FIFO. Producers never block; there is one consumer.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	signal chan struct{}
}

func New() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Put appends e. It returns false once EndThread has been queued.
func (q *Queue) Put(e Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if e.Enqueued.IsZero() {
		e.Enqueued = time.Now()
	}
	q.items = append(q.items, e)
	if e.Type == EndThread {
		q.closed = true
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Get blocks until an event is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
