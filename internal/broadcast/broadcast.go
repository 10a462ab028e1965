// Package broadcast delivers committed events to a trip's room in commit
// order.
//
// Each trip gets a dedicated dispatch goroutine so events for one trip are
// delivered strictly in the order they were published, while trips never
// block one another.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wayfarelabs/TripPulse/internal/models"
)

// DefaultQueueSize bounds the per-trip dispatch queue.
const DefaultQueueSize = 256

// Sink receives events for delivery to a room's members.
type Sink interface {
	Deliver(tripID string, ev models.Event)
}

// Opts holds dispatcher configuration applied via Option.
type Opts struct {
	QueueSize int
}

// Option configures the dispatcher.
type Option func(*Opts)

// WithQueueSize overrides the per-trip queue bound.
func WithQueueSize(n int) Option {
	return func(o *Opts) { o.QueueSize = n }
}

// Dispatcher fans published events out to the sink, one ordered queue per
// trip. Safe for concurrent use.
type Dispatcher struct {
	sink      Sink
	queueSize int

	mu      sync.Mutex
	queues  map[string]chan models.Event
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher delivering to the given sink.
func NewDispatcher(sink Sink, opts ...Option) *Dispatcher {
	cfg := Opts{QueueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		sink:      sink,
		queueSize: cfg.QueueSize,
		queues:    make(map[string]chan models.Event),
	}
}

// Publish queues an event for ordered delivery to the trip's room. Events
// published after Stop are dropped. A zero timestamp is stamped at publish
// time so ordering is visible to clients.
func (d *Dispatcher) Publish(tripID string, ev models.Event) {
	if ev.TripID == "" {
		ev.TripID = tripID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		slog.Debug("Dispatcher.Publish: dropped event after stop", "tripID", tripID, "type", ev.Type)
		return
	}
	q, ok := d.queues[tripID]
	if !ok {
		q = make(chan models.Event, d.queueSize)
		d.queues[tripID] = q
		d.wg.Add(1)
		go d.dispatch(tripID, q)
	}
	// The send happens under the lock so Stop cannot close the queue out
	// from under it. The dispatch goroutine drains without the lock, so a
	// full queue still makes progress.
	q <- ev
}

// dispatch drains one trip's queue in order.
func (d *Dispatcher) dispatch(tripID string, q chan models.Event) {
	defer d.wg.Done()
	for ev := range q {
		d.sink.Deliver(tripID, ev)
	}
	slog.Debug("Dispatcher.dispatch: queue drained", "tripID", tripID)
}

// Stop closes all trip queues and waits for queued events to be delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
	slog.Debug("Dispatcher.Stop: all queues drained")
}
