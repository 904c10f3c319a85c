package server

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/workflow"
)

// subscriberBuffer is the per-subscriber event queue depth. A subscriber
// that falls this far behind starts losing events rather than stalling
// the run.
const subscriberBuffer = 256

// Broker fans progress events out from runs to streaming subscribers.
// Publishing never blocks: slow subscribers drop events.
type Broker struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]*subscriber
	logger  *zap.Logger
	dropped atomic.Int64
}

type subscriber struct {
	ch chan workflow.ProgressEvent
	// runID filters events to one run; empty subscribes to all runs.
	runID string
}

// NewBroker creates an event broker.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subs:   make(map[int]*subscriber),
		logger: logger.With(zap.String("component", "event_broker")),
	}
}

// Sink returns an EventSink that publishes into the broker, for wiring
// into a Runner.
func (b *Broker) Sink() workflow.EventSink {
	return b.Publish
}

// Publish delivers an event to all matching subscribers.
func (b *Broker) Publish(ev workflow.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.runID != "" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("run_id", ev.RunID),
				zap.String("kind", string(ev.Kind)),
			)
		}
	}
}

// Subscribe registers a subscriber. An empty runID receives events from
// every run. The returned cancel function must be called to release the
// subscription.
func (b *Broker) Subscribe(runID string) (<-chan workflow.ProgressEvent, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		ch:    make(chan workflow.ProgressEvent, subscriberBuffer),
		runID: runID,
	}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many events were discarded for slow subscribers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
