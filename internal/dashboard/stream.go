package dashboard

import (
	"fmt"
	"sync"
	"time"

	"github.com/jaakkos/loomwork/internal/app"
	"github.com/jaakkos/loomwork/internal/domain"
)

// StreamLimiter bounds live event consumers: at most maxPerWorkflow
// concurrent subscribers per workflow, each cut off after lifetime.
type StreamLimiter struct {
	maxPerWorkflow int
	lifetime       time.Duration

	mu     sync.Mutex
	counts map[string]int
}

// NewStreamLimiter returns a limiter with the given bounds.
func NewStreamLimiter(maxPerWorkflow int, lifetime time.Duration) *StreamLimiter {
	return &StreamLimiter{
		maxPerWorkflow: maxPerWorkflow,
		lifetime:       lifetime,
		counts:         make(map[string]int),
	}
}

// Acquire reserves a consumer slot for the workflow.
func (l *StreamLimiter) Acquire(workflowID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[workflowID] >= l.maxPerWorkflow {
		return fmt.Errorf("workflow %s: %w", workflowID, app.ErrTooManyConsumers)
	}
	l.counts[workflowID]++
	return nil
}

// Release frees a previously acquired slot.
func (l *StreamLimiter) Release(workflowID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[workflowID] > 0 {
		l.counts[workflowID]--
	}
	if l.counts[workflowID] == 0 {
		delete(l.counts, workflowID)
	}
}

// Lifetime returns the maximum connection lifetime.
func (l *StreamLimiter) Lifetime() time.Duration {
	return l.lifetime
}

// Active returns the current consumer count for a workflow.
func (l *StreamLimiter) Active(workflowID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[workflowID]
}

const subscriberBuffer = 64

// Broker fans appended events out to stream subscribers and keeps a
// bounded replay window per workflow. Subscriber channels are buffered;
// a subscriber that falls behind loses events rather than blocking the
// append path.
type Broker struct {
	window int

	mu    sync.Mutex
	subs  map[string]map[chan domain.Event]struct{}
	rings map[string][]domain.Event
}

// NewBroker returns a broker keeping the last window events per workflow.
func NewBroker(window int) *Broker {
	if window <= 0 {
		window = 256
	}
	return &Broker{
		window: window,
		subs:   make(map[string]map[chan domain.Event]struct{}),
		rings:  make(map[string][]domain.Event),
	}
}

// Publish records the event in the replay window and delivers it to
// every subscriber of its workflow. Safe to hand to EventLogger.Observe.
func (b *Broker) Publish(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring := append(b.rings[ev.WorkflowID], ev)
	if len(ring) > b.window {
		ring = ring[len(ring)-b.window:]
	}
	b.rings[ev.WorkflowID] = ring

	for ch := range b.subs[ev.WorkflowID] {
		select {
		case ch <- ev:
		default:
			// Slow consumer, drop. The replay window covers reconnects.
		}
	}
}

// Subscribe returns the replay window and a channel of subsequent
// events for the workflow.
func (b *Broker) Subscribe(workflowID string) ([]domain.Event, chan domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.Event, subscriberBuffer)
	if b.subs[workflowID] == nil {
		b.subs[workflowID] = make(map[chan domain.Event]struct{})
	}
	b.subs[workflowID][ch] = struct{}{}
	replay := append([]domain.Event(nil), b.rings[workflowID]...)
	return replay, ch
}

// Unsubscribe detaches the channel.
func (b *Broker) Unsubscribe(workflowID string, ch chan domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[workflowID]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(b.subs, workflowID)
		}
	}
}
