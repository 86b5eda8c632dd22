// Package events implements the in-process event bus: typed publish/subscribe
// with a bounded history ring, a handler registry with recursive dispatch, and
// Prometheus dispatch metrics.
//
// Two delivery paths exist side by side:
//   - Handlers: registered components (audit recorder, notification triggers)
//     that run synchronously at publish time and may emit follow-up events.
//   - Subscribers: broadcast channels for live observers (WebSocket stream).
//     Slow subscribers drop, they never block a publisher.
package events

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Emitter is the narrow publish interface components depend on. Both Bus and
// PubSubBus satisfy it.
type Emitter interface {
	Publish(ctx context.Context, ev Event) string
}

// Handler consumes envelopes and may emit follow-up events, which the bus
// publishes recursively up to the configured depth cap.
type Handler interface {
	Name() string
	CanHandle(eventType string) bool
	Handle(ctx context.Context, env *Envelope) ([]Event, error)
}

// Result records the outcome of one handler invocation, returned by
// ProcessPending for deterministic test assertions.
type Result struct {
	EventID   string
	EventType string
	Handler   string
	Emitted   int
	Err       error
}

// Clock matches clock.Clock without importing it (keeps this package a leaf).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Options configures a Bus. Zero values get the defaults below.
type Options struct {
	HistoryLimit     int  // bounded ring, FIFO trim (default 10000)
	SubscriberBuffer int  // per-subscriber channel depth (default 100)
	MaxDepth         int  // recursive dispatch cap (default 8)
	Deferred         bool // queue envelopes for ProcessPending instead of inline dispatch
	Parallel         bool // run handlers for one envelope concurrently
	Clock            Clock
	Metrics          *Metrics
}

// Bus is the in-process event bus. A single Bus instance is shared
// process-wide and wired through the service container.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler

	history      []*Envelope
	historyLimit int

	subscribers map[string][]chan *Envelope // eventType -> channels
	allSubs     []chan *Envelope
	subBuffer   int

	pending  []*Envelope
	deferred bool
	parallel bool
	maxDepth int

	seq     uint64
	clock   Clock
	metrics *Metrics
	logger  *log.Logger
}

// NewBus creates an event bus.
func NewBus(opts Options) *Bus {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10000
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 100
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 8
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNopMetrics()
	}
	return &Bus{
		subscribers:  make(map[string][]chan *Envelope),
		historyLimit: opts.HistoryLimit,
		subBuffer:    opts.SubscriberBuffer,
		maxDepth:     opts.MaxDepth,
		deferred:     opts.Deferred,
		parallel:     opts.Parallel,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		logger:       log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// RegisterHandler adds a handler to the registry. Handlers are stateless from
// the bus's perspective; a failing handler never blocks the others.
func (b *Bus) RegisterHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish wraps the event in an envelope, records it in the bounded history,
// fans it out to subscribers, and, unless the bus is deferred, dispatches it
// to all matching handlers. Publish always succeeds and returns the event id.
func (b *Bus) Publish(ctx context.Context, ev Event) string {
	env := b.envelope(ev)

	b.mu.Lock()
	b.history = append(b.history, env)
	if len(b.history) > b.historyLimit {
		// FIFO trim
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	if b.deferred {
		b.pending = append(b.pending, env)
	}
	b.mu.Unlock()

	b.metrics.Published.WithLabelValues(env.Type).Inc()
	b.broadcast(env)

	if !b.deferred {
		b.dispatch(ctx, env, 0)
	}
	return env.ID
}

// ProcessPending drains the deferred queue, dispatching each envelope to its
// handlers. Used by tests and the pull-mode scheduler for deterministic runs.
func (b *Bus) ProcessPending(ctx context.Context) []Result {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	var results []Result
	for _, env := range batch {
		results = append(results, b.dispatch(ctx, env, 0)...)
	}
	return results
}

// Subscribe returns a channel receiving envelopes of the given types, or all
// envelopes when no type is given. The channel drops on overflow.
func (b *Bus) Subscribe(eventTypes ...string) chan *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Envelope, b.subBuffer)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// History returns up to limit most recent envelopes (all when limit <= 0).
func (b *Bus) History(limit int) []*Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Envelope, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// SubscriberCount returns the number of active subscriber channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// --- internal ---

func (b *Bus) envelope(ev Event) *Envelope {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	b.mu.Unlock()

	return &Envelope{
		ID:            fmt.Sprintf("evt-%d-%d", b.clock.Now().UnixNano(), seq),
		Type:          ev.Type,
		Source:        ev.Source,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		Actor:         ev.Actor,
		CorrelationID: ev.CorrelationID,
		CreatedAt:     b.clock.Now(),
		Payload:       ev.Payload,
	}
}

func (b *Bus) broadcast(env *Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	deliver := func(ch chan *Envelope) {
		select {
		case ch <- env:
		default:
			// Slow consumer: drop rather than block the publisher.
			b.metrics.Dropped.Inc()
		}
	}
	for _, ch := range b.subscribers[env.Type] {
		deliver(ch)
	}
	for _, ch := range b.allSubs {
		deliver(ch)
	}
}

// dispatch runs every matching handler for env, then publishes the follow-up
// events the handlers returned. Events from a single publish are fully
// dispatched before any events they trigger (breadth order), capped at
// maxDepth levels to prevent handler loops.
func (b *Bus) dispatch(ctx context.Context, env *Envelope, depth int) []Result {
	if depth >= b.maxDepth {
		b.logger.Printf("dispatch depth cap (%d) hit for %s (%s), dropping follow-ups", b.maxDepth, env.ID, env.Type)
		b.metrics.DepthCapHits.Inc()
		return nil
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		if h.CanHandle(env.Type) {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	var (
		resMu     sync.Mutex
		results   []Result
		followUps []Event
	)
	run := func(h Handler) {
		emitted, err := h.Handle(ctx, env)
		if err != nil {
			b.metrics.HandlerFailures.WithLabelValues(h.Name()).Inc()
			b.logger.Printf("handler %s failed on %s (%s): %v", h.Name(), env.ID, env.Type, err)
		}
		resMu.Lock()
		results = append(results, Result{
			EventID:   env.ID,
			EventType: env.Type,
			Handler:   h.Name(),
			Emitted:   len(emitted),
			Err:       err,
		})
		followUps = append(followUps, emitted...)
		resMu.Unlock()
	}

	if b.parallel {
		var wg sync.WaitGroup
		for _, h := range handlers {
			wg.Add(1)
			go func(h Handler) {
				defer wg.Done()
				run(h)
			}(h)
		}
		wg.Wait()
	} else {
		for _, h := range handlers {
			run(h)
		}
	}

	for _, ev := range followUps {
		child := b.envelope(ev)
		b.mu.Lock()
		b.history = append(b.history, child)
		if len(b.history) > b.historyLimit {
			b.history = b.history[len(b.history)-b.historyLimit:]
		}
		b.mu.Unlock()
		b.metrics.Published.WithLabelValues(child.Type).Inc()
		b.broadcast(child)
		results = append(results, b.dispatch(ctx, child, depth+1)...)
	}
	return results
}
