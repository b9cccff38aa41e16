package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Topics published by the deception engine.
const (
	TopicPersonaTransition = "persona.transition"
	TopicSessionClosed     = "session.closed"
	TopicOracleFailure     = "oracle.failure"
)

var ErrClosed = errors.New("eventbus: closed")

// Event is a message emitted by one component for any number of observers.
type Event struct {
	Type      string
	Source    string
	SessionID string
	Time      time.Time
	Payload   any
}

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber receives events of certain types.
type Subscriber interface {
	Handle(ctx context.Context, evt Event)
	Topics() []string
}

// Func adapts a function to Subscriber.
type Func struct {
	Fn     func(ctx context.Context, evt Event)
	Events []string
}

func (f Func) Handle(ctx context.Context, evt Event) { f.Fn(ctx, evt) }
func (f Func) Topics() []string                      { return f.Events }

// Bus is an in-memory pub/sub bus. Events are delivered to subscribers in
// publish order by a single dispatch goroutine.
type Bus struct {
	subsMu sync.RWMutex
	subs   map[string][]Subscriber

	closeMu sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	once    sync.Once
}

// NewBus constructs an in-memory Bus.
func NewBus(buffer int) *Bus {
	if buffer < 0 {
		buffer = 0
	}
	b := &Bus{
		subs:  make(map[string][]Subscriber),
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	defer close(b.done)
	for evt := range b.queue {
		b.dispatch(evt)
	}
}

// Close stops accepting events, delivers what is already queued and returns
// once the dispatch goroutine has exited.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.closeMu.Lock()
		b.closed = true
		close(b.queue)
		b.closeMu.Unlock()
	})
	<-b.done
}

// Register adds a subscriber.
func (b *Bus) Register(sub Subscriber) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, t := range sub.Topics() {
		b.subs[t] = append(b.subs[t], sub)
	}
}

// Publish enqueues an event.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	select {
	case b.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) dispatch(evt Event) {
	b.subsMu.RLock()
	subs := append([]Subscriber(nil), b.subs[evt.Type]...)
	b.subsMu.RUnlock()
	for _, s := range subs {
		s.Handle(context.Background(), evt)
	}
}
