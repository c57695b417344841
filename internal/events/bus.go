package events

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/model"
)

// Topic names a stream of SLA notices. Redis channels use the same names.
type Topic string

const (
	TopicWarning    Topic = "sla.warning"
	TopicBreach     Topic = "sla.breach"
	TopicEscalation Topic = "sla.escalation"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus closed")

// Notice is the tagged union delivered to subscribers. It is one of
// Warning, Breach or Escalation; switch on the concrete type.
type Notice interface {
	Topic() Topic
	Event() model.SLAEvent
	notice()
}

type Warning struct{ model.SLAEvent }

type Breach struct{ model.SLAEvent }

type Escalation struct{ model.SLAEvent }

func (Warning) Topic() Topic    { return TopicWarning }
func (Breach) Topic() Topic     { return TopicBreach }
func (Escalation) Topic() Topic { return TopicEscalation }

func (w Warning) Event() model.SLAEvent    { return w.SLAEvent }
func (b Breach) Event() model.SLAEvent     { return b.SLAEvent }
func (e Escalation) Event() model.SLAEvent { return e.SLAEvent }

func (Warning) notice()    {}
func (Breach) notice()     {}
func (Escalation) notice() {}

// NoticeFor wraps ev in the variant matching its event type.
func NoticeFor(ev model.SLAEvent) Notice {
	switch ev.EventType {
	case model.EventStartWarning, model.EventResolveWarning:
		return Warning{ev}
	case model.EventStartBreach, model.EventResolveBreach:
		return Breach{ev}
	default:
		return Escalation{ev}
	}
}

// Subscriber receives notices for one topic.
type Subscriber func(Notice)

// Bus is an in-process publish/subscribe hub for SLA notices. Each
// subscriber owns a buffered channel drained by its own goroutine. Publish
// waits for buffer space until ctx is done instead of dropping, so a slow
// subscriber turns into a publish failure the outbox retries later.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]chan Notice
	bufferSize  int
	closed      bool
	logger      *zap.Logger
}

// NewBus creates a bus with the given buffer size per subscriber.
func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[Topic][]chan Notice),
		bufferSize:  bufferSize,
		logger:      logger.Named("bus"),
	}
}

// Subscribe registers fn for topic and returns an unsubscribe function.
func (b *Bus) Subscribe(topic Topic, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notice, b.bufferSize)
	b.subscribers[topic] = append(b.subscribers[topic], ch)

	go func() {
		for n := range ch {
			b.deliver(fn, n)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subscribers[topic]
			for i, subCh := range subs {
				if subCh == ch {
					b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

func (b *Bus) deliver(fn Subscriber, n Notice) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panic",
				zap.String("topic", string(n.Topic())),
				zap.String("event_id", n.Event().ID),
				zap.Any("panic", r))
		}
	}()
	fn(n)
}

// Publish hands n to every subscriber of its topic, waiting for buffer space
// until ctx is done.
func (b *Bus) Publish(ctx context.Context, n Notice) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	for _, ch := range b.subscribers[n.Topic()] {
		select {
		case ch <- n:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Deliver makes the bus an emitter Sink.
func (b *Bus) Deliver(ctx context.Context, n Notice) error {
	return b.Publish(ctx, n)
}

func (b *Bus) Name() string { return "bus" }

// Close closes all subscriber channels and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, topic)
	}
}
