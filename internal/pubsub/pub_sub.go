package pubsub

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventType is the type of event subscribers are listening for.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the broker blocks until the subscriber's channel accepts the event. This guarantees delivery but a slow
	// subscriber stalls the whole bus, so it should generally be false.
	IsBlocking bool
}

// SubscriberID identifies a single subscription and is required to unsubscribe.
type SubscriberID uint64

// Event is a typed event. Each instantiation is a distinct type (Event[string] != Event[int]).
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber erases the type of a subscription channel. The closures capture the typed chan *Event[T], so channels of
// different payload types can live in one registry map.
type subscriber struct {
	// send returns false if the payload has the wrong type or a non-blocking channel is full
	send  func(eventType EventType, payload any) bool
	close func()

	opts    SubscriptionOptions
	dropped atomic.Uint64
}

type published struct {
	eventType EventType
	payload   any
}

// PubSubClient is a thread-safe publish/subscribe broker. Publishing is asynchronous: events are queued and fanned out
// by a single background goroutine, so subscribers see events in publish order.
type PubSubClient struct {
	// Protects the registry
	mu sync.RWMutex
	// Guards publishChan against being closed while a Publish is sending on it. Kept apart from mu so a Publish blocked
	// on a full channel never holds the lock that run() needs to drain it.
	closeMu sync.RWMutex
	// Used to wait for the run() goroutine to finish
	wg sync.WaitGroup

	registry map[EventType]map[SubscriberID]*subscriber
	nextID   SubscriberID

	// Buffered so Publish returns without waiting for the fan-out of a previous event
	publishChan  chan published
	shuttingDown atomic.Bool

	logger *zap.Logger
}

// Subscribe registers ch for eventType. The caller owns the channel and picks its buffer size; it is closed on
// Unsubscribe or shutdown.
//
// Go methods cannot declare type parameters, hence a free function taking the client.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID

	sub := &subscriber{
		opts: opts,
		send: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				p.logger.Warn("[PUBSUB] payload type mismatch", zap.Int("event", int(evType)))
				return false
			}
			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscription and closes its channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	if sub, ok := subscribers[id]; ok {
		delete(subscribers, id)
		sub.close()
		if len(subscribers) == 0 {
			delete(p.registry, eventType)
		}
	}
}

// Publish queues event for delivery. Events published after shutdown are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.shuttingDown.Load() {
		p.logger.Debug("[PUBSUB] dropping event published during shutdown", zap.Int("event", int(event.Type)))
		return
	}
	p.publishChan <- published{eventType: event.Type, payload: event.Payload}
}

// GracefulShutdown stops accepting events, delivers the queued ones and closes every subscriber channel. It blocks
// until the broker has drained.
func (p *PubSubClient) GracefulShutdown() {
	p.closeMu.Lock()
	if p.shuttingDown.Swap(true) {
		p.closeMu.Unlock()
		p.wg.Wait()
		return
	}
	close(p.publishChan)
	p.closeMu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for eventType, subscribers := range p.registry {
		for _, sub := range subscribers {
			sub.close()
		}
		delete(p.registry, eventType)
	}
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishChan {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if !sub.send(msg.eventType, msg.payload) && !sub.opts.IsBlocking {
				dropped := sub.dropped.Add(1)
				p.logger.Warn("[PUBSUB] dropped event for slow subscriber",
					zap.Int("event", int(msg.eventType)), zap.Uint64("subscriber", uint64(id)), zap.Uint64("dropped", dropped))
			}
		}
		p.mu.RUnlock()
	}
}

// NewPubSub starts a broker. A nil logger disables logging.
func NewPubSub(logger *zap.Logger) *PubSubClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &PubSubClient{
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan published, 100),
		logger:      logger.Named("pubsub"),
	}

	p.wg.Add(1)
	go p.run()

	return p
}
