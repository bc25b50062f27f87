package event

import (
	"sync"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-dtn/lib/metrics"
	"github.com/go-i2p/go-dtn/lib/util/queue"
)

var log = logger.GetGoI2PLogger()

// Receiver consumes events. Notify runs on the dispatcher goroutine and must
// not block; long work belongs on the receiver's own queue.
type Receiver interface {
	Notify(e Event)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(e Event)

func (f ReceiverFunc) Notify(e Event) { f(e) }

// SubscriptionID identifies a registration for Unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id       SubscriptionID
	receiver Receiver
}

// Bus delivers raised events asynchronously and in raise order to every
// receiver subscribed to the event kind. A single dispatcher goroutine does
// the delivery, so each receiver observes events in FIFO order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]subscription
	nextID SubscriptionID

	pending *queue.Queue[Event]
	metrics *metrics.Metrics

	runMu   sync.Mutex
	running bool
	done    chan struct{}
}

// NewBus creates a stopped bus. Events raised before Start are kept.
func NewBus(m *metrics.Metrics) *Bus {
	return &Bus{
		subs:    make(map[Kind][]subscription),
		pending: queue.New[Event](),
		metrics: m,
	}
}

// Subscribe registers r for the given kinds.
func (b *Bus) Subscribe(r Receiver, kinds ...Kind) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	for _, k := range kinds {
		b.subs[k] = append(b.subs[k], subscription{id: id, receiver: r})
	}
	log.WithFields(logger.Fields{
		"at":    "(Bus) Subscribe",
		"id":    id,
		"kinds": kinds,
	}).Debug("receiver subscribed")
	return id
}

// Unsubscribe removes every registration made under id.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, list := range b.subs {
		kept := list[:0]
		for _, s := range list {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subs, k)
		} else {
			b.subs[k] = kept
		}
	}
}

// Raise queues e for delivery and returns immediately.
func (b *Bus) Raise(e Event) {
	if err := b.pending.Push(e); err != nil {
		log.WithFields(logger.Fields{
			"at":   "(Bus) Raise",
			"kind": e.Kind().String(),
		}).Debug("bus stopped, event dropped")
	}
}

// Start launches the dispatcher.
func (b *Bus) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return
	}
	if b.pending.Aborted() {
		b.pending.Reset()
	}
	b.running = true
	b.done = make(chan struct{})
	go b.run(b.done)
}

// Stop aborts the dispatcher and waits for it to exit. Undelivered events
// are discarded.
func (b *Bus) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return
	}
	b.pending.Abort()
	<-b.done
	b.running = false
}

func (b *Bus) run(done chan struct{}) {
	defer close(done)
	for {
		e, err := b.pending.Pop()
		if err != nil {
			return
		}
		b.dispatch(e)
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	list := append([]subscription(nil), b.subs[e.Kind()]...)
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.EventsDispatched.WithLabelValues(e.Kind().String()).Inc()
	}
	for _, s := range list {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":           "(Bus) deliver",
				"kind":         e.Kind().String(),
				"subscription": s.id,
				"panic":        r,
			}).Error("receiver panicked while handling event")
		}
	}()
	s.receiver.Notify(e)
}
