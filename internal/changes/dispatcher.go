package changes

import (
	"context"
	"sync"
	"time"
)

const (
	TableDrops            = "drops"
	TableSubscriptions    = "subscriptions"
	TableDeliveryStatuses = "delivery_statuses"
	TableLocalState       = "local_state"

	// TopicStore carries "something changed" notifications from the backing store.
	TopicStore = "store"
	// TopicEngine carries engine progress events for the UI.
	TopicEngine = "engine"

	// KindChanged marks a store notification.
	KindChanged = "changed"

	defaultBufferSize = 16
)

// Event is a change notification. Store events only say that a table changed; consumers
// re-fetch rather than trusting IDs, ordering, or delivery count.
type Event struct {
	Topic     string
	Kind      string
	Table     string
	IDs       []string
	Detail    string
	Timestamp time.Time
}

// Dispatcher fans events out to per-topic subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	stream chan Event
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for the topic. The stream is unregistered when ctx ends
// or the returned cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(topic, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(topic, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

func (d *Dispatcher) Publish(event Event) {
	if event.Topic == "" || event.Kind == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	subs := d.subscribers[event.Topic]
	if len(subs) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// TableChanged implements the store notifier used by the ledger and drops services.
func (d *Dispatcher) TableChanged(table string, ids ...string) {
	d.Publish(Event{
		Topic: TopicStore,
		Kind:  KindChanged,
		Table: table,
		IDs:   ids,
	})
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(topic string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
}

func (d *Dispatcher) unregister(topic string, subscriberID int64) {
	d.mu.Lock()
	subs := d.subscribers[topic]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
