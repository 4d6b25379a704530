// Package events implements an in-process pub/sub broker, adapted from the
// teacher's pkg/events/events.go: the same buffered-channel
// subscribe/broadcast shape, re-typed from the teacher's service/container
// vocabulary to jobmesh's own node/cluster/job lifecycle events. Used for
// structured audit logging and by tests to assert on scheduling order
// without sleeping on wall-clock time.
package events

import (
	"sync"
	"time"
)

// EventType identifies a jobmesh lifecycle event.
type EventType string

const (
	EventNodeDiscovered  EventType = "node.discovered"
	EventNodeRediscover  EventType = "node.rediscovered"
	EventNodeDied        EventType = "node.died"
	EventClusterCreated  EventType = "cluster.created"
	EventClusterZombie   EventType = "cluster.zombie"
	EventClusterRetired  EventType = "cluster.retired"
	EventJobQueued       EventType = "job.queued"
	EventJobDispatched   EventType = "job.dispatched"
	EventJobFinished     EventType = "job.finished"
	EventJobAbandoned    EventType = "job.abandoned"
	EventJobCancelled    EventType = "job.cancelled"
	EventJobRescheduled  EventType = "job.rescheduled"
	EventResultSpooled   EventType = "result.spooled"
	EventResultDelivered EventType = "result.delivered"
)

// Event is one published occurrence.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
