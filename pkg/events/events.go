package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a container lifecycle transition.
type EventType string

const (
	EventContainerCreated      EventType = "container.created"
	EventContainerAssigned     EventType = "container.assigned"
	EventContainerCheckpointed EventType = "container.checkpointed"
	EventContainerRestored     EventType = "container.restored"
	EventContainerPurged       EventType = "container.purged"
	EventContainerReleased     EventType = "container.released"
	EventPoolRefilled          EventType = "pool.refilled"
	EventImagePulled           EventType = "image.pulled"
)

// Event is one container lifecycle occurrence. Metadata carries the hostname
// of the container involved where one exists.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// New builds an event, stamping a fresh id and the current time.
func New(eventType EventType, message string, metadata map[string]string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  metadata,
	}
}

// Subscriber receives published events. A subscriber that stops draining its
// channel loses events rather than blocking publishers.
type Subscriber chan *Event

const (
	publishBuffer    = 100
	subscriberBuffer = 50
)

// Broker fans published events out to all subscribers.
type Broker struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}

	events chan *Event
	done   chan struct{}
}

// NewBroker creates a broker; call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[Subscriber]struct{}),
		events: make(chan *Event, publishBuffer),
		done:   make(chan struct{}),
	}
}

// Start launches the distribution loop.
func (b *Broker) Start() {
	go b.loop()
}

// Stop terminates the distribution loop. Publishes after Stop are dropped.
func (b *Broker) Stop() {
	close(b.done)
}

// Subscribe registers a new subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, subscriberBuffer)

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub)
}

// Publish queues an event for distribution without blocking the caller
// beyond the publish buffer.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.events <- event:
	case <-b.done:
	}
}

// SubscriberCount reports how many subscribers are registered.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) loop() {
	for {
		select {
		case <-b.done:
			return
		case event := <-b.events:
			b.mu.RLock()
			for sub := range b.subs {
				// full subscriber buffers lose events; container
				// operations must never wait on an observer
				select {
				case sub <- event:
				default:
				}
			}
			b.mu.RUnlock()
		}
	}
}
