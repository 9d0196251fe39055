package events

import (
	"sync"
	"time"
)

// Event types published by the control plane. Names and payload shapes are
// stable; external consumers (dashboards, websocket multiplexers) key on them.
const (
	EventTaskQueued                  = "task.queued"
	EventTaskWaiting                 = "task.waiting"
	EventTaskProgress                = "task.progress"
	EventTaskStarted                 = "task.started"
	EventTaskDependenciesSatisfied   = "task.dependencies_satisfied"
	EventTaskRecoveredAfterRestart   = "task.recovered_after_restart"
	EventTaskRecoveryFailedAfterRest = "task.recovery_failed_after_restart"
	EventWorkerOffline               = "worker.offline"
	EventAlertTriggered              = "alert.triggered"
)

// Event is one broadcast message
type Event struct {
	Type      string
	Timestamp time.Time
	Payload   map[string]any
}

// Publisher is the fire-and-forget broadcast contract the scheduler depends
// on. One implementation fans out to live subscriber channels, another
// appends to the system-events table; Multi composes them.
type Publisher interface {
	Publish(eventType string, payload map[string]any)
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish implements Publisher
func (b *Broker) Publish(eventType string, payload map[string]any) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Buffer full; broadcasting is fire-and-forget, drop
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Multi fans one Publish out to several publishers
type Multi []Publisher

// Publish implements Publisher
func (m Multi) Publish(eventType string, payload map[string]any) {
	for _, p := range m {
		p.Publish(eventType, payload)
	}
}
