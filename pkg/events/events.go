package events

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskCreated         EventType = "task.created"
	EventTaskAssigned        EventType = "task.assigned"
	EventTaskStatusChanged   EventType = "task.status_changed"
	EventTaskProgressChanged EventType = "task.progress_changed"
	EventNodeRegistered      EventType = "node.registered"
	EventNodeDisconnected    EventType = "node.disconnected"
	EventDebugMessage        EventType = "debug.message"
)

// Well-known subscription groups. Task events additionally fan out to the
// per-task group "task:<id>".
const (
	GroupDebug    = "debug"
	GroupTasksAll = "tasks:all"
	GroupNodes    = "nodes"
)

// TaskGroup returns the per-task interest group key.
func TaskGroup(taskID uint64) string {
	return "task:" + strconv.FormatUint(taskID, 10)
}

// Event is a single published occurrence. Delivery is at-least-once to
// currently connected subscribers; there is no backlog replay.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	TaskID        uint64            `json:"task_id,omitempty"`
	NodeID        string            `json:"node_id,omitempty"`
	Message       string            `json:"message,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// Groups returns the interest groups the event belongs to.
func (e *Event) Groups() []string {
	switch e.Type {
	case EventDebugMessage:
		return []string{GroupDebug}
	case EventNodeRegistered, EventNodeDisconnected:
		return []string{GroupNodes}
	default:
		return []string{GroupTasksAll, TaskGroup(e.TaskID)}
	}
}

// StatusChangeData builds the payload of a task.status_changed event.
func StatusChangeData(old, new, result string) map[string]string {
	d := map[string]string{"old": old, "new": new}
	if result != "" {
		d["result"] = result
	}
	return d
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

type subscription struct {
	groups map[string]bool
}

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]*subscription
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]*subscription),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe registers interest in the given groups and returns the delivery
// channel. An empty group list subscribes to everything.
func (b *Broker) Subscribe(groups ...string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	set := make(map[string]bool, len(groups))
	for _, g := range groups {
		set[g] = true
	}
	b.subscribers[sub] = &subscription{groups: set}
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for distribution. Callers publish after their
// persisting transaction committed, never inside it.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Debug publishes a debug.message event.
func (b *Broker) Debug(source, text, nodeID string) {
	b.Publish(&Event{
		Type:    EventDebugMessage,
		NodeID:  nodeID,
		Message: fmt.Sprintf("[%s] %s", source, text),
	})
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
	groups := event.Groups()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, sp := range b.subscribers {
		if !sp.matches(groups) {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

func (sp *subscription) matches(groups []string) bool {
	if len(sp.groups) == 0 {
		return true
	}
	for _, g := range groups {
		if sp.groups[g] {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
