package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/risehq/rise/pkg/state"
	"github.com/risehq/rise/pkg/types"
)

// EventType classifies a control-plane event.
type EventType string

const (
	EventDeploymentCreated    EventType = "deployment.created"
	EventDeploymentStatus     EventType = "deployment.status_changed"
	EventDeploymentTerminated EventType = "deployment.terminated"
	EventProjectStatus        EventType = "project.status_changed"
)

// Event is a single control-plane occurrence. Status fields are only set
// for the deployment event types.
type Event struct {
	Type         EventType              `json:"type"`
	ProjectID    uuid.UUID              `json:"project_id"`
	DeploymentID uuid.UUID              `json:"deployment_id,omitempty"`
	Status       types.DeploymentStatus `json:"status,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Message      string                 `json:"message,omitempty"`
}

// Terminal reports whether the event closes its deployment's lifecycle.
// Stream consumers use it to know when to hang up.
func (e *Event) Terminal() bool {
	return e.Type == EventDeploymentTerminated
}

// Subscriber receives events matching its filter.
type Subscriber chan *Event

// Filter narrows a subscription. Zero values match everything.
type Filter struct {
	ProjectID    uuid.UUID
	DeploymentID uuid.UUID
}

func (f Filter) matches(e *Event) bool {
	if f.ProjectID != uuid.Nil && e.ProjectID != f.ProjectID {
		return false
	}
	if f.DeploymentID != uuid.Nil && e.DeploymentID != f.DeploymentID {
		return false
	}
	return true
}

// Broker fans control-plane events out to subscribers. Publishing never
// blocks on a slow consumer; a subscriber with a full buffer misses events
// and should re-read state from the store.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]Filter
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates an event broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]Filter),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop shuts the broker down. Pending events are dropped.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a filtered subscription. The caller must Unsubscribe
// when done or the channel leaks.
func (b *Broker) Subscribe(f Filter) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = f
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues an event for distribution.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// PublishStatus is shorthand for the status-change events the store
// mutations emit.
func (b *Broker) PublishStatus(d *types.Deployment, msg string) {
	typ := EventDeploymentStatus
	if state.IsTerminal(d.Status) {
		typ = EventDeploymentTerminated
	}
	b.Publish(&Event{
		Type:         typ,
		ProjectID:    d.ProjectID,
		DeploymentID: d.ID,
		Status:       d.Status,
		Message:      msg,
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
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, f := range b.subscribers {
		if !f.matches(event) {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
