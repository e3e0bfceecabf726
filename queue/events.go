package queue

import (
	evbus "github.com/asaskevich/EventBus"
)

// Event is a queue lifecycle event, published so collaborators (such as
// queue/auditlog) can observe dispatch outcomes. Publish runs each
// subscriber synchronously in the publishing goroutine, so a subscriber's
// work adds to the dispatch that published the event.
type Event int

const (
	MailEnqueued Event = iota
	MailDelivered
	MailDeferred
	MailBounced
	MailRecovered
)

var eventNames = [...]string{
	"mail.enqueued",
	"mail.delivered",
	"mail.deferred",
	"mail.bounced",
	"mail.recovered",
}

func (e Event) String() string { return eventNames[e] }

// EventHandler wraps an EventBus, typed to this package's Event.
type EventHandler struct {
	bus evbus.Bus
}

// NewEventHandler returns a ready-to-use EventHandler.
func NewEventHandler() *EventHandler {
	return &EventHandler{bus: evbus.New()}
}

func (h *EventHandler) Subscribe(topic Event, fn interface{}) error {
	return h.bus.Subscribe(topic.String(), fn)
}

func (h *EventHandler) Unsubscribe(topic Event, fn interface{}) error {
	return h.bus.Unsubscribe(topic.String(), fn)
}

func (h *EventHandler) Publish(topic Event, args ...interface{}) {
	h.bus.Publish(topic.String(), args...)
}
