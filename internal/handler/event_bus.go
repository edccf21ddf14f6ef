// internal/handler/event_bus.go
package handler

import (
	"sync"

	"go.uber.org/zap"

	"usbmux-service/internal/model"
)

// EventBus fans device events out to subscribers. The services publish into
// it through the service.EventSink interface; the WebSocket handler drains
// it toward connected clients.
type EventBus struct {
	subscribers []chan model.DeviceEvent
	events      chan model.DeviceEvent
	mutex       sync.RWMutex
	logger      *zap.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		events: make(chan model.DeviceEvent, 1000),
		logger: logger,
	}
}

// Start starts the event bus. Runs until the events channel is closed.
func (eb *EventBus) Start() {
	for event := range eb.events {
		eb.distributeEvent(event)
	}
}

// PublishEvent publishes an event. Never blocks; events are dropped when the
// bus is saturated.
func (eb *EventBus) PublishEvent(event model.DeviceEvent) {
	select {
	case eb.events <- event:
	default:
		if eb.logger != nil {
			eb.logger.Warn("Event bus full, dropping event",
				zap.String("event_type", string(event.EventType)),
				zap.String("serial", event.DeviceSerial),
			)
		}
	}
}

// Subscribe registers a new subscriber channel receiving every event.
func (eb *EventBus) Subscribe() <-chan model.DeviceEvent {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan model.DeviceEvent, 100)
	eb.subscribers = append(eb.subscribers, subscriber)
	return subscriber
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event model.DeviceEvent) {
	eb.mutex.RLock()
	subscribers := eb.subscribers
	eb.mutex.RUnlock()

	for _, subscriber := range subscribers {
		select {
		case subscriber <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
