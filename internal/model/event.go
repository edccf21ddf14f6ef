// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event.
type EventType string

const (
	EventDeviceFound      EventType = "DEVICE_FOUND"
	EventDeviceLost       EventType = "DEVICE_LOST"
	EventStatusChange     EventType = "STATUS_CHANGE"
	EventConnectionChange EventType = "CONNECTION_CHANGE"
	EventIDPinChange      EventType = "ID_PIN_CHANGE"
	EventUpgradeStarted   EventType = "UPGRADE_STARTED"
	EventUpgradeProgress  EventType = "UPGRADE_PROGRESS"
	EventUpgradeCompleted EventType = "UPGRADE_COMPLETED"
	EventUpgradeFailed    EventType = "UPGRADE_FAILED"
)

// DeviceEvent represents an event in the system.
type DeviceEvent struct {
	ID           uuid.UUID  `json:"id"`
	EventType    EventType  `json:"event_type"`
	DeviceSerial string     `json:"device_serial"`
	Data         JSONObject `json:"data,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	Severity     string     `json:"severity"` // INFO, WARNING, ERROR
}

// NewDeviceEvent creates an event with a fresh ID and timestamp.
func NewDeviceEvent(eventType EventType, serial string, data JSONObject) DeviceEvent {
	severity := "INFO"
	switch eventType {
	case EventUpgradeFailed, EventDeviceLost:
		severity = "WARNING"
	}

	return DeviceEvent{
		ID:           uuid.New(),
		EventType:    eventType,
		DeviceSerial: serial,
		Data:         data,
		Timestamp:    time.Now(),
		Severity:     severity,
	}
}

// UpgradeProgressData represents upgrade progress event payload.
type UpgradeProgressData struct {
	OperationID uuid.UUID `json:"operation_id"`
	BytesSent   int       `json:"bytes_sent"`
	TotalBytes  int       `json:"total_bytes"`
	State       string    `json:"state"`
}
