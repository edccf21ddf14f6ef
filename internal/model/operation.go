// internal/model/operation.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// JSONObject is a free-form payload attached to operations and events.
type JSONObject map[string]interface{}

// OperationType represents the type of operation performed on a device.
type OperationType string

const (
	OperationTypeStatusCheck    OperationType = "STATUS_CHECK"
	OperationTypeConnect        OperationType = "CONNECT"
	OperationTypeSetIDPin       OperationType = "SET_ID_PIN"
	OperationTypeFirmwareUpdate OperationType = "FIRMWARE_UPDATE"
	OperationTypeScan           OperationType = "SCAN"
)

// OperationStatus represents the status of an operation.
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "PENDING"
	OperationStatusProcessing OperationStatus = "PROCESSING"
	OperationStatusSuccess    OperationStatus = "SUCCESS"
	OperationStatusFailed     OperationStatus = "FAILED"
	OperationStatusCancelled  OperationStatus = "CANCELLED"
)

// DeviceOperation represents an operation performed on a device.
type DeviceOperation struct {
	ID            uuid.UUID       `json:"id"`
	DeviceSerial  string          `json:"device_serial"`
	OperationType OperationType   `json:"operation_type"`
	Status        OperationStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMs    *int            `json:"duration_ms,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	RetryCount    int             `json:"retry_count"`
	Result        JSONObject      `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IsCompleted checks if the operation reached a terminal status.
func (op *DeviceOperation) IsCompleted() bool {
	return op.Status == OperationStatusSuccess ||
		op.Status == OperationStatusFailed ||
		op.Status == OperationStatusCancelled
}

// ConnectOperationData represents the payload of a connect operation.
type ConnectOperationData struct {
	Links    ConnectionRequest `json:"links"`
	IDPin    *PinState         `json:"id_pin,omitempty"`
	SettleMs int               `json:"settle_ms,omitempty"`
}

// IDPinOperationData represents the payload of a set-ID-pin operation.
type IDPinOperationData struct {
	State PinState `json:"state"`
}

// FirmwareUpdateData represents the payload of a firmware update operation.
type FirmwareUpdateData struct {
	FilePath   string `json:"file_path"`
	TotalBytes int    `json:"total_bytes"`
	Checksum   uint8  `json:"checksum"`
}
