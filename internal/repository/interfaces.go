// internal/repository/interfaces.go

// Package repository holds the service's in-memory state: the registry of
// known devices and the log of operations run against them. Nothing here is
// persisted; device state of record lives in the hardware itself.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"usbmux-service/internal/model"
)

// DeviceRepository defines device data access operations.
type DeviceRepository interface {
	Create(ctx context.Context, device *model.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Device, error)
	GetBySerial(ctx context.Context, serial string) (*model.Device, error)
	Update(ctx context.Context, device *model.Device) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.DeviceStatus) error
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, filter *DeviceFilter) ([]*model.Device, int, error)
	ListByStatus(ctx context.Context, status model.DeviceStatus) ([]*model.Device, error)

	UpdateLastSeen(ctx context.Context, id uuid.UUID, seenAt time.Time) error
	GetDeviceStats(ctx context.Context) (*DeviceStats, error)
}

// OperationRepository defines operation data access operations.
type OperationRepository interface {
	Create(ctx context.Context, operation *model.DeviceOperation) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.DeviceOperation, error)
	Update(ctx context.Context, operation *model.DeviceOperation) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.OperationStatus) error

	List(ctx context.Context, filter *OperationFilter) ([]*model.DeviceOperation, int, error)
	ListByDevice(ctx context.Context, serial string, limit int) ([]*model.DeviceOperation, error)

	DeleteOldOperations(ctx context.Context, olderThan time.Time) (int, error)
}

// DeviceFilter represents device listing filters.
type DeviceFilter struct {
	Status     *model.DeviceStatus `json:"status,omitempty"`
	SearchTerm *string             `json:"search_term,omitempty"`
	Page       int                 `json:"page"`
	PerPage    int                 `json:"per_page"`
}

// OperationFilter represents operation listing filters.
type OperationFilter struct {
	DeviceSerial  *string                `json:"device_serial,omitempty"`
	OperationType *model.OperationType   `json:"operation_type,omitempty"`
	Status        *model.OperationStatus `json:"status,omitempty"`
	StartDate     *time.Time             `json:"start_date,omitempty"`
	EndDate       *time.Time             `json:"end_date,omitempty"`
	Page          int                    `json:"page"`
	PerPage       int                    `json:"per_page"`
}

// DeviceStats represents device statistics.
type DeviceStats struct {
	TotalDevices      int                        `json:"total_devices"`
	OnlineDevices     int                        `json:"online_devices"`
	OfflineDevices    int                        `json:"offline_devices"`
	UpdatingDevices   int                        `json:"updating_devices"`
	BootloaderDevices int                        `json:"bootloader_devices"`
	ByStatus          map[model.DeviceStatus]int `json:"by_status"`
}
