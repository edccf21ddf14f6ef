// internal/repository/device_repository.go
package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"usbmux-service/internal/model"
)

// deviceRepository implements DeviceRepository with an in-memory map keyed
// by device ID, with a serial index for the common lookup path.
type deviceRepository struct {
	mu       sync.RWMutex
	devices  map[uuid.UUID]*model.Device
	bySerial map[string]uuid.UUID
	logger   *zap.Logger
}

// NewDeviceRepository creates a new in-memory device repository.
func NewDeviceRepository(logger *zap.Logger) DeviceRepository {
	return &deviceRepository{
		devices:  make(map[uuid.UUID]*model.Device),
		bySerial: make(map[string]uuid.UUID),
		logger:   logger,
	}
}

func cloneDevice(d *model.Device) *model.Device {
	out := *d
	if d.LastStatus != nil {
		status := *d.LastStatus
		status.Connections = append([]model.Link(nil), d.LastStatus.Connections...)
		status.PortVoltages = make(map[model.Port]uint16, len(d.LastStatus.PortVoltages))
		for k, v := range d.LastStatus.PortVoltages {
			status.PortVoltages[k] = v
		}
		out.LastStatus = &status
	}
	return &out
}

// Create adds a new device.
func (r *deviceRepository) Create(ctx context.Context, device *model.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bySerial[device.Identity.SerialNumber]; exists {
		return fmt.Errorf("device already exists with serial: %s", device.Identity.SerialNumber)
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	r.devices[device.ID] = cloneDevice(device)
	r.bySerial[device.Identity.SerialNumber] = device.ID

	r.logger.Info("Device created",
		zap.String("id", device.ID.String()),
		zap.String("serial", device.Identity.SerialNumber),
	)
	return nil
}

// GetByID retrieves a device by ID.
func (r *deviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("device not found with id: %s", id)
	}
	return cloneDevice(device), nil
}

// GetBySerial retrieves a device by serial number.
func (r *deviceRepository) GetBySerial(ctx context.Context, serial string) (*model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.bySerial[serial]
	if !ok {
		return nil, fmt.Errorf("device not found with serial: %s", serial)
	}
	return cloneDevice(r.devices[id]), nil
}

// Update replaces a device record.
func (r *deviceRepository) Update(ctx context.Context, device *model.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[device.ID]
	if !ok {
		return fmt.Errorf("device not found with id: %s", device.ID)
	}

	device.CreatedAt = existing.CreatedAt
	device.UpdatedAt = time.Now()

	if existing.Identity.SerialNumber != device.Identity.SerialNumber {
		delete(r.bySerial, existing.Identity.SerialNumber)
		r.bySerial[device.Identity.SerialNumber] = device.ID
	}
	r.devices[device.ID] = cloneDevice(device)
	return nil
}

// UpdateStatus updates only the lifecycle status.
func (r *deviceRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.DeviceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("device not found with id: %s", id)
	}

	device.Status = status
	device.UpdatedAt = time.Now()
	return nil
}

// Delete removes a device.
func (r *deviceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("device not found with id: %s", id)
	}

	delete(r.bySerial, device.Identity.SerialNumber)
	delete(r.devices, id)

	r.logger.Info("Device deleted", zap.String("id", id.String()))
	return nil
}

// List returns devices matching the filter with pagination.
func (r *deviceRepository) List(ctx context.Context, filter *DeviceFilter) ([]*model.Device, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*model.Device, 0, len(r.devices))
	for _, device := range r.devices {
		if filter != nil {
			if filter.Status != nil && device.Status != *filter.Status {
				continue
			}
			if filter.SearchTerm != nil {
				term := strings.ToLower(*filter.SearchTerm)
				if !strings.Contains(strings.ToLower(device.Identity.SerialNumber), term) &&
					!strings.Contains(strings.ToLower(device.ProductName), term) {
					continue
				}
			}
		}
		matched = append(matched, cloneDevice(device))
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Identity.SerialNumber < matched[j].Identity.SerialNumber
	})

	total := len(matched)
	if filter != nil && filter.PerPage > 0 {
		start := (filter.Page - 1) * filter.PerPage
		if start < 0 {
			start = 0
		}
		if start >= total {
			return []*model.Device{}, total, nil
		}
		end := start + filter.PerPage
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}

	return matched, total, nil
}

// ListByStatus returns all devices with the given status.
func (r *deviceRepository) ListByStatus(ctx context.Context, status model.DeviceStatus) ([]*model.Device, error) {
	devices, _, err := r.List(ctx, &DeviceFilter{Status: &status})
	return devices, err
}

// UpdateLastSeen records when a device was last observed on the bus.
func (r *deviceRepository) UpdateLastSeen(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("device not found with id: %s", id)
	}

	device.LastSeen = seenAt
	device.UpdatedAt = time.Now()
	return nil
}

// GetDeviceStats returns aggregate counts.
func (r *deviceRepository) GetDeviceStats(ctx context.Context) (*DeviceStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &DeviceStats{
		ByStatus: make(map[model.DeviceStatus]int),
	}
	for _, device := range r.devices {
		stats.TotalDevices++
		stats.ByStatus[device.Status]++
		switch device.Status {
		case model.DeviceStatusOnline:
			stats.OnlineDevices++
		case model.DeviceStatusOffline:
			stats.OfflineDevices++
		case model.DeviceStatusUpdating:
			stats.UpdatingDevices++
		case model.DeviceStatusBootloader:
			stats.BootloaderDevices++
		}
	}
	return stats, nil
}
