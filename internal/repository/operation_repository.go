// internal/repository/operation_repository.go
package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"usbmux-service/internal/model"
)

// operationRepository implements OperationRepository with an in-memory map.
// History is bounded; DeleteOldOperations is the retention hook.
type operationRepository struct {
	mu         sync.RWMutex
	operations map[uuid.UUID]*model.DeviceOperation
	logger     *zap.Logger
}

// NewOperationRepository creates a new in-memory operation repository.
func NewOperationRepository(logger *zap.Logger) OperationRepository {
	return &operationRepository{
		operations: make(map[uuid.UUID]*model.DeviceOperation),
		logger:     logger,
	}
}

func cloneOperation(op *model.DeviceOperation) *model.DeviceOperation {
	out := *op
	if op.Result != nil {
		out.Result = make(model.JSONObject, len(op.Result))
		for k, v := range op.Result {
			out.Result[k] = v
		}
	}
	return &out
}

// Create records a new operation.
func (r *operationRepository) Create(ctx context.Context, operation *model.DeviceOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.operations[operation.ID]; exists {
		return fmt.Errorf("operation already exists with id: %s", operation.ID)
	}

	operation.CreatedAt = time.Now()
	r.operations[operation.ID] = cloneOperation(operation)
	return nil
}

// GetByID retrieves an operation by ID.
func (r *operationRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.DeviceOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	operation, ok := r.operations[id]
	if !ok {
		return nil, fmt.Errorf("operation not found with id: %s", id)
	}
	return cloneOperation(operation), nil
}

// Update replaces an operation record.
func (r *operationRepository) Update(ctx context.Context, operation *model.DeviceOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.operations[operation.ID]
	if !ok {
		return fmt.Errorf("operation not found with id: %s", operation.ID)
	}

	operation.CreatedAt = existing.CreatedAt
	r.operations[operation.ID] = cloneOperation(operation)
	return nil
}

// UpdateStatus updates only the operation status.
func (r *operationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.OperationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	operation, ok := r.operations[id]
	if !ok {
		return fmt.Errorf("operation not found with id: %s", id)
	}

	operation.Status = status
	return nil
}

// List returns operations matching the filter, newest first.
func (r *operationRepository) List(ctx context.Context, filter *OperationFilter) ([]*model.DeviceOperation, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*model.DeviceOperation, 0, len(r.operations))
	for _, op := range r.operations {
		if filter != nil {
			if filter.DeviceSerial != nil && op.DeviceSerial != *filter.DeviceSerial {
				continue
			}
			if filter.OperationType != nil && op.OperationType != *filter.OperationType {
				continue
			}
			if filter.Status != nil && op.Status != *filter.Status {
				continue
			}
			if filter.StartDate != nil && op.StartedAt.Before(*filter.StartDate) {
				continue
			}
			if filter.EndDate != nil && op.StartedAt.After(*filter.EndDate) {
				continue
			}
		}
		matched = append(matched, cloneOperation(op))
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	total := len(matched)
	if filter != nil && filter.PerPage > 0 {
		start := (filter.Page - 1) * filter.PerPage
		if start < 0 {
			start = 0
		}
		if start >= total {
			return []*model.DeviceOperation{}, total, nil
		}
		end := start + filter.PerPage
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}

	return matched, total, nil
}

// ListByDevice returns the most recent operations for one device.
func (r *operationRepository) ListByDevice(ctx context.Context, serial string, limit int) ([]*model.DeviceOperation, error) {
	operations, _, err := r.List(ctx, &OperationFilter{
		DeviceSerial: &serial,
		Page:         1,
		PerPage:      limit,
	})
	return operations, err
}

// DeleteOldOperations drops completed operations older than the cutoff.
func (r *operationRepository) DeleteOldOperations(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, op := range r.operations {
		if op.IsCompleted() && op.StartedAt.Before(olderThan) {
			delete(r.operations, id)
			deleted++
		}
	}

	if deleted > 0 {
		r.logger.Info("Deleted old operations", zap.Int("count", deleted))
	}
	return deleted, nil
}
