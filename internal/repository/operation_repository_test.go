// internal/repository/operation_repository_test.go
package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usbmux-service/internal/model"
)

func newTestOperation(serial string, opType model.OperationType, startedAt time.Time) *model.DeviceOperation {
	return &model.DeviceOperation{
		ID:            uuid.New(),
		DeviceSerial:  serial,
		OperationType: opType,
		Status:        model.OperationStatusProcessing,
		StartedAt:     startedAt,
	}
}

func TestOperationRepositoryCreateAndUpdate(t *testing.T) {
	repo := NewOperationRepository(zap.NewNop())
	ctx := context.Background()

	op := newTestOperation("00042", model.OperationTypeConnect, time.Now())
	require.NoError(t, repo.Create(ctx, op))

	now := time.Now()
	duration := 42
	op.Status = model.OperationStatusSuccess
	op.CompletedAt = &now
	op.DurationMs = &duration
	op.Result = model.JSONObject{"connections": []model.Link{model.LinkHostDut}}
	require.NoError(t, repo.Update(ctx, op))

	got, err := repo.GetByID(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OperationStatusSuccess, got.Status)
	assert.Equal(t, 42, *got.DurationMs)
	assert.Contains(t, got.Result, "connections")
	assert.False(t, got.CreatedAt.IsZero())
}

func TestOperationRepositoryRejectsDuplicateID(t *testing.T) {
	repo := NewOperationRepository(zap.NewNop())
	ctx := context.Background()

	op := newTestOperation("00042", model.OperationTypeConnect, time.Now())
	require.NoError(t, repo.Create(ctx, op))
	assert.ErrorContains(t, repo.Create(ctx, op), "already exists")
}

func TestOperationRepositoryListFilters(t *testing.T) {
	repo := NewOperationRepository(zap.NewNop())
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	connect := newTestOperation("00042", model.OperationTypeConnect, base)
	connect.Status = model.OperationStatusSuccess
	status := newTestOperation("00042", model.OperationTypeStatusCheck, base.Add(time.Minute))
	status.Status = model.OperationStatusFailed
	other := newTestOperation("00043", model.OperationTypeConnect, base.Add(2*time.Minute))

	for _, op := range []*model.DeviceOperation{connect, status, other} {
		require.NoError(t, repo.Create(ctx, op))
	}

	serial := "00042"
	ops, total, err := repo.List(ctx, &OperationFilter{DeviceSerial: &serial})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	opType := model.OperationTypeConnect
	ops, total, err = repo.List(ctx, &OperationFilter{DeviceSerial: &serial, OperationType: &opType})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, connect.ID, ops[0].ID)

	failed := model.OperationStatusFailed
	ops, total, err = repo.List(ctx, &OperationFilter{Status: &failed})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, status.ID, ops[0].ID)

	cutoff := base.Add(90 * time.Second)
	ops, total, err = repo.List(ctx, &OperationFilter{StartDate: &cutoff})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, other.ID, ops[0].ID)
}

func TestOperationRepositoryListByDeviceNewestFirst(t *testing.T) {
	repo := NewOperationRepository(zap.NewNop())
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	first := newTestOperation("00042", model.OperationTypeConnect, base)
	second := newTestOperation("00042", model.OperationTypeStatusCheck, base.Add(time.Minute))
	third := newTestOperation("00042", model.OperationTypeSetIDPin, base.Add(2*time.Minute))

	for _, op := range []*model.DeviceOperation{first, second, third} {
		require.NoError(t, repo.Create(ctx, op))
	}

	ops, err := repo.ListByDevice(ctx, "00042", 2)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, third.ID, ops[0].ID)
	assert.Equal(t, second.ID, ops[1].ID)
}

func TestOperationRepositoryDeleteOldOperations(t *testing.T) {
	repo := NewOperationRepository(zap.NewNop())
	ctx := context.Background()

	old := newTestOperation("00042", model.OperationTypeConnect, time.Now().Add(-48*time.Hour))
	old.Status = model.OperationStatusSuccess
	recent := newTestOperation("00042", model.OperationTypeConnect, time.Now())
	recent.Status = model.OperationStatusSuccess
	// Still running, must survive even though it is old.
	running := newTestOperation("00042", model.OperationTypeFirmwareUpdate, time.Now().Add(-48*time.Hour))

	for _, op := range []*model.DeviceOperation{old, recent, running} {
		require.NoError(t, repo.Create(ctx, op))
	}

	deleted, err := repo.DeleteOldOperations(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = repo.GetByID(ctx, old.ID)
	assert.Error(t, err)
	_, err = repo.GetByID(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = repo.GetByID(ctx, running.ID)
	assert.NoError(t, err)
}
