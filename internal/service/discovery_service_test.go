// internal/service/discovery_service_test.go
package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usbmux-service/internal/driver"
	"usbmux-service/internal/model"
	"usbmux-service/internal/repository"
)

func newDiscoveryFixture(t *testing.T, bus *fakeBus) (*DiscoveryService, repository.DeviceRepository, *recordingSink) {
	t.Helper()

	logger := zap.NewNop()
	registry := driver.NewRegistry(logger)
	driver.RegisterDefaultDevices(registry, logger)

	repo := repository.NewDeviceRepository(logger)
	deviceService := NewDeviceService(repo, bus, registry, testConfig(), logger)

	sink := &recordingSink{}
	deviceService.SetEventSink(sink)

	svc := NewDiscoveryService(repo, deviceService, bus, registry, testConfig(), logger)
	return svc, repo, sink
}

func TestScanRegistersAttachedDevices(t *testing.T) {
	bus := newFakeBus(newFakeTransport("00042"), newFakeTransport("00043"))
	svc, repo, sink := newDiscoveryFixture(t, bus)

	result, found, err := svc.ScanDevices(context.Background(), "all")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Found)
	assert.Equal(t, 2, result.Registered)
	assert.Equal(t, 0, result.Lost)
	assert.Len(t, found, 2)

	devices, total, err := repo.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, d := range devices {
		assert.Equal(t, model.DeviceStatusOnline, d.Status)
	}

	assert.Len(t, sink.byType(model.EventDeviceFound), 2)
}

func TestScanMarksVanishedDevicesLost(t *testing.T) {
	bus := newFakeBus(newFakeTransport("00042"))
	svc, repo, sink := newDiscoveryFixture(t, bus)

	_, _, err := svc.ScanDevices(context.Background(), "all")
	require.NoError(t, err)

	bus.remove("00042")

	result, _, err := svc.ScanDevices(context.Background(), "all")
	require.NoError(t, err)

	assert.Equal(t, 0, result.Found)
	assert.Equal(t, 1, result.Lost)

	device, err := repo.GetBySerial(context.Background(), "00042")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatusOffline, device.Status)
	assert.Len(t, sink.byType(model.EventDeviceLost), 1)
}

func TestScanLeavesUpdatingDevicesAlone(t *testing.T) {
	bus := newFakeBus(newFakeTransport("00042"))
	svc, repo, sink := newDiscoveryFixture(t, bus)

	_, _, err := svc.ScanDevices(context.Background(), "all")
	require.NoError(t, err)

	device, err := repo.GetBySerial(context.Background(), "00042")
	require.NoError(t, err)
	require.NoError(t, repo.UpdateStatus(context.Background(), device.ID, model.DeviceStatusUpdating))

	// Mid update the device drops off the bus for the DFU sequence.
	bus.remove("00042")

	result, _, err := svc.ScanDevices(context.Background(), "all")
	require.NoError(t, err)

	assert.Equal(t, 0, result.Lost)
	device, err = repo.GetBySerial(context.Background(), "00042")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatusUpdating, device.Status)
	assert.Empty(t, sink.byType(model.EventDeviceLost))
}

func TestScanReacquiresReturningDevice(t *testing.T) {
	transport := newFakeTransport("00042")
	bus := newFakeBus(transport)
	svc, repo, sink := newDiscoveryFixture(t, bus)

	_, _, err := svc.ScanDevices(context.Background(), "all")
	require.NoError(t, err)

	bus.remove("00042")
	_, _, err = svc.ScanDevices(context.Background(), "all")
	require.NoError(t, err)

	bus.put(transport)
	_, _, err = svc.ScanDevices(context.Background(), "all")
	require.NoError(t, err)

	device, err := repo.GetBySerial(context.Background(), "00042")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatusOnline, device.Status)

	// Found once at first sight, again when it came back from offline.
	assert.Len(t, sink.byType(model.EventDeviceFound), 2)
}

func TestScanByUnknownTypeFails(t *testing.T) {
	svc, _, _ := newDiscoveryFixture(t, newFakeBus())

	_, _, err := svc.ScanDevices(context.Background(), "bluetooth")
	assert.Error(t, err)
}

func TestGetAvailableScanners(t *testing.T) {
	svc, _, _ := newDiscoveryFixture(t, newFakeBus())

	assert.Contains(t, svc.GetAvailableScanners(), "usb")
}
