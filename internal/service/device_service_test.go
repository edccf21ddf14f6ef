// internal/service/device_service_test.go
package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usbmux-service/internal/config"
	"usbmux-service/internal/driver"
	"usbmux-service/internal/model"
	"usbmux-service/internal/repository"
)

func testConfig() *config.Config {
	return &config.Config{
		USB: config.USBConfig{
			ControlTimeout: time.Second,
			SettleDelay:    time.Millisecond,
		},
		Upgrade: config.UpgradeConfig{
			ReappearTimeout: time.Second,
		},
	}
}

func newDeviceServiceFixture(t *testing.T, bus *fakeBus) (*DeviceService, repository.DeviceRepository, *recordingSink) {
	t.Helper()

	logger := zap.NewNop()
	registry := driver.NewRegistry(logger)
	driver.RegisterDefaultDevices(registry, logger)

	repo := repository.NewDeviceRepository(logger)
	svc := NewDeviceService(repo, bus, registry, testConfig(), logger)

	sink := &recordingSink{}
	svc.SetEventSink(sink)

	return svc, repo, sink
}

func registerFixtureDevice(t *testing.T, svc *DeviceService, transport *fakeTransport) *model.Device {
	t.Helper()

	device, err := svc.RegisterDiscovered(context.Background(), &transport.identity, driver.ClassApplication, "USB-Mux")
	require.NoError(t, err)
	return device
}

func TestRegisterDiscoveredProbesVersions(t *testing.T) {
	transport := newFakeTransport("00042")
	svc, _, sink := newDeviceServiceFixture(t, newFakeBus(transport))

	device := registerFixtureDevice(t, svc, transport)

	assert.Equal(t, model.DeviceStatusOnline, device.Status)
	assert.Equal(t, "0.0", device.ProtocolVersion)
	assert.Equal(t, "1.2.0", device.SoftwareVersion)
	assert.True(t, device.UpToDate)

	found := sink.byType(model.EventDeviceFound)
	require.Len(t, found, 1)
	assert.Equal(t, "00042", found[0].DeviceSerial)
}

func TestRegisterDiscoveredBootloaderDevice(t *testing.T) {
	transport := newFakeTransport("00042")
	svc, _, _ := newDeviceServiceFixture(t, newFakeBus(transport))

	device, err := svc.RegisterDiscovered(context.Background(), &transport.identity, driver.ClassBootloader, "STM32 BOOTLOADER")
	require.NoError(t, err)

	assert.Equal(t, model.DeviceStatusBootloader, device.Status)
	// No version probe against a bootloader.
	assert.Empty(t, device.SoftwareVersion)
}

func TestRegisterDiscoveredUpsertsExisting(t *testing.T) {
	transport := newFakeTransport("00042")
	svc, repo, sink := newDeviceServiceFixture(t, newFakeBus(transport))

	first := registerFixtureDevice(t, svc, transport)
	second := registerFixtureDevice(t, svc, transport)

	assert.Equal(t, first.ID, second.ID)

	devices, _, err := repo.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	// Only the first discovery announces the device.
	assert.Len(t, sink.byType(model.EventDeviceFound), 1)
}

func TestMarkOfflineEmitsDeviceLost(t *testing.T) {
	transport := newFakeTransport("00042")
	svc, repo, sink := newDeviceServiceFixture(t, newFakeBus(transport))
	registerFixtureDevice(t, svc, transport)

	require.NoError(t, svc.MarkOffline(context.Background(), "00042"))

	device, err := repo.GetBySerial(context.Background(), "00042")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatusOffline, device.Status)
	assert.Len(t, sink.byType(model.EventDeviceLost), 1)

	// Idempotent: a second call does not emit again.
	require.NoError(t, svc.MarkOffline(context.Background(), "00042"))
	assert.Len(t, sink.byType(model.EventDeviceLost), 1)
}

func TestConnectAppliesTopology(t *testing.T) {
	transport := newFakeTransport("00042")
	svc, repo, sink := newDeviceServiceFixture(t, newFakeBus(transport))
	registerFixtureDevice(t, svc, transport)

	snapshot, err := svc.Connect(context.Background(), "00042", &model.ConnectOperationData{
		Links: model.ConnectionRequest{model.LinkHostDut},
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Link{model.LinkHostDut}, snapshot.Connections)

	device, err := repo.GetBySerial(context.Background(), "00042")
	require.NoError(t, err)
	require.NotNil(t, device.LastStatus)
	assert.True(t, device.LastStatus.HasConnection(model.LinkHostDut))

	assert.Len(t, sink.byType(model.EventConnectionChange), 1)
}

func TestConnectWithIDPin(t *testing.T) {
	transport := newFakeTransport("00042")
	svc, _, sink := newDeviceServiceFixture(t, newFakeBus(transport))
	registerFixtureDevice(t, svc, transport)

	pin := model.PinHigh
	snapshot, err := svc.Connect(context.Background(), "00042", &model.ConnectOperationData{
		Links: model.ConnectionRequest{model.LinkDutDevice},
		IDPin: &pin,
	})
	require.NoError(t, err)

	assert.Equal(t, []model.Link{model.LinkDutDevice}, snapshot.Connections)
	assert.Equal(t, model.PinHigh, snapshot.IDPinState)
	assert.Len(t, sink.byType(model.EventConnectionChange), 1)
}

func TestConnectRefusedOutsideApplicationMode(t *testing.T) {
	transport := newFakeTransport("00042")
	svc, _, _ := newDeviceServiceFixture(t, newFakeBus(transport))

	_, err := svc.RegisterDiscovered(context.Background(), &transport.identity, driver.ClassBootloader, "STM32 BOOTLOADER")
	require.NoError(t, err)

	_, err = svc.Connect(context.Background(), "00042", &model.ConnectOperationData{
		Links: model.ConnectionRequest{model.LinkHostDut},
	})
	assert.Error(t, err)
}

func TestSetIDPinRejectsInvalidState(t *testing.T) {
	transport := newFakeTransport("00042")
	svc, _, _ := newDeviceServiceFixture(t, newFakeBus(transport))
	registerFixtureDevice(t, svc, transport)

	_, err := svc.SetIDPin(context.Background(), "00042", model.PinState("BOGUS"))
	assert.Error(t, err)
}

func TestQueryStatusMarksUnreachableDeviceOffline(t *testing.T) {
	transport := newFakeTransport("00042")
	bus := newFakeBus(transport)
	svc, repo, sink := newDeviceServiceFixture(t, bus)
	registerFixtureDevice(t, svc, transport)

	bus.remove("00042")

	_, err := svc.QueryStatus(context.Background(), "00042")
	require.Error(t, err)

	device, err := repo.GetBySerial(context.Background(), "00042")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatusOffline, device.Status)
	assert.Len(t, sink.byType(model.EventDeviceLost), 1)
}

func TestDeleteDeviceRefusedDuringUpdate(t *testing.T) {
	transport := newFakeTransport("00042")
	svc, repo, _ := newDeviceServiceFixture(t, newFakeBus(transport))
	device := registerFixtureDevice(t, svc, transport)

	require.NoError(t, repo.UpdateStatus(context.Background(), device.ID, model.DeviceStatusUpdating))

	err := svc.DeleteDevice(context.Background(), "00042")
	assert.Error(t, err)
}

func TestPollSweepMarksUnreachableDevicesOffline(t *testing.T) {
	reachable := newFakeTransport("00042")
	vanished := newFakeTransport("00043")
	bus := newFakeBus(reachable, vanished)
	svc, repo, _ := newDeviceServiceFixture(t, bus)
	registerFixtureDevice(t, svc, reachable)
	registerFixtureDevice(t, svc, vanished)

	bus.remove("00043")
	svc.pollOnlineDevices(context.Background())

	device, err := repo.GetBySerial(context.Background(), "00042")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatusOnline, device.Status)

	device, err = repo.GetBySerial(context.Background(), "00043")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatusOffline, device.Status)
}

func TestStatusChangeEventOnlyOnChange(t *testing.T) {
	transport := newFakeTransport("00042")
	svc, _, sink := newDeviceServiceFixture(t, newFakeBus(transport))
	registerFixtureDevice(t, svc, transport)

	_, err := svc.QueryStatus(context.Background(), "00042")
	require.NoError(t, err)
	first := len(sink.byType(model.EventStatusChange))

	// Same hardware state again, no new event.
	_, err = svc.QueryStatus(context.Background(), "00042")
	require.NoError(t, err)
	assert.Equal(t, first, len(sink.byType(model.EventStatusChange)))
}
