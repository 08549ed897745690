package network_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/network"
	"github.com/familyvault/familyvaultd/internal/transport"
	"github.com/stretchr/testify/require"
)

func fixedPSK(secret string) transport.PSKSource {
	return transport.NewPSKSource(func() ([]byte, error) { return []byte(secret), nil })
}

func waitForEvent(t *testing.T, ch <-chan network.Event, want network.EventType) network.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

func newManager(t *testing.T, deviceID, name, secret string) (*network.Manager, chan network.Event) {
	t.Helper()
	events := make(chan network.Event, 64)
	m := network.New(network.Config{
		DeviceID:   deviceID,
		DeviceName: name,
		DeviceType: domain.DeviceDesktop,
		PSK:        fixedPSK(secret),
	}, func(e network.Event) {
		select {
		case events <- e:
		default:
		}
	})
	return m, events
}

func TestStartTransitionsToRunningAndStopResetsToStopped(t *testing.T) {
	m, events := newManager(t, "device-a", "Laptop", "shared-secret")

	require.NoError(t, m.Start(context.Background(), 58101))
	require.Equal(t, network.Running, m.State())
	waitForEvent(t, events, network.EventStateChanged)

	m.Stop()
	require.Equal(t, network.Stopped, m.State())
}

func TestDoubleStartReturnsError(t *testing.T) {
	m, _ := newManager(t, "device-a", "Laptop", "shared-secret")
	require.NoError(t, m.Start(context.Background(), 58102))
	defer m.Stop()

	err := m.Start(context.Background(), 58102)
	require.Error(t, err)
}

func TestConnectToAddressRejectedWhenNotRunning(t *testing.T) {
	m, _ := newManager(t, "device-a", "Laptop", "shared-secret")
	err := m.ConnectToAddress(context.Background(), "127.0.0.1:1")
	require.Error(t, err)
}

func TestConnectToAddressEstablishesPeerAndExchangesDeviceInfo(t *testing.T) {
	server, serverEvents := newManager(t, "device-server", "Family NAS", "shared-secret")
	require.NoError(t, server.Start(context.Background(), 58103))
	defer server.Stop()

	client, clientEvents := newManager(t, "device-client", "Phone", "shared-secret")
	require.NoError(t, client.Start(context.Background(), 58104))
	defer client.Stop()

	err := client.ConnectToAddress(context.Background(), fmt.Sprintf("127.0.0.1:%d", 58103))
	require.NoError(t, err)

	serverSide := waitForEvent(t, serverEvents, network.EventDeviceConnected)
	payload, ok := serverSide.Payload.(network.DeviceEventPayload)
	require.True(t, ok)
	require.Equal(t, "device-client", payload.DeviceID)

	clientSide := waitForEvent(t, clientEvents, network.EventDeviceConnected)
	payload, ok = clientSide.Payload.(network.DeviceEventPayload)
	require.True(t, ok)
	require.Equal(t, "device-server", payload.DeviceID)
}

func TestConnectToAddressFailsOnMismatchedPSK(t *testing.T) {
	server, _ := newManager(t, "device-server", "Family NAS", "secret-one")
	require.NoError(t, server.Start(context.Background(), 58105))
	defer server.Stop()

	client, _ := newManager(t, "device-client", "Phone", "secret-two")
	require.NoError(t, client.Start(context.Background(), 58106))
	defer client.Stop()

	err := client.ConnectToAddress(context.Background(), fmt.Sprintf("127.0.0.1:%d", 58105))
	require.Error(t, err)
}
