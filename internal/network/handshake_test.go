package network

import (
	"net"
	"testing"
	"time"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	net.Conn
}

func (p pipeConn) SetDeadline(t time.Time) error { return nil }

func TestHandshakeExchangesDeviceInfoBothWays(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	server := &Manager{cfg: Config{DeviceID: "device-server", DeviceName: "Family NAS", DeviceType: domain.DeviceDesktop}}
	client := &Manager{cfg: Config{DeviceID: "device-client", DeviceName: "Phone", DeviceType: domain.DeviceMobile}}

	type result struct {
		info deviceInfoPayload
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		info, err := server.handshakeServer(pipeConn{serverConn})
		serverCh <- result{info, err}
	}()

	clientInfo, err := client.handshakeClient(pipeConn{clientConn})
	require.NoError(t, err)
	require.Equal(t, "device-server", clientInfo.DeviceID)
	require.Equal(t, domain.DeviceDesktop, clientInfo.DeviceType)

	serverResult := <-serverCh
	require.NoError(t, serverResult.err)
	require.Equal(t, "device-client", serverResult.info.DeviceID)
	require.Equal(t, domain.DeviceMobile, serverResult.info.DeviceType)
}
