package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustParseCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	ip, ipnet, err := net.ParseCIDR(s)
	require.NoError(t, err)
	ipnet.IP = ip.To4()
	return ipnet
}

func TestVersionsCompatibleRejectsBelowPeerMinimum(t *testing.T) {
	a := Announcement{ProtocolVersion: 2, MinProtocolVersion: 2}
	b := Announcement{ProtocolVersion: 1, MinProtocolVersion: 1}
	require.False(t, versionsCompatible(a, b)) // b's version (1) is below a's minimum (2)
	require.False(t, versionsCompatible(b, a))
}

func TestVersionsCompatibleAcceptsMatchingRange(t *testing.T) {
	a := Announcement{ProtocolVersion: 2, MinProtocolVersion: 1}
	b := Announcement{ProtocolVersion: 2, MinProtocolVersion: 1}
	require.True(t, versionsCompatible(a, b))
}

func TestObserveFiresOnFoundThenOnUpdated(t *testing.T) {
	var found, updated int
	d := New(Announcement{DeviceID: "self"}, Callbacks{
		OnFound:   func(Device) { found++ },
		OnUpdated: func(Device) { updated++ },
	})

	dev := Device{Announcement: Announcement{DeviceID: "peer"}, LastSeen: time.Now()}
	d.observe(dev)
	d.observe(dev)

	require.Equal(t, 1, found)
	require.Equal(t, 1, updated)
	require.Len(t, d.Known(), 1)
}

func TestSweepOnceEvictsStaleDevices(t *testing.T) {
	var lost []string
	d := New(Announcement{DeviceID: "self"}, Callbacks{
		OnLost: func(id string) { lost = append(lost, id) },
	})

	d.observe(Device{Announcement: Announcement{DeviceID: "stale"}, LastSeen: time.Now().Add(-deviceTTL * 2)})
	d.observe(Device{Announcement: Announcement{DeviceID: "fresh"}, LastSeen: time.Now()})

	d.sweepOnce()

	require.Equal(t, []string{"stale"}, lost)
	require.Len(t, d.Known(), 1)
}

func TestBroadcastAddressComputesHostBitsSet(t *testing.T) {
	ipnet := mustParseCIDR(t, "192.168.1.42/24")
	bcast := broadcastAddress(ipnet)
	require.Equal(t, "192.168.1.255", bcast.String())
}
