// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discovery implements LAN device discovery (spec.md C12): a UDP
// broadcast beacon announcing this device's presence every few seconds
// and a TTL-swept map of devices seen on the network. Grounded on
// lib/beacon/broadcast.go's interface-enumeration-and-broadcast pattern,
// generalized from an opaque []byte payload to a typed JSON announcement
// and from a push/pull Interface to push-only callbacks (onFound /
// onLost / onUpdated) since nothing downstream needs to poll.
package discovery

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/logutil"
)

var l = logutil.New("discovery")

const (
	Port             = 45679
	announceInterval = 5 * time.Second
	deviceTTL        = 15 * time.Second
	sweepInterval    = 5 * time.Second
	appName          = "familyvault"
)

// Announcement is the JSON datagram broadcast every announceInterval.
type Announcement struct {
	App                string            `json:"app"`
	ProtocolVersion    int               `json:"protocolVersion"`
	MinProtocolVersion int               `json:"minProtocolVersion"`
	DeviceID           string            `json:"deviceId"`
	DeviceName         string            `json:"deviceName"`
	DeviceType         domain.DeviceType `json:"deviceType"`
	ServicePort        int               `json:"servicePort"`
}

// Device is a peer seen on the network, refreshed on every announcement.
type Device struct {
	Announcement
	Address  net.IP
	LastSeen time.Time
}

// Callbacks are invoked from the discovery goroutine; implementations
// must not block.
type Callbacks struct {
	OnFound   func(Device)
	OnLost    func(deviceID string)
	OnUpdated func(Device)
}

type Discovery struct {
	self      Announcement
	callbacks Callbacks

	mu      sync.Mutex
	devices map[string]Device
}

func New(self Announcement, callbacks Callbacks) *Discovery {
	return &Discovery{self: self, callbacks: callbacks, devices: map[string]Device{}}
}

// Known returns a snapshot of currently known devices.
func (d *Discovery) Known() []Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Device, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, dev)
	}
	return out
}

// Serve runs the announce loop, the receive loop, and the TTL sweeper
// until ctx is cancelled, matching the suture.Service shape used
// elsewhere in this project for long-running workers.
func (d *Discovery) Serve(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: Port})
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); d.announceLoop(ctx, conn) }()
	go func() { defer wg.Done(); d.receiveLoop(ctx, conn) }()
	go func() { defer wg.Done(); d.sweepLoop(ctx) }()
	wg.Wait()
	return ctx.Err()
}

func (d *Discovery) announceLoop(ctx context.Context, conn *net.UDPConn) {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	d.announceOnce(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.announceOnce(conn)
		}
	}
}

func (d *Discovery) announceOnce(conn *net.UDPConn) {
	payload, err := json.Marshal(d.self)
	if err != nil {
		l.Warn("marshaling announcement failed", "error", err)
		return
	}

	for _, dst := range broadcastAddresses() {
		addr := &net.UDPAddr{IP: dst, Port: Port}
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := conn.WriteTo(payload, addr); err != nil {
			l.Debug("broadcast failed", "addr", addr, "error", err)
		}
		conn.SetWriteDeadline(time.Time{})
	}
}

// broadcastAddresses enumerates the broadcast address of every running,
// broadcast-capable interface, falling back to the general IPv4
// broadcast address when interface enumeration fails or finds nothing.
func broadcastAddresses() []net.IP {
	var dsts []net.IP

	intfs, err := net.Interfaces()
	if err != nil {
		l.Debug("listing interfaces failed", "error", err)
	}

	for _, intf := range intfs {
		if intf.Flags&net.FlagRunning == 0 || intf.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := intf.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil || !ipnet.IP.IsGlobalUnicast() {
				continue
			}
			dsts = append(dsts, broadcastAddress(ipnet))
		}
	}

	if len(dsts) == 0 {
		dsts = append(dsts, net.IP{0xff, 0xff, 0xff, 0xff})
	}
	return dsts
}

func broadcastAddress(ipnet *net.IPNet) net.IP {
	ip := make(net.IP, len(ipnet.IP))
	copy(ip, ipnet.IP)
	offset := len(ip) - len(ipnet.Mask)
	for i := range ip {
		if i-offset >= 0 {
			ip[i] |= ^ipnet.Mask[i-offset]
		}
	}
	return ip
}

func (d *Discovery) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 4096)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Debug("read failed", "error", err)
			return
		}

		var ann Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			continue
		}
		if ann.App != appName || ann.DeviceID == d.self.DeviceID {
			continue
		}
		if !versionsCompatible(d.self, ann) {
			l.Debug("incompatible protocol version", "device", ann.DeviceID, "theirs", ann.ProtocolVersion)
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		d.observe(Device{Announcement: ann, Address: udpAddr.IP, LastSeen: time.Now()})
	}
}

// versionsCompatible implements the negotiation rule: each side's
// declared minimum must not exceed the other side's declared version.
func versionsCompatible(a, b Announcement) bool {
	if a.ProtocolVersion < b.MinProtocolVersion {
		return false
	}
	if b.ProtocolVersion < a.MinProtocolVersion {
		return false
	}
	return true
}

func (d *Discovery) observe(dev Device) {
	d.mu.Lock()
	_, existed := d.devices[dev.DeviceID]
	d.devices[dev.DeviceID] = dev
	d.mu.Unlock()

	if !existed {
		if d.callbacks.OnFound != nil {
			d.callbacks.OnFound(dev)
		}
		return
	}
	if d.callbacks.OnUpdated != nil {
		d.callbacks.OnUpdated(dev)
	}
}

func (d *Discovery) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce()
		}
	}
}

func (d *Discovery) sweepOnce() {
	cutoff := time.Now().Add(-deviceTTL)
	var lost []string

	d.mu.Lock()
	for id, dev := range d.devices {
		if dev.LastSeen.Before(cutoff) {
			delete(d.devices, id)
			lost = append(lost, id)
		}
	}
	d.mu.Unlock()

	for _, id := range lost {
		if d.callbacks.OnLost != nil {
			d.callbacks.OnLost(id)
		}
	}
}
