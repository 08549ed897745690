// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package network

import (
	"encoding/json"
	"net"
	"time"

	"github.com/familyvault/familyvaultd/internal/domain"
	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/transport"
)

// deviceInfoPayload is exchanged once, immediately after the TLS
// handshake, so each side learns who it is actually talking to before a
// peer.Peer is constructed (the Peer type is keyed by remote device id).
type deviceInfoPayload struct {
	DeviceID   string            `json:"deviceId"`
	DeviceName string            `json:"deviceName"`
	DeviceType domain.DeviceType `json:"deviceType"`
}

// handshakeServer runs the accept-side of the DeviceInfo exchange: read
// the dialer's info, reply with our own.
func (m *Manager) handshakeServer(conn net.Conn) (deviceInfoPayload, error) {
	_ = conn.SetDeadline(time.Now().Add(connectTimeout))
	defer conn.SetDeadline(time.Time{})

	frame, err := transport.ReadFrame(conn)
	if err != nil {
		return deviceInfoPayload{}, ferrors.Wrap(ferrors.Network, err, "reading device info")
	}
	if frame.Type != transport.TypeDeviceInfo {
		return deviceInfoPayload{}, ferrors.New(ferrors.Network, "expected device info as first frame")
	}
	var remote deviceInfoPayload
	if err := json.Unmarshal(frame.Payload, &remote); err != nil {
		return deviceInfoPayload{}, ferrors.Wrap(ferrors.Network, err, "decoding device info")
	}

	reply, err := json.Marshal(m.selfInfo())
	if err != nil {
		return deviceInfoPayload{}, ferrors.Wrap(ferrors.Internal, err, "encoding device info")
	}
	if err := transport.WriteFrame(conn, transport.Frame{Type: transport.TypeDeviceInfoAck, Payload: reply}); err != nil {
		return deviceInfoPayload{}, ferrors.Wrap(ferrors.Network, err, "sending device info")
	}
	return remote, nil
}

// handshakeClient runs the dial-side of the exchange: send our info
// first, then read the acceptor's.
func (m *Manager) handshakeClient(conn net.Conn) (deviceInfoPayload, error) {
	_ = conn.SetDeadline(time.Now().Add(connectTimeout))
	defer conn.SetDeadline(time.Time{})

	payload, err := json.Marshal(m.selfInfo())
	if err != nil {
		return deviceInfoPayload{}, ferrors.Wrap(ferrors.Internal, err, "encoding device info")
	}
	if err := transport.WriteFrame(conn, transport.Frame{Type: transport.TypeDeviceInfo, Payload: payload}); err != nil {
		return deviceInfoPayload{}, ferrors.Wrap(ferrors.Network, err, "sending device info")
	}

	frame, err := transport.ReadFrame(conn)
	if err != nil {
		return deviceInfoPayload{}, ferrors.Wrap(ferrors.Network, err, "reading device info ack")
	}
	if frame.Type != transport.TypeDeviceInfoAck {
		return deviceInfoPayload{}, ferrors.New(ferrors.Network, "expected device info ack")
	}
	var remote deviceInfoPayload
	if err := json.Unmarshal(frame.Payload, &remote); err != nil {
		return deviceInfoPayload{}, ferrors.Wrap(ferrors.Network, err, "decoding device info ack")
	}
	return remote, nil
}

func (m *Manager) selfInfo() deviceInfoPayload {
	return deviceInfoPayload{DeviceID: m.cfg.DeviceID, DeviceName: m.cfg.DeviceName, DeviceType: m.cfg.DeviceType}
}
