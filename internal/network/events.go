// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package network

// State is the Network Manager's own lifecycle, distinct from any single
// peer's peer.State (spec.md §4.16).
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	StateError
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "stopped"
	}
}

// EventType is the closed, ordered enum of upward events. Numeric values
// are part of the FFI contract and must never be reordered or reused;
// append only at the end (mirrors internal/domain's FFI-stable enums).
type EventType int

const (
	EventDeviceDiscovered EventType = iota
	EventDeviceLost
	EventDeviceConnected
	EventDeviceDisconnected
	EventStateChanged
	EventError
	EventSyncProgress
	EventSyncComplete
	EventFileTransferProgress
	EventFileTransferComplete
	EventFileTransferError
)

func (t EventType) String() string {
	switch t {
	case EventDeviceDiscovered:
		return "DeviceDiscovered"
	case EventDeviceLost:
		return "DeviceLost"
	case EventDeviceConnected:
		return "DeviceConnected"
	case EventDeviceDisconnected:
		return "DeviceDisconnected"
	case EventStateChanged:
		return "StateChanged"
	case EventError:
		return "Error"
	case EventSyncProgress:
		return "SyncProgress"
	case EventSyncComplete:
		return "SyncComplete"
	case EventFileTransferProgress:
		return "FileTransferProgress"
	case EventFileTransferComplete:
		return "FileTransferComplete"
	case EventFileTransferError:
		return "FileTransferError"
	default:
		return "Unknown"
	}
}

// Event is delivered to the caller-supplied callback. Payload is one of
// the typed structs below, marshaled to JSON only at the FFI boundary.
type Event struct {
	Type    EventType
	Payload any
}

// Payload shapes, one per EventType that carries data beyond its type.
type (
	DeviceEventPayload struct {
		DeviceID   string `json:"deviceId"`
		DeviceName string `json:"deviceName"`
		Address    string `json:"address,omitempty"`
	}
	StateChangedPayload struct {
		State State `json:"state"`
	}
	ErrorPayload struct {
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	SyncProgressPayload struct {
		DeviceID      string `json:"deviceId"`
		TotalFiles    int    `json:"totalFiles"`
		ReceivedFiles int    `json:"receivedFiles"`
		SentFiles     int    `json:"sentFiles"`
	}
	SyncCompletePayload struct {
		DeviceID string `json:"deviceId"`
	}
)
