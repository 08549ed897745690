// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package filetransfer

import (
	"time"

	"github.com/familyvault/familyvaultd/internal/ferrors"
)

// WindowController implements the sender-side sliding window flow
// control from spec §4.15: up to `size` unacked chunks in flight; if a
// full window goes 5 seconds without any ack, the window halves (floor
// ReducedWindow); after MaxConsecutiveTimeouts consecutive stalls the
// transfer aborts.
type WindowController struct {
	size             int
	inFlight         map[int]time.Time
	consecutiveStall int
	lastAckAt        time.Time
}

func NewWindowController() *WindowController {
	return &WindowController{
		size:      InitialWindow,
		inFlight:  map[int]time.Time{},
		lastAckAt: time.Now(),
	}
}

func (w *WindowController) Size() int { return w.size }

// CanSend reports whether another chunk may be sent without exceeding
// the current window.
func (w *WindowController) CanSend() bool {
	return len(w.inFlight) < w.size
}

// MarkSent records that seq was just transmitted.
func (w *WindowController) MarkSent(seq int, now time.Time) {
	w.inFlight[seq] = now
}

// Ack processes an acknowledgement for every seq <= ackedSeq still in
// flight, resetting stall tracking.
func (w *WindowController) Ack(ackedSeq int, now time.Time) {
	for seq := range w.inFlight {
		if seq <= ackedSeq {
			delete(w.inFlight, seq)
		}
	}
	w.lastAckAt = now
	w.consecutiveStall = 0
}

// CheckStall halves the window if the window is full and has gone
// WindowStallTimeout seconds without an ack, and reports whether the
// transfer must abort (MaxConsecutiveTimeouts consecutive stalls).
func (w *WindowController) CheckStall(now time.Time) (aborted bool, err error) {
	if len(w.inFlight) < w.size {
		return false, nil // window not full, no stall condition applies
	}
	if now.Sub(w.lastAckAt) < WindowStallTimeout*time.Second {
		return false, nil
	}

	w.consecutiveStall++
	if w.consecutiveStall >= MaxConsecutiveTimeouts {
		return true, ferrors.New(ferrors.Network, "file transfer aborted after repeated ack timeouts")
	}

	if w.size > ReducedWindow {
		w.size = ReducedWindow
	}
	w.lastAckAt = now // avoid re-triggering every tick until the next real stall interval
	return false, nil
}
