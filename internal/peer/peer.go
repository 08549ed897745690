// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package peer implements the Peer Connection component (spec.md C14):
// a per-peer state machine with a sender/receiver goroutine pair,
// request/response correlation, heartbeats, and idle-timeout teardown.
//
// Grounded on cmd/relaysrv/client/client.go's ProtocolClient: a
// Serve()-loop-plus-stop/stopped-channel connection object with a
// dedicated message-reading goroutine feeding a channel, a
// timeout-reset-on-every-message timer, and mutex-guarded connected
// state read from StatusOK(). This project generalizes that shape from
// one fixed relay protocol to arbitrary FVLT frames and adds a bounded
// outbound send queue and request/response correlation, neither of
// which the relay client (a receive-mostly client) needed.
package peer

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/familyvault/familyvaultd/internal/logutil"
	"github.com/familyvault/familyvaultd/internal/transport"
)

var l = logutil.New("peer")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Error:
		return "error"
	default:
		return "disconnected"
	}
}

const (
	heartbeatInterval = 30 * time.Second
	idleTimeout       = 90 * time.Second
	outboundQueueSize = 64
)

// Conn is the minimal transport surface a Peer needs; *tls.Conn
// satisfies it.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
}

// Handlers are invoked from the peer's receive goroutine. Implementations
// must not block, and are never called concurrently and never after the
// peer is closed.
type Handlers struct {
	OnMessage    func(transport.Frame)
	OnChunk      func(transport.ChunkFrame)
	OnDisconnect func(err error)
}

// wireMessage is one decoded unit off the stream: either an FVLT control
// frame or an FVCH file-chunk frame, never both.
type wireMessage struct {
	frame   transport.Frame
	chunk   transport.ChunkFrame
	isChunk bool
}

type pendingRequest struct {
	resp chan transport.Frame
}

// Peer manages one connection to a remote device.
type Peer struct {
	DeviceID string
	conn     Conn
	reader   *bufio.Reader
	handlers Handlers

	mu    sync.Mutex
	state State

	outbox      chan transport.Frame
	chunkOutbox chan transport.ChunkFrame
	done        chan struct{}

	pendingMu sync.Mutex
	pending   map[string]pendingRequest

	lastActivity int64 // unix nanoseconds, atomic via mu

	stopOnce sync.Once
}

func New(deviceID string, conn Conn, handlers Handlers) *Peer {
	return &Peer{
		DeviceID:    deviceID,
		conn:        conn,
		reader:      bufio.NewReader(conn),
		handlers:    handlers,
		state:       Connecting,
		outbox:      make(chan transport.Frame, outboundQueueSize),
		chunkOutbox: make(chan transport.ChunkFrame, outboundQueueSize),
		done:        make(chan struct{}),
		pending:     map[string]pendingRequest{},
	}
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Serve runs the send/receive/heartbeat loops until the connection
// closes or ctx is cancelled. It blocks until the peer disconnects.
func (p *Peer) Serve(ctx context.Context) error {
	p.setState(Connected)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	incoming := make(chan wireMessage)
	readErrs := make(chan error, 1)
	go p.receiveLoop(incoming, readErrs)

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()
	// heartbeat is a one-shot timer, not a ticker, and is reset on every
	// send or receive below: it only fires 30s after the connection was
	// last otherwise idle (spec §4.13), not on a fixed cadence.
	heartbeat := time.NewTimer(heartbeatInterval)
	defer heartbeat.Stop()

	var finalErr error
loop:
	for {
		select {
		case <-ctx.Done():
			finalErr = ctx.Err()
			break loop

		case msg := <-incoming:
			idle.Reset(idleTimeout)
			resetTimer(heartbeat, heartbeatInterval)
			p.dispatch(msg)

		case err := <-readErrs:
			finalErr = err
			break loop

		case frame := <-p.outbox:
			if err := transport.WriteFrame(p.conn, frame); err != nil {
				finalErr = err
				break loop
			}
			resetTimer(heartbeat, heartbeatInterval)

		case cf := <-p.chunkOutbox:
			if err := transport.WriteChunkFrame(p.conn, cf); err != nil {
				finalErr = err
				break loop
			}
			resetTimer(heartbeat, heartbeatInterval)

		case <-heartbeat.C:
			if err := transport.WriteFrame(p.conn, transport.Frame{Type: transport.TypeHeartbeat}); err != nil {
				finalErr = err
				break loop
			}
			heartbeat.Reset(heartbeatInterval)

		case <-idle.C:
			finalErr = ferrors.New(ferrors.Network, "peer idle timeout")
			break loop
		}
	}

	p.setState(Disconnecting)
	p.conn.Close()
	p.failAllPending(finalErr)
	p.setState(Disconnected)

	p.stopOnce.Do(func() { close(p.done) })
	if p.handlers.OnDisconnect != nil {
		p.handlers.OnDisconnect(finalErr)
	}
	return finalErr
}

// resetTimer drains t's channel if it already fired before reinstating it,
// the standard guard against the race Timer.Reset's own docs call out.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (p *Peer) receiveLoop(incoming chan<- wireMessage, errs chan<- error) {
	for {
		frame, chunk, isChunk, err := transport.ReadAny(p.reader)
		if err != nil {
			errs <- err
			return
		}
		msg := wireMessage{frame: frame, chunk: chunk, isChunk: isChunk}
		select {
		case incoming <- msg:
		case <-p.done:
			return
		}
	}
}

func (p *Peer) dispatch(msg wireMessage) {
	if msg.isChunk {
		if p.handlers.OnChunk != nil {
			p.handlers.OnChunk(msg.chunk)
		}
		return
	}

	frame := msg.frame
	if frame.Type == transport.TypeHeartbeat {
		select {
		case p.outbox <- transport.Frame{Type: transport.TypeHeartbeatAck}:
		default:
			l.Warn("dropping heartbeat ack, outbox full", "device", p.DeviceID)
		}
		return
	}
	if frame.ReqID != "" {
		p.pendingMu.Lock()
		waiter, ok := p.pending[frame.ReqID]
		if ok {
			delete(p.pending, frame.ReqID)
		}
		p.pendingMu.Unlock()
		if ok {
			waiter.resp <- frame
			return
		}
	}
	if p.handlers.OnMessage != nil {
		p.handlers.OnMessage(frame)
	}
}

// Send enqueues frame for delivery, returning an error if the outbound
// queue is full (a stalled peer should be disconnected, not buffered
// without bound).
func (p *Peer) Send(frame transport.Frame) error {
	select {
	case p.outbox <- frame:
		return nil
	case <-p.done:
		return ferrors.New(ferrors.Network, "peer is closed")
	default:
		return ferrors.New(ferrors.Busy, "peer outbound queue is full")
	}
}

// SendChunk enqueues an FVCH file-chunk frame on its own bounded queue,
// the same size as Send's, with the same full-queue behaviour.
func (p *Peer) SendChunk(cf transport.ChunkFrame) error {
	select {
	case p.chunkOutbox <- cf:
		return nil
	case <-p.done:
		return ferrors.New(ferrors.Network, "peer is closed")
	default:
		return ferrors.New(ferrors.Busy, "peer outbound queue is full")
	}
}

// SendAndWait sends frame and blocks for a correlated response sharing
// its ReqID, or until timeout/ctx cancellation.
func (p *Peer) SendAndWait(ctx context.Context, frame transport.Frame, timeout time.Duration) (transport.Frame, error) {
	if frame.ReqID == "" {
		return transport.Frame{}, ferrors.New(ferrors.InvalidArgument, "request id required for SendAndWait")
	}

	waiter := pendingRequest{resp: make(chan transport.Frame, 1)}
	p.pendingMu.Lock()
	p.pending[frame.ReqID] = waiter
	p.pendingMu.Unlock()

	if err := p.Send(frame); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, frame.ReqID)
		p.pendingMu.Unlock()
		return transport.Frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-waiter.resp:
		return resp, nil
	case <-timer.C:
		p.pendingMu.Lock()
		delete(p.pending, frame.ReqID)
		p.pendingMu.Unlock()
		return transport.Frame{}, ferrors.New(ferrors.Network, fmt.Sprintf("timed out waiting for response to %s", frame.ReqID))
	case <-ctx.Done():
		p.pendingMu.Lock()
		delete(p.pending, frame.ReqID)
		p.pendingMu.Unlock()
		return transport.Frame{}, ctx.Err()
	case <-p.done:
		return transport.Frame{}, ferrors.New(ferrors.Network, "peer disconnected while waiting for response")
	}
}

// failAllPending clears outstanding request waiters. It deliberately does
// not close each waiter's response channel: SendAndWait's select also
// watches p.done, which is closed right after this call returns, so
// every waiter unblocks via that case instead of racing a close against
// a real response.
func (p *Peer) failAllPending(err error) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for id := range p.pending {
		delete(p.pending, id)
	}
	_ = err
}

// Close initiates a graceful disconnect; Serve's loop observes ctx
// cancellation (the caller owns the context passed to Serve) or the
// underlying connection close, whichever happens first.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// Done is closed once the peer has fully disconnected.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}
