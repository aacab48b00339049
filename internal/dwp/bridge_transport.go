// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// bridgeTransport reaches the debugger through an intermediary process over a
// WebSocket connection. The intermediary owns the debugger-facing side; the
// runtime dials out, authenticates with a token handshake, and then exchanges
// wire packets as binary WebSocket messages. Only client mode is supported:
// the intermediary decides when a debugger wants to attach.
type bridgeTransport struct {
	sess *Session
	log  logr.Logger

	// mu protects conn and awaiting.
	mu       sync.Mutex
	conn     *websocket.Conn
	awaiting bool

	// writeMu serializes writes; a WebSocket connection supports at most one
	// concurrent writer.
	writeMu sync.Mutex

	endpoint  string
	token     string
	sessionID string

	dialCtx    context.Context
	cancelDial context.CancelFunc

	shuttingDown atomic.Bool
}

func newBridgeTransport(s *Session) Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &bridgeTransport{
		sess:       s,
		log:        s.log.WithName("bridge"),
		dialCtx:    ctx,
		cancelDial: cancel,
	}
}

func (t *bridgeTransport) Startup(opts *Options) error {
	if opts.Server {
		return errors.New("bridge transport supports client mode only")
	}
	if opts.BridgeEndpoint == "" {
		return errors.New("bridge transport requires a bridge endpoint")
	}

	endpoint, parseErr := url.Parse(opts.BridgeEndpoint)
	if parseErr != nil {
		return fmt.Errorf("invalid bridge endpoint %q: %w", opts.BridgeEndpoint, parseErr)
	}
	if endpoint.Scheme != "ws" && endpoint.Scheme != "wss" {
		return fmt.Errorf("bridge endpoint %q must use the ws or wss scheme", opts.BridgeEndpoint)
	}

	t.endpoint = opts.BridgeEndpoint
	t.token = opts.BridgeToken
	t.sessionID = uuid.NewString()
	return nil
}

func (t *bridgeTransport) Accept() error {
	return errors.New("bridge transport does not accept inbound connections")
}

func (t *bridgeTransport) Establish() error {
	if t.shuttingDown.Load() {
		return ErrTransportShutdown
	}

	// The intermediary may come up after us; retry the dial with exponential
	// backoff until it answers or the transport is shut down.
	b := backoff.WithContext(backoff.NewExponentialBackOff(), t.dialCtx)
	conn, dialErr := backoff.RetryWithData(func() (*websocket.Conn, error) {
		c, _, err := websocket.DefaultDialer.DialContext(t.dialCtx, t.endpoint, nil)
		if err != nil {
			t.log.V(1).Info("Bridge dial failed; will retry", "endpoint", t.endpoint, "error", err.Error())
			return nil, err
		}
		return c, nil
	}, b)
	if dialErr != nil {
		return fmt.Errorf("failed to dial bridge endpoint %s: %w", t.endpoint, dialErr)
	}

	if handshakeErr := t.handshake(conn); handshakeErr != nil {
		_ = conn.Close()
		return handshakeErr
	}

	t.mu.Lock()
	t.conn = conn
	t.awaiting = false
	t.mu.Unlock()

	if t.shuttingDown.Load() {
		t.Close()
		return ErrTransportShutdown
	}

	t.log.V(1).Info("Established bridge connection", "endpoint", t.endpoint, "sessionID", t.sessionID)
	return nil
}

// handshake authenticates the session with the intermediary.
func (t *bridgeTransport) handshake(conn *websocket.Conn) error {
	req := &BridgeHandshakeRequest{
		Token:     t.token,
		SessionID: t.sessionID,
	}
	if writeErr := conn.WriteJSON(req); writeErr != nil {
		return fmt.Errorf("failed to send bridge handshake: %w", writeErr)
	}

	var resp BridgeHandshakeResponse
	if readErr := conn.ReadJSON(&resp); readErr != nil {
		return fmt.Errorf("failed to read bridge handshake response: %w", readErr)
	}

	if !resp.Success {
		if resp.Error != "" {
			return fmt.Errorf("%w: %s", ErrHandshakeFailed, resp.Error)
		}
		return ErrHandshakeFailed
	}

	return nil
}

func (t *bridgeTransport) ProcessIncoming() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	msgType, data, readErr := conn.ReadMessage()
	if readErr != nil {
		return fmt.Errorf("failed to read from bridge: %w", readErr)
	}
	if msgType != websocket.BinaryMessage {
		return fmt.Errorf("unexpected message type %d from bridge", msgType)
	}

	pkt, decodeErr := DecodePacket(data)
	if decodeErr != nil {
		return fmt.Errorf("malformed packet from bridge: %w", decodeErr)
	}

	return t.sess.handleIncoming(pkt)
}

func (t *bridgeTransport) AwaitingHandshake() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn == nil || t.awaiting
}

func (t *bridgeTransport) SendRequest(pkt *Packet) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if writeErr := conn.WriteMessage(websocket.BinaryMessage, pkt.Encode()); writeErr != nil {
		return fmt.Errorf("failed to write to bridge: %w", writeErr)
	}
	return nil
}

func (t *bridgeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *bridgeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
		t.awaiting = false
	}
}

func (t *bridgeTransport) Shutdown() {
	if !t.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	// Cancel a dial in progress and close the connection to unblock reads.
	t.cancelDial()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
}

func (t *bridgeTransport) Release() {
	t.cancelDial()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}
