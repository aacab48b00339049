// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// socketTransport carries the wire protocol over a plain TCP connection. In
// server mode it binds a listening port at Startup and accepts one debugger
// connection at a time, reusing the listener across sessions; in client mode
// it dials out to a waiting debugger once.
type socketTransport struct {
	sess *Session
	log  logr.Logger

	// mu protects listener, state and awaiting.
	mu       sync.Mutex
	listener net.Listener
	state    *ConnState
	awaiting bool

	addr string

	shuttingDown atomic.Bool
}

func newSocketTransport(s *Session) Transport {
	return &socketTransport{
		sess: s,
		log:  s.log.WithName("socket"),
	}
}

func (t *socketTransport) Startup(opts *Options) error {
	host := opts.Host
	if host == "" {
		host = "localhost"
	}
	t.addr = net.JoinHostPort(host, strconv.Itoa(int(opts.Port)))

	if !opts.Server {
		return nil
	}

	listener, listenErr := net.Listen("tcp", t.addr)
	if listenErr != nil {
		return fmt.Errorf("failed to bind %s: %w", t.addr, listenErr)
	}

	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	t.log.V(1).Info("Listening for debugger", "addr", listener.Addr().String())
	return nil
}

func (t *socketTransport) Accept() error {
	t.mu.Lock()
	listener := t.listener
	t.mu.Unlock()

	if listener == nil || t.shuttingDown.Load() {
		return ErrTransportShutdown
	}

	conn, acceptErr := listener.Accept()
	if acceptErr != nil {
		if t.shuttingDown.Load() {
			return ErrTransportShutdown
		}
		return fmt.Errorf("accept failed: %w", acceptErr)
	}

	t.mu.Lock()
	t.state = newConnState(conn)
	t.awaiting = true
	t.mu.Unlock()

	// Shutdown may have raced the accept; do not keep the connection.
	if t.shuttingDown.Load() {
		t.Close()
		return ErrTransportShutdown
	}

	t.log.V(1).Info("Accepted debugger connection", "remoteAddr", conn.RemoteAddr().String())
	return nil
}

func (t *socketTransport) Establish() error {
	if t.shuttingDown.Load() {
		return ErrTransportShutdown
	}

	conn, dialErr := net.Dial("tcp", t.addr)
	if dialErr != nil {
		return fmt.Errorf("failed to dial debugger at %s: %w", t.addr, dialErr)
	}

	cs := newConnState(conn)
	if handshakeErr := initiateHandshake(cs); handshakeErr != nil {
		_ = cs.Close()
		return handshakeErr
	}

	t.mu.Lock()
	t.state = cs
	t.awaiting = false
	t.mu.Unlock()

	if t.shuttingDown.Load() {
		t.Close()
		return ErrTransportShutdown
	}

	t.log.V(1).Info("Established debugger connection", "addr", t.addr)
	return nil
}

func (t *socketTransport) ProcessIncoming() error {
	t.mu.Lock()
	cs := t.state
	awaiting := t.awaiting
	t.mu.Unlock()

	if cs == nil {
		return ErrNotConnected
	}

	if awaiting {
		if handshakeErr := expectHandshake(cs); handshakeErr != nil {
			return handshakeErr
		}
		t.mu.Lock()
		t.awaiting = false
		t.mu.Unlock()
		t.log.V(1).Info("Handshake complete")
		return nil
	}

	pkt, readErr := ReadPacket(cs.Reader())
	if readErr != nil {
		return readErr
	}

	return t.sess.handleIncoming(pkt)
}

func (t *socketTransport) AwaitingHandshake() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == nil || t.awaiting
}

func (t *socketTransport) SendRequest(pkt *Packet) error {
	t.mu.Lock()
	cs := t.state
	t.mu.Unlock()

	if cs == nil {
		return ErrNotConnected
	}

	return cs.WriteBufferedPacket(pkt.Buffers())
}

func (t *socketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != nil
}

func (t *socketTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != nil {
		_ = t.state.Close()
		t.state = nil
		t.awaiting = false
	}
}

func (t *socketTransport) Shutdown() {
	if !t.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	// Closing the listener and the connection forces any blocked accept or
	// read in the worker to return with an error.
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		_ = t.listener.Close()
	}
	if t.state != nil {
		_ = t.state.Close()
	}
}

func (t *socketTransport) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		_ = t.listener.Close()
		t.listener = nil
	}
	if t.state != nil {
		_ = t.state.Close()
		t.state = nil
	}
}

// boundAddr returns the listener's actual address. Useful when the session
// was configured with an ephemeral port.
func (t *socketTransport) boundAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}
