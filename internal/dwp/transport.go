// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

import (
	"errors"
	"fmt"
)

// Transport is the capability contract between the session controller and a
// concrete connection mechanism. One implementation exists per TransportKind;
// the session selects it at construction and never re-selects.
//
// Accept, Establish and ProcessIncoming are blocking; Shutdown must force any
// of them that is in progress to return an error promptly rather than hang.
type Transport interface {
	// Startup performs one-time transport setup (e.g. binding the listening
	// port). A failure means the transport cannot be prepared and the session
	// is not created.
	Startup(opts *Options) error

	// Accept blocks until an inbound debugger connection has been accepted.
	// Server mode only. Returns an error when the listening channel has been
	// shut down.
	Accept() error

	// Establish blocks until an outbound connection to the debugger,
	// including the handshake, has completed. Client mode only.
	Establish() error

	// ProcessIncoming blocks for exactly one inbound packet (or, on a fresh
	// server-mode connection, the peer's half of the handshake) and hands it
	// to the session. Returns an error on read failure or peer disconnect.
	ProcessIncoming() error

	// AwaitingHandshake reports whether the protocol handshake is still
	// pending on the current connection.
	AwaitingHandshake() bool

	// SendRequest transmits one fully formed outbound packet.
	SendRequest(pkt *Packet) error

	// IsConnected reports, without blocking, whether a debugger connection is
	// currently established.
	IsConnected() bool

	// Close ends the current connection but leaves the transport reusable
	// for another Accept in server mode.
	Close()

	// Shutdown forces any blocked Accept/Establish/ProcessIncoming to return
	// an error. Idempotent.
	Shutdown()

	// Release frees transport-private resources. Called once, after Shutdown.
	Release()
}

// ErrNotConnected is returned by transport send and read operations when no
// debugger connection is established.
var ErrNotConnected = errors.New("no debugger connection")

// ErrTransportShutdown is returned by blocking transport operations that were
// interrupted by Shutdown.
var ErrTransportShutdown = errors.New("transport shut down")

// newTransport selects the transport implementation for the configured kind.
// An unrecognized kind is a configuration defect, not a runtime condition:
// continuing would run the connection loop against an undefined protocol, so
// this panics.
func newTransport(s *Session, kind TransportKind) Transport {
	switch kind {
	case TransportSocket:
		return newSocketTransport(s)
	case TransportBridge:
		return newBridgeTransport(s)
	default:
		panic(fmt.Sprintf("dwp: unknown transport kind %d", kind))
	}
}
