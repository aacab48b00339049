// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

// TransportKind selects the transport implementation used by a session.
// The kind is fixed at session construction and never changes afterwards.
type TransportKind int

const (
	// TransportUnknown is the zero value and is not a valid kind.
	TransportUnknown TransportKind = iota

	// TransportSocket connects the debugger over a plain TCP socket.
	TransportSocket

	// TransportBridge reaches the debugger through an intermediary process
	// over a WebSocket connection.
	TransportBridge
)

// String returns a human-readable representation of the transport kind.
func (k TransportKind) String() string {
	switch k {
	case TransportUnknown:
		return "unknown"
	case TransportSocket:
		return "socket"
	case TransportBridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// Options holds the immutable configuration of a session. It is consumed by
// NewSession and by the selected transport's Startup; the session never
// mutates it afterwards.
type Options struct {
	// Transport selects the transport implementation.
	Transport TransportKind

	// Server selects server mode: the session listens for inbound debugger
	// connections, possibly repeatedly, for the lifetime of the process.
	// When false the session connects out to a waiting debugger exactly once.
	Server bool

	// Suspend makes NewSession block until a debugger has connected and
	// completed the handshake (or the attempt has definitively failed).
	Suspend bool

	// Host is the address to bind (server mode) or connect to (client mode)
	// for the socket transport. Empty means localhost.
	Host string

	// Port is the TCP port for the socket transport. In server mode a zero
	// port binds an ephemeral port.
	Port uint16

	// BridgeEndpoint is the WebSocket URL of the intermediary for the bridge
	// transport, e.g. "ws://127.0.0.1:8701/debug".
	BridgeEndpoint string

	// BridgeToken authenticates the session with the intermediary during the
	// bridge handshake. Empty disables authentication.
	BridgeToken string
}
