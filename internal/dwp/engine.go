// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

// ExecMode is the execution mode of the worker as seen by the runtime's
// thread model. While waiting on the network the worker must be in
// ModeWaiting so the runtime does not stall on it; callbacks that may
// allocate or re-enter the runtime must run in ModeRunning.
type ExecMode int

const (
	ModeRunning ExecMode = iota
	ModeWaiting
)

// String returns a human-readable representation of the mode.
func (m ExecMode) String() string {
	switch m {
	case ModeRunning:
		return "running"
	case ModeWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// WorkerContext represents the session's background worker inside the
// runtime's thread model. The controller threads its own context through the
// connection loop instead of querying ambient thread-local state.
type WorkerContext interface {
	// SetWaiting transitions the worker to the waiting-for-the-VM mode.
	SetWaiting()

	// SetRunning transitions the worker to the fully schedulable mode.
	SetRunning()

	// Mode returns the worker's current execution mode.
	Mode() ExecMode

	// Detach detaches the worker from the runtime. Called exactly once, when
	// the connection loop exits.
	Detach()
}

// RuntimeAttacher attaches the session's worker goroutine to the host
// runtime. The start-gate is signaled only after the attach has completed, so
// a creator never observes a ready session whose worker is not yet known to
// the runtime.
type RuntimeAttacher interface {
	AttachWorker(name string) (WorkerContext, error)
}

// Engine is the debugger-engine collaborator: the part of the runtime that
// reacts to connection lifecycle transitions. The controller calls it from
// the worker goroutine only.
//
// UndoDebuggerSuspensions is invoked on every disconnect, whether or not the
// debugger ever suspended anything; implementations must be idempotent and
// no-op-safe.
type Engine interface {
	// Connected is called when a transport-level connection exists, before
	// the handshake completes.
	Connected()

	// IsDisposed reports whether the engine has been torn down; the packet
	// loop stops when it returns true.
	IsDisposed() bool

	// Disconnected is called after session reset when a connection has ended.
	Disconnected()

	// DdmDisconnected is called when a connection that had an active
	// auxiliary monitoring channel ends. Runs in ModeRunning.
	DdmDisconnected()

	// UndoDebuggerSuspensions resumes any threads the debugger left
	// suspended.
	UndoDebuggerSuspensions()

	// ThreadSelfID returns the runtime's identifier for the logical thread
	// representing the debugger connection.
	ThreadSelfID() uint64

	// IsDebuggerConnected reports whether the engine considers a debugger
	// attached.
	IsDebuggerConnected() bool
}

// PacketHandler dispatches inbound command packets. The returned reply, if
// any, is sent back through the session's serialized write path. Returning an
// error produces a not-implemented reply to the debugger; it does not end the
// session.
type PacketHandler interface {
	HandlePacket(s *Session, pkt *Packet) (*Packet, error)
}
