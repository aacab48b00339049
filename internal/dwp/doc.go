// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package dwp implements the session controller for the debug wire protocol
// used by a managed-language runtime to talk to an external debugger.
//
// The controller owns a single background worker goroutine that accepts (or
// establishes) debugger connections, performs the protocol handshake, and
// processes packets until the debugger disconnects. In server mode the worker
// returns to waiting for a new connection; in client mode one connection cycle
// is the whole session. Wire-level command semantics are delegated to a
// PacketHandler, and runtime reactions (attach, detach, suspensions) to an
// Engine collaborator, so the package itself stays transport- and
// command-agnostic.
package dwp
