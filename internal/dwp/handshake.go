// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrHandshakeFailed is returned when either handshake variant fails.
var ErrHandshakeFailed = errors.New("handshake failed")

// handshakeMagic is the fixed byte exchange that confirms both ends speak the
// protocol before any command packets flow. The debugger side sends it first;
// the runtime echoes it back.
var handshakeMagic = []byte("DWP-Handshake")

// expectHandshake consumes the peer's handshake bytes from an accepted
// connection and echoes them back. Server-mode half of the exchange.
func expectHandshake(cs *ConnState) error {
	received := make([]byte, len(handshakeMagic))
	if _, readErr := io.ReadFull(cs.Reader(), received); readErr != nil {
		return fmt.Errorf("failed to read handshake: %w", readErr)
	}

	if !bytes.Equal(received, handshakeMagic) {
		return fmt.Errorf("%w: unexpected handshake bytes %q", ErrHandshakeFailed, received)
	}

	if writeErr := cs.WritePacket(handshakeMagic); writeErr != nil {
		return fmt.Errorf("failed to echo handshake: %w", writeErr)
	}

	return nil
}

// initiateHandshake sends the handshake bytes on an outbound connection and
// verifies the peer's echo. Client-mode half of the exchange.
func initiateHandshake(cs *ConnState) error {
	if writeErr := cs.WritePacket(handshakeMagic); writeErr != nil {
		return fmt.Errorf("failed to send handshake: %w", writeErr)
	}

	echoed := make([]byte, len(handshakeMagic))
	if _, readErr := io.ReadFull(cs.Reader(), echoed); readErr != nil {
		return fmt.Errorf("failed to read handshake echo: %w", readErr)
	}

	if !bytes.Equal(echoed, handshakeMagic) {
		return fmt.Errorf("%w: unexpected handshake echo %q", ErrHandshakeFailed, echoed)
	}

	return nil
}

// BridgeHandshakeRequest is sent by the runtime to the intermediary after the
// bridge connection is established. It identifies and authenticates the
// session before any wire packets flow.
type BridgeHandshakeRequest struct {
	// Token authenticates the session with the intermediary. Empty when
	// authentication is disabled.
	Token string `json:"token,omitempty"`

	// SessionID identifies this debug session to the intermediary.
	SessionID string `json:"session_id"`
}

// BridgeHandshakeResponse is the intermediary's verdict on the handshake.
type BridgeHandshakeResponse struct {
	// Success indicates whether the handshake was accepted.
	Success bool `json:"success"`

	// Error contains the rejection reason if Success is false.
	Error string `json:"error,omitempty"`
}
