// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

import (
	"bufio"
	"fmt"
	"net"
	"sync"
)

// ConnState is the per-connection endpoint owned by a transport: the
// underlying connection plus a write-serialization lock. The lock guarantees
// that a multi-buffer packet write is never interleaved with another write on
// the same endpoint, even when the worker and unrelated runtime threads send
// concurrently.
type ConnState struct {
	conn   net.Conn
	reader *bufio.Reader

	// writeMu serializes all writes on the connection.
	writeMu sync.Mutex
}

func newConnState(conn net.Conn) *ConnState {
	return &ConnState{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Reader returns the buffered read side of the connection. Reads are done
// only by the worker goroutine, so no locking is required.
func (cs *ConnState) Reader() *bufio.Reader {
	return cs.reader
}

// WritePacket writes a single contiguous packet buffer.
func (cs *ConnState) WritePacket(buf []byte) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()

	if _, writeErr := cs.conn.Write(buf); writeErr != nil {
		return fmt.Errorf("failed to write packet: %w", writeErr)
	}
	return nil
}

// WriteBufferedPacket writes one packet spread across multiple buffers. The
// buffers are written back to back under the write lock so the packet's bytes
// are contiguous on the wire.
func (cs *ConnState) WriteBufferedPacket(bufs net.Buffers) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()

	if _, writeErr := bufs.WriteTo(cs.conn); writeErr != nil {
		return fmt.Errorf("failed to write buffered packet: %w", writeErr)
	}
	return nil
}

// Close closes the underlying connection, unblocking any pending read.
func (cs *ConnState) Close() error {
	return cs.conn.Close()
}
