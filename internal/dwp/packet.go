// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dwp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Wire framing: every packet starts with an 11-byte header.
//
//	length   uint32  total packet length, header included
//	serial   uint32  request or event serial
//	flags    byte    bit 7 set marks a reply
//	cmdset   byte    command set (command packets)
//	cmd      byte    command within the set (command packets)
//
// On reply packets the cmdset/cmd bytes carry a big-endian uint16 error code
// instead.
const (
	// HeaderLen is the fixed size of the packet header in bytes.
	HeaderLen = 11

	// FlagReply marks a packet as a reply to a previously sent command.
	FlagReply byte = 0x80

	// maxPacketLen bounds inbound packets so a misbehaving peer cannot make
	// the reader allocate unbounded memory.
	maxPacketLen = 16 * 1024 * 1024
)

// Command sets used by the controller itself. The full dispatch table lives
// with the PacketHandler collaborator.
const (
	// CmdSetVM is the virtual-machine command set.
	CmdSetVM byte = 1

	// CmdSetEvent is the event command set; the controller uses it to post
	// the VM-death notification during teardown.
	CmdSetEvent byte = 64

	// CmdSetDDM is the auxiliary monitoring channel command set. Receiving a
	// command in this set marks the auxiliary channel active for the current
	// connection.
	CmdSetDDM byte = 199
)

// Commands within CmdSetEvent.
const (
	// CmdCompositeEvent carries one or more events in a single packet.
	CmdCompositeEvent byte = 100
)

// Reply error codes understood by the controller.
const (
	// ErrCodeNone indicates success.
	ErrCodeNone uint16 = 0

	// ErrCodeNotImplemented is returned for commands no handler claims.
	ErrCodeNotImplemented uint16 = 99
)

// CmdSetString returns a human-readable name for a command set. Only sets the
// controller itself knows about get symbolic names; everything else renders as
// a number. The rendering is for logs and traces only.
func CmdSetString(set byte) string {
	switch set {
	case CmdSetVM:
		return "VirtualMachine"
	case CmdSetEvent:
		return "Event"
	case CmdSetDDM:
		return "DDM"
	default:
		return fmt.Sprintf("CmdSet[%d]", set)
	}
}

// Packet is one protocol message: a command from either end, or a reply
// correlated with an earlier command by serial.
type Packet struct {
	// Serial tags the packet; replies carry the serial of the command they
	// answer.
	Serial uint32

	// Flags is the raw flags byte. FlagReply distinguishes replies.
	Flags byte

	// CmdSet and Cmd identify the command. Only meaningful on command packets.
	CmdSet byte
	Cmd    byte

	// ErrCode is the reply error code. Only meaningful on reply packets.
	ErrCode uint16

	// Payload is the command- or reply-specific body, opaque to the
	// controller.
	Payload []byte
}

// IsReply reports whether the packet is a reply to an earlier command.
func (p *Packet) IsReply() bool {
	return p.Flags&FlagReply != 0
}

// IsDDM reports whether the packet belongs to the auxiliary monitoring
// channel.
func (p *Packet) IsDDM() bool {
	return !p.IsReply() && p.CmdSet == CmdSetDDM
}

// String returns a one-line diagnostic rendering of the packet.
func (p *Packet) String() string {
	if p.IsReply() {
		return fmt.Sprintf("Packet[reply serial=0x%x err=%d len=%d]", p.Serial, p.ErrCode, len(p.Payload))
	}
	return fmt.Sprintf("Packet[cmd serial=0x%x %s.%d len=%d]", p.Serial, CmdSetString(p.CmdSet), p.Cmd, len(p.Payload))
}

// NewReply builds a reply packet for the given command packet.
func NewReply(cmd *Packet, errCode uint16, payload []byte) *Packet {
	return &Packet{
		Serial:  cmd.Serial,
		Flags:   FlagReply,
		ErrCode: errCode,
		Payload: payload,
	}
}

// Encode serializes the packet into a single contiguous buffer.
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	p.encodeHeader(buf)
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// Buffers returns the packet as a header buffer plus the payload buffer,
// without copying the payload. Writing the result through a serialized write
// path keeps the two buffers contiguous on the wire.
func (p *Packet) Buffers() net.Buffers {
	header := make([]byte, HeaderLen)
	p.encodeHeader(header)
	if len(p.Payload) == 0 {
		return net.Buffers{header}
	}
	return net.Buffers{header, p.Payload}
}

func (p *Packet) encodeHeader(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderLen+len(p.Payload)))
	binary.BigEndian.PutUint32(buf[4:8], p.Serial)
	buf[8] = p.Flags
	if p.IsReply() {
		binary.BigEndian.PutUint16(buf[9:11], p.ErrCode)
	} else {
		buf[9] = p.CmdSet
		buf[10] = p.Cmd
	}
}

// ReadPacket reads exactly one packet from r, blocking until the packet is
// complete or the read fails.
func ReadPacket(r io.Reader) (*Packet, error) {
	var header [HeaderLen]byte
	if _, readErr := io.ReadFull(r, header[:]); readErr != nil {
		return nil, fmt.Errorf("failed to read packet header: %w", readErr)
	}

	length := binary.BigEndian.Uint32(header[0:4])
	if length < HeaderLen {
		return nil, fmt.Errorf("packet length %d is smaller than the header", length)
	}
	if length > maxPacketLen {
		return nil, fmt.Errorf("packet length %d exceeds maximum %d", length, maxPacketLen)
	}

	pkt := decodeHeader(header[:])
	if payloadLen := length - HeaderLen; payloadLen > 0 {
		pkt.Payload = make([]byte, payloadLen)
		if _, readErr := io.ReadFull(r, pkt.Payload); readErr != nil {
			return nil, fmt.Errorf("failed to read packet payload: %w", readErr)
		}
	}

	return pkt, nil
}

// DecodePacket parses a packet from a complete message buffer, as delivered
// by message-framed transports.
func DecodePacket(buf []byte) (*Packet, error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("message of %d bytes is smaller than the packet header", len(buf))
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	if int(length) != len(buf) {
		return nil, fmt.Errorf("packet length %d does not match message size %d", length, len(buf))
	}

	pkt := decodeHeader(buf[:HeaderLen])
	if len(buf) > HeaderLen {
		pkt.Payload = append([]byte(nil), buf[HeaderLen:]...)
	}
	return pkt, nil
}

func decodeHeader(header []byte) *Packet {
	pkt := &Packet{
		Serial: binary.BigEndian.Uint32(header[4:8]),
		Flags:  header[8],
	}
	if pkt.IsReply() {
		pkt.ErrCode = binary.BigEndian.Uint16(header[9:11])
	} else {
		pkt.CmdSet = header[9]
		pkt.Cmd = header[10]
	}
	return pkt
}
