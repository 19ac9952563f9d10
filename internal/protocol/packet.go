// Package protocol implements the framed packet protocol spoken with the
// guest build server over a serial port.
//
// Every packet, in both directions, is framed as
//
//	[kind:1 byte][length:4 bytes big-endian][payload:length bytes]
//
// The codec has no checksum and no resynchronisation marker: a byte lost in
// the middle of a frame desynchronises everything that follows.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size of the kind byte plus the length field.
const HeaderSize = 5

// Kind tags a packet.
type Kind byte

// Host -> guest.
const (
	KindBuild  Kind = 1
	KindCancel Kind = 2
)

// Guest -> host. KindError travels both ways.
const (
	KindError    Kind = 0
	KindStarted  Kind = 0x80
	KindRunning  Kind = 0x81
	KindComplete Kind = 0x82
	KindReady    Kind = 0x83
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "ERROR"
	case KindBuild:
		return "BUILD"
	case KindCancel:
		return "CANCEL"
	case KindStarted:
		return "STARTED"
	case KindRunning:
		return "RUNNING"
	case KindComplete:
		return "COMPLETE"
	case KindReady:
		return "READY"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(k))
	}
}

// Known reports whether k is part of the protocol vocabulary.
func (k Kind) Known() bool {
	switch k {
	case KindError, KindBuild, KindCancel, KindStarted, KindRunning, KindComplete, KindReady:
		return true
	}
	return false
}

// Packet is one decoded message.
type Packet struct {
	Kind    Kind
	Payload []byte
}

// Text returns the payload as a string. RUNNING and ERROR payloads are text.
func (p Packet) Text() string {
	return string(p.Payload)
}

// ExitStatus decodes the payload of a COMPLETE packet. The guest writes the
// status as a signed 32-bit big-endian integer.
func ExitStatus(p Packet) (int, error) {
	if p.Kind != KindComplete {
		return 0, &ProtocolError{Kind: p.Kind, Reason: "not a COMPLETE packet"}
	}
	if len(p.Payload) != 4 {
		return 0, &ProtocolError{
			Kind:   p.Kind,
			Reason: fmt.Sprintf("status payload is %d bytes, want 4", len(p.Payload)),
		}
	}
	return int(int32(binary.BigEndian.Uint32(p.Payload))), nil
}

// StatusPayload encodes an exit status the way the guest does.
func StatusPayload(status int32) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(status))
}
