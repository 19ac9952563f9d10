package protocol

import (
	"encoding/binary"
	"fmt"
)

// ByteSender injects a single byte into a serial port.
type ByteSender interface {
	SendByte(b byte) error
}

// Encode returns the framed form of a packet.
func Encode(kind Kind, payload []byte) []byte {
	frame := make([]byte, HeaderSize, HeaderSize+len(payload))
	frame[0] = byte(kind)
	binary.BigEndian.PutUint32(frame[1:HeaderSize], uint32(len(payload)))
	return append(frame, payload...)
}

// Send writes a framed packet to w one byte at a time.
func Send(w ByteSender, kind Kind, payload []byte) error {
	for i, b := range Encode(kind, payload) {
		if err := w.SendByte(b); err != nil {
			return fmt.Errorf("send %s byte %d: %w", kind, i, err)
		}
	}
	return nil
}

// Decoder reassembles packets from a byte stream. It holds at most one
// packet's bytes and is only restartable between packets.
//
// The zero value is ready to use. A Decoder is not safe for concurrent use;
// serial listeners are invoked sequentially so none is needed.
type Decoder struct {
	buf    []byte
	length int // payload length, -1 until the header is complete
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{length: -1}
}

// Feed appends one byte. It returns the packet completed by b, if any.
func (d *Decoder) Feed(b byte) (Packet, bool) {
	if d.buf == nil {
		d.length = -1
	}
	d.buf = append(d.buf, b)

	if d.length < 0 {
		if len(d.buf) < HeaderSize {
			return Packet{}, false
		}
		d.length = int(binary.BigEndian.Uint32(d.buf[1:HeaderSize]))
	}
	if len(d.buf) < HeaderSize+d.length {
		return Packet{}, false
	}

	p := Packet{
		Kind:    Kind(d.buf[0]),
		Payload: d.buf[HeaderSize:],
	}
	d.Reset()
	return p, true
}

// Write feeds a chunk and returns every packet it completes, in order.
func (d *Decoder) Write(chunk []byte) []Packet {
	var out []Packet
	for _, b := range chunk {
		if p, ok := d.Feed(b); ok {
			out = append(out, p)
		}
	}
	return out
}

// Buffered returns the number of bytes held for the packet in progress.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partial packet.
func (d *Decoder) Reset() {
	d.buf = nil
	d.length = -1
}
