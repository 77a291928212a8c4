// Package frame implements the binary packet framing shared by every
// output transport. A packet is a session id plus an opaque payload:
//
//	version byte | id length byte | payload length u32 BE | id | payload
//
// Transports deliver arbitrary byte chunks; the Decoder reassembles
// packets across chunk boundaries and resynchronizes after garbage
// instead of failing the stream.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/canopyide/termflow/schema"
)

const (
	// Version is the wire format version byte leading every packet.
	Version = 0x01
	// HeaderSize is the fixed header length before id and payload.
	HeaderSize = 6
	// DefaultMaxPayload bounds a single packet payload.
	DefaultMaxPayload = 1 << 20
)

var (
	// ErrInvalidPacket marks a packet that cannot be encoded or parsed.
	ErrInvalidPacket = errors.New("frame: invalid packet")
	// ErrPayloadTooLarge marks a payload above the configured bound.
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// EncodedSize returns the wire size of pkt.
func EncodedSize(pkt schema.Packet) int {
	return HeaderSize + len(pkt.SessionID) + len(pkt.Payload)
}

// Append encodes pkt onto dst and returns the extended slice.
func Append(dst []byte, pkt schema.Packet) ([]byte, error) {
	if err := schema.ValidateSessionID(pkt.SessionID); err != nil {
		return dst, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if len(pkt.Payload) > DefaultMaxPayload {
		return dst, ErrPayloadTooLarge
	}
	var hdr [HeaderSize]byte
	hdr[0] = Version
	hdr[1] = byte(len(pkt.SessionID))
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(pkt.Payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, pkt.SessionID...)
	dst = append(dst, pkt.Payload...)
	return dst, nil
}

// Write encodes pkt onto w in a single buffered write.
func Write(w io.Writer, pkt schema.Packet) error {
	buf := make([]byte, 0, EncodedSize(pkt))
	buf, err := Append(buf, pkt)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// Decoder reassembles packets from a chunked byte stream. Partial packets
// carry over between calls; garbage is skipped to the next plausible
// packet boundary and counted rather than surfaced as an error.
type Decoder struct {
	maxPayload int
	maxCarry   int
	carry      []byte

	packets   uint64
	discarded uint64
}

// NewDecoder constructs a Decoder. maxPayload <= 0 selects
// DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{
		maxPayload: maxPayload,
		maxCarry:   HeaderSize + schema.MaxSessionIDLen + maxPayload,
	}
}

// Decode consumes chunk and returns every packet completed by it. The
// returned payloads are copies and stay valid after the next call. Decode
// never fails: malformed input is discarded until a plausible header
// starts, and carry-over beyond the size of one maximum packet is dropped
// wholesale.
func (d *Decoder) Decode(chunk []byte) []schema.Packet {
	if len(chunk) > 0 {
		d.carry = append(d.carry, chunk...)
	}
	var pkts []schema.Packet
	for {
		if len(d.carry) < HeaderSize {
			break
		}
		if d.carry[0] != Version {
			d.resync()
			continue
		}
		idLen := int(d.carry[1])
		if idLen == 0 || idLen > schema.MaxSessionIDLen {
			d.resync()
			continue
		}
		payloadLen := int(binary.BigEndian.Uint32(d.carry[2:HeaderSize]))
		if payloadLen > d.maxPayload {
			d.resync()
			continue
		}
		total := HeaderSize + idLen + payloadLen
		if len(d.carry) < total {
			if len(d.carry) > d.maxCarry {
				d.discarded += uint64(len(d.carry))
				d.carry = d.carry[:0]
			}
			break
		}
		id := schema.SessionID(d.carry[HeaderSize : HeaderSize+idLen])
		if schema.ValidateSessionID(id) != nil {
			d.resync()
			continue
		}
		payload := make([]byte, payloadLen)
		copy(payload, d.carry[HeaderSize+idLen:total])
		pkts = append(pkts, schema.Packet{SessionID: id, Payload: payload})
		d.packets++
		d.advance(total)
	}
	return pkts
}

// resync drops the current byte and skips ahead to the next version byte.
func (d *Decoder) resync() {
	idx := bytes.IndexByte(d.carry[1:], Version)
	if idx < 0 {
		d.discarded += uint64(len(d.carry))
		d.carry = d.carry[:0]
		return
	}
	d.discarded += uint64(1 + idx)
	d.advance(1 + idx)
}

func (d *Decoder) advance(n int) {
	d.carry = append(d.carry[:0], d.carry[n:]...)
}

// CarryLen reports the bytes currently buffered for a future packet.
func (d *Decoder) CarryLen() int { return len(d.carry) }

// Packets reports the total packets decoded.
func (d *Decoder) Packets() uint64 { return d.packets }

// Discarded reports the total bytes dropped while resynchronizing.
func (d *Decoder) Discarded() uint64 { return d.discarded }

// Reset drops any buffered carry-over, counting it as discarded.
func (d *Decoder) Reset() {
	d.discarded += uint64(len(d.carry))
	d.carry = d.carry[:0]
}
