package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/canopyide/termflow/schema"
)

func encodePacket(t *testing.T, id schema.SessionID, payload []byte) []byte {
	t.Helper()
	buf, err := Append(nil, schema.Packet{SessionID: id, Payload: payload})
	if err != nil {
		t.Fatalf("append packet: %v", err)
	}
	return buf
}

func TestDecodeRoundTrip(t *testing.T) {
	wire := encodePacket(t, "build", []byte("hello world"))
	d := NewDecoder(0)
	pkts := d.Decode(wire)
	if len(pkts) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(pkts))
	}
	if pkts[0].SessionID != "build" {
		t.Fatalf("unexpected session: %q", pkts[0].SessionID)
	}
	if string(pkts[0].Payload) != "hello world" {
		t.Fatalf("unexpected payload: %q", pkts[0].Payload)
	}
	if d.CarryLen() != 0 {
		t.Fatalf("expected empty carry, got %d bytes", d.CarryLen())
	}
}

func TestDecodeSplitAcrossChunks(t *testing.T) {
	wire := encodePacket(t, "logs", []byte("split across many reads"))
	d := NewDecoder(0)
	var got []schema.Packet
	for i := range wire {
		got = append(got, d.Decode(wire[i:i+1])...)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 packet from byte-wise delivery, got %d", len(got))
	}
	if string(got[0].Payload) != "split across many reads" {
		t.Fatalf("unexpected payload: %q", got[0].Payload)
	}
}

func TestDecodeMultiplePacketsOneChunk(t *testing.T) {
	var wire []byte
	wire = append(wire, encodePacket(t, "a", []byte("one"))...)
	wire = append(wire, encodePacket(t, "b", []byte("two"))...)
	wire = append(wire, encodePacket(t, "a", []byte("three"))...)
	d := NewDecoder(0)
	pkts := d.Decode(wire)
	if len(pkts) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(pkts))
	}
	if pkts[1].SessionID != "b" || string(pkts[2].Payload) != "three" {
		t.Fatalf("unexpected packets: %+v", pkts)
	}
}

func TestDecodeResyncsAfterGarbage(t *testing.T) {
	garbage := []byte{0x00, 0xff, 0x7f, 0x00}
	wire := append(append([]byte{}, garbage...), encodePacket(t, "ok", []byte("recovered"))...)
	d := NewDecoder(0)
	pkts := d.Decode(wire)
	if len(pkts) != 1 {
		t.Fatalf("expected recovery to 1 packet, got %d", len(pkts))
	}
	if string(pkts[0].Payload) != "recovered" {
		t.Fatalf("unexpected payload: %q", pkts[0].Payload)
	}
	if d.Discarded() == 0 {
		t.Fatalf("expected discarded bytes to be counted")
	}
}

func TestDecodeSkipsCorruptHeaderBetweenPackets(t *testing.T) {
	first := encodePacket(t, "a", []byte("first"))
	second := encodePacket(t, "a", []byte("second"))
	corrupt := append(append([]byte{}, first...), Version, 0x00, 0xff, 0xff)
	corrupt = append(corrupt, second...)
	d := NewDecoder(0)
	pkts := d.Decode(corrupt)
	if len(pkts) != 2 {
		t.Fatalf("expected 2 packets around corruption, got %d", len(pkts))
	}
	if string(pkts[0].Payload) != "first" || string(pkts[1].Payload) != "second" {
		t.Fatalf("unexpected packets: %+v", pkts)
	}
}

func TestDecodeRejectsOversizedPayloadHeader(t *testing.T) {
	d := NewDecoder(128)
	huge := encodePacket(t, "big", bytes.Repeat([]byte{'x'}, 256))
	pkts := d.Decode(huge)
	if len(pkts) != 0 {
		t.Fatalf("expected oversized packet to be discarded, got %d", len(pkts))
	}
	tail := d.Decode(encodePacket(t, "ok", []byte("small")))
	if len(tail) != 1 || string(tail[0].Payload) != "small" {
		t.Fatalf("expected recovery after oversize, got %+v", tail)
	}
}

func TestDecodePayloadCopiesSurviveReuse(t *testing.T) {
	d := NewDecoder(0)
	first := d.Decode(encodePacket(t, "a", []byte("stable")))
	d.Decode(bytes.Repeat([]byte{0x55}, 64))
	d.Decode(encodePacket(t, "a", []byte("overwrite")))
	if string(first[0].Payload) != "stable" {
		t.Fatalf("payload mutated after later decode: %q", first[0].Payload)
	}
}

func TestAppendRejectsBadSession(t *testing.T) {
	if _, err := Append(nil, schema.Packet{SessionID: "has space", Payload: []byte("x")}); !errors.Is(err, ErrInvalidPacket) {
		t.Fatalf("expected ErrInvalidPacket, got %v", err)
	}
	if _, err := Append(nil, schema.Packet{SessionID: "ok", Payload: bytes.Repeat([]byte{'x'}, DefaultMaxPayload+1)}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestWriteMatchesAppend(t *testing.T) {
	pkt := schema.Packet{SessionID: "w", Payload: []byte("payload")}
	var buf bytes.Buffer
	if err := Write(&buf, pkt); err != nil {
		t.Fatalf("write: %v", err)
	}
	appended, err := Append(nil, pkt)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), appended) {
		t.Fatalf("write and append disagree")
	}
	if buf.Len() != EncodedSize(pkt) {
		t.Fatalf("encoded size mismatch: %d vs %d", buf.Len(), EncodedSize(pkt))
	}
}

func TestResetDropsCarry(t *testing.T) {
	wire := encodePacket(t, "a", []byte("partial"))
	d := NewDecoder(0)
	d.Decode(wire[:4])
	if d.CarryLen() == 0 {
		t.Fatalf("expected carry after partial header")
	}
	d.Reset()
	if d.CarryLen() != 0 {
		t.Fatalf("expected empty carry after reset")
	}
	if d.Discarded() == 0 {
		t.Fatalf("reset must count dropped bytes")
	}
}
