package core

import (
	"github.com/canopyide/termflow/internal/frame"
	"github.com/canopyide/termflow/internal/shmring"
	"github.com/canopyide/termflow/schema"
)

// Transport delivers decoded output packets from the backend to the
// ingest loop.
type Transport interface {
	Kind() schema.TransportKind
	// Poll returns decoded packets, consuming up to budget bytes of
	// transport stream. A transport error means the transport is dead
	// and must be torn down.
	Poll(budget int) ([]schema.Packet, int, error)
	// SelfAcking reports whether consumption is acknowledged inside the
	// transport rather than through Backend.AckConsumed.
	SelfAcking() bool
	Close() error
}

const shmScratchBytes = 64 << 10

// shmTransport polls mmap ring shards round-robin, one framed stream
// per shard. The reader cursor doubles as the consumption ack.
type shmTransport struct {
	ring     *shmring.Ring
	decoders []*frame.Decoder
	next     int
	scratch  []byte
}

// NewShmTransport wraps an opened ring with per-shard frame decoders.
// readBudget caps the bytes taken from a shard in one read.
func NewShmTransport(ring *shmring.Ring, maxPacket, readBudget int) Transport {
	if readBudget <= 0 {
		readBudget = shmScratchBytes
	}
	decs := make([]*frame.Decoder, ring.Shards())
	for i := range decs {
		decs[i] = frame.NewDecoder(maxPacket)
	}
	return &shmTransport{ring: ring, decoders: decs, scratch: make([]byte, readBudget)}
}

func (t *shmTransport) Kind() schema.TransportKind { return schema.TransportSharedMemory }
func (t *shmTransport) SelfAcking() bool           { return true }

// Poll drains shards starting after the shard served first last time,
// so a chatty shard cannot starve the others.
func (t *shmTransport) Poll(budget int) ([]schema.Packet, int, error) {
	shards := t.ring.Shards()
	if shards == 0 || budget <= 0 {
		return nil, 0, nil
	}
	var packets []schema.Packet
	total := 0
	for i := 0; i < shards && total < budget; i++ {
		idx := (t.next + i) % shards
		seg := t.ring.Shard(idx)
		for total < budget {
			max := budget - total
			if max > len(t.scratch) {
				max = len(t.scratch)
			}
			n := seg.Read(t.scratch[:max])
			if n == 0 {
				break
			}
			total += n
			packets = append(packets, t.decoders[idx].Decode(t.scratch[:n])...)
		}
	}
	t.next = (t.next + 1) % shards
	return packets, total, nil
}

func (t *shmTransport) Close() error { return t.ring.Close() }

// Discarded sums resync losses across shard decoders.
func (t *shmTransport) Discarded() uint64 {
	var total uint64
	for _, d := range t.decoders {
		total += d.Discarded()
	}
	return total
}

