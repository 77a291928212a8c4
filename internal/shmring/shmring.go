// Package shmring implements the shared-memory transport: fixed-size
// single-producer single-consumer byte rings backed by mmap'd files. The
// host process appends framed packets, the pipeline drains them, and the
// reader cursor doubles as the consumption acknowledgement, so this
// transport needs no explicit ack path.
package shmring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// Magic identifies a ring segment file ("TFR1" little endian).
	Magic = 0x31524654
	// SegmentVersion is the on-disk layout version.
	SegmentVersion = 1
	// DefaultShardBytes is the data capacity of one shard.
	DefaultShardBytes = 256 * 1024
	// MaxShardBytes bounds shard capacity at map time.
	MaxShardBytes = 64 * 1024 * 1024

	headerSize  = 128
	offMagic    = 0
	offVersion  = 4
	offCapacity = 8
	offWriter   = 16
	offDropped  = 24
	// The reader cursor lives on its own cache line; the consumer is the
	// only writer of it.
	offReader = 64
)

var (
	// ErrBadSegment marks a file that is not a valid ring segment.
	ErrBadSegment = errors.New("shmring: bad segment")
	// ErrSegmentClosed marks use after Close.
	ErrSegmentClosed = errors.New("shmring: segment closed")
	// ErrRecordTooLarge marks a record bigger than the whole ring.
	ErrRecordTooLarge = errors.New("shmring: record exceeds capacity")
)

// Segment is one mapped ring shard. Exactly one producer and one consumer
// may use a segment concurrently; cursors are published with atomic
// stores so the pairing works across processes.
type Segment struct {
	f        *os.File
	buf      []byte
	data     []byte
	capacity uint64
}

// Create makes (or truncates) the segment file at path with the given
// data capacity and maps it for producing.
func Create(path string, dataBytes int) (*Segment, error) {
	if dataBytes <= 0 {
		dataBytes = DefaultShardBytes
	}
	if dataBytes > MaxShardBytes {
		return nil, fmt.Errorf("%w: capacity %d above limit", ErrBadSegment, dataBytes)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	size := int64(headerSize + dataBytes)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size segment: %w", err)
	}
	seg, err := mapSegment(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	binary.LittleEndian.PutUint32(seg.buf[offMagic:], Magic)
	binary.LittleEndian.PutUint32(seg.buf[offVersion:], SegmentVersion)
	binary.LittleEndian.PutUint64(seg.buf[offCapacity:], uint64(dataBytes))
	atomic.StoreUint64(seg.cursor(offWriter), 0)
	atomic.StoreUint64(seg.cursor(offDropped), 0)
	atomic.StoreUint64(seg.cursor(offReader), 0)
	return seg, nil
}

// Open maps an existing segment file for consuming.
func Open(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment: %w", err)
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, fmt.Errorf("%w: file too small", ErrBadSegment)
	}
	seg, err := mapSegment(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	if binary.LittleEndian.Uint32(seg.buf[offMagic:]) != Magic {
		seg.Close()
		return nil, fmt.Errorf("%w: magic mismatch", ErrBadSegment)
	}
	if v := binary.LittleEndian.Uint32(seg.buf[offVersion:]); v != SegmentVersion {
		seg.Close()
		return nil, fmt.Errorf("%w: version %d", ErrBadSegment, v)
	}
	capacity := binary.LittleEndian.Uint64(seg.buf[offCapacity:])
	if capacity == 0 || capacity > MaxShardBytes || int64(capacity)+headerSize != info.Size() {
		seg.Close()
		return nil, fmt.Errorf("%w: capacity %d for %d byte file", ErrBadSegment, capacity, info.Size())
	}
	seg.capacity = capacity
	seg.data = seg.buf[headerSize : headerSize+int(capacity)]
	return seg, nil
}

func mapSegment(f *os.File, size int64) (*Segment, error) {
	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map segment: %w", err)
	}
	seg := &Segment{f: f, buf: buf}
	seg.capacity = uint64(size - headerSize)
	seg.data = buf[headerSize:]
	return seg, nil
}

// cursor returns the aligned u64 at off. The mapping is page aligned, so
// every header offset is naturally aligned for atomics.
func (s *Segment) cursor(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.buf[off]))
}

// Close unmaps the segment and closes the backing file.
func (s *Segment) Close() error {
	if s.buf == nil {
		return ErrSegmentClosed
	}
	err := unix.Munmap(s.buf)
	s.buf = nil
	s.data = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Capacity reports the data capacity in bytes.
func (s *Segment) Capacity() int { return int(s.capacity) }

// Buffered reports the bytes written but not yet consumed.
func (s *Segment) Buffered() int {
	if s.buf == nil {
		return 0
	}
	w := atomic.LoadUint64(s.cursor(offWriter))
	r := atomic.LoadUint64(s.cursor(offReader))
	return int(w - r)
}

// Dropped reports records the producer discarded because the ring was
// full.
func (s *Segment) Dropped() uint64 {
	if s.buf == nil {
		return 0
	}
	return atomic.LoadUint64(s.cursor(offDropped))
}

// Write appends one record. A full ring drops the record and reports
// false; the producer never blocks and never overwrites unconsumed data.
func (s *Segment) Write(p []byte) (bool, error) {
	if s.buf == nil {
		return false, ErrSegmentClosed
	}
	if uint64(len(p)) > s.capacity {
		return false, ErrRecordTooLarge
	}
	if len(p) == 0 {
		return true, nil
	}
	w := atomic.LoadUint64(s.cursor(offWriter))
	r := atomic.LoadUint64(s.cursor(offReader))
	if s.capacity-(w-r) < uint64(len(p)) {
		atomic.AddUint64(s.cursor(offDropped), 1)
		return false, nil
	}
	idx := w % s.capacity
	first := uint64(len(p))
	if first > s.capacity-idx {
		first = s.capacity - idx
	}
	copy(s.data[idx:], p[:first])
	copy(s.data, p[first:])
	atomic.StoreUint64(s.cursor(offWriter), w+uint64(len(p)))
	return true, nil
}

// Read copies up to len(dst) buffered bytes into dst, advances the reader
// cursor past them, and returns the count. Records are plain frame bytes,
// so a short dst simply splits a record across reads.
func (s *Segment) Read(dst []byte) int {
	if s.buf == nil || len(dst) == 0 {
		return 0
	}
	w := atomic.LoadUint64(s.cursor(offWriter))
	r := atomic.LoadUint64(s.cursor(offReader))
	avail := w - r
	if avail == 0 {
		return 0
	}
	n := uint64(len(dst))
	if n > avail {
		n = avail
	}
	idx := r % s.capacity
	first := n
	if first > s.capacity-idx {
		first = s.capacity - idx
	}
	copy(dst, s.data[idx:idx+first])
	copy(dst[first:], s.data[:n-first])
	atomic.StoreUint64(s.cursor(offReader), r+n)
	return int(n)
}
