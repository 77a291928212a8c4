package shmring

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DefaultShards is the shard count for a new ring.
const DefaultShards = 4

const shardPattern = "shard-*.ring"

// Ring is a set of shards under one directory. Producers spread sessions
// across shards; the consumer drains them round robin.
type Ring struct {
	dir  string
	segs []*Segment
}

// CreateRing builds a fresh ring of shardCount segments under dir,
// replacing any previous ring files there.
func CreateRing(dir string, shardCount, shardBytes int) (*Ring, error) {
	if shardCount <= 0 {
		shardCount = DefaultShards
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create ring dir: %w", err)
	}
	stale, _ := filepath.Glob(filepath.Join(dir, shardPattern))
	for _, path := range stale {
		os.Remove(path)
	}
	r := &Ring{dir: dir}
	for i := 0; i < shardCount; i++ {
		seg, err := Create(shardPath(dir, i), shardBytes)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.segs = append(r.segs, seg)
	}
	return r, nil
}

// OpenRing maps every shard file under dir for consuming.
func OpenRing(dir string) (*Ring, error) {
	paths, err := filepath.Glob(filepath.Join(dir, shardPattern))
	if err != nil {
		return nil, fmt.Errorf("scan ring dir: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no shards under %s", ErrBadSegment, dir)
	}
	sort.Strings(paths)
	r := &Ring{dir: dir}
	for _, path := range paths {
		seg, err := Open(path)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.segs = append(r.segs, seg)
	}
	return r, nil
}

func shardPath(dir string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("shard-%03d.ring", i))
}

// Dir reports the ring directory.
func (r *Ring) Dir() string { return r.dir }

// Shards reports the shard count.
func (r *Ring) Shards() int { return len(r.segs) }

// Shard returns shard i.
func (r *Ring) Shard(i int) *Segment { return r.segs[i] }

// Buffered sums unconsumed bytes across all shards.
func (r *Ring) Buffered() int {
	total := 0
	for _, seg := range r.segs {
		total += seg.Buffered()
	}
	return total
}

// Close unmaps every shard. Ring files stay on disk for the peer.
func (r *Ring) Close() error {
	var first error
	for _, seg := range r.segs {
		if err := seg.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.segs = nil
	return first
}

// Remove deletes the ring files and directory. Only the producer that
// created the ring should call this.
func (r *Ring) Remove() error {
	paths, _ := filepath.Glob(filepath.Join(r.dir, shardPattern))
	for _, path := range paths {
		os.Remove(path)
	}
	return os.Remove(r.dir)
}
