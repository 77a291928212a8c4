package core

import "time"

// frameQueue is the bounded per-session list of settled frames awaiting
// presentation. Overflow drops the oldest frame and folds its bytes into
// the next so byte continuity survives even when intermediate paints are
// lost.
type frameQueue struct {
	depth         int
	frames        [][]byte
	folds         uint64
	lastPresented time.Time
}

func newFrameQueue(depth int) *frameQueue {
	if depth <= 0 {
		depth = 1
	}
	return &frameQueue{depth: depth}
}

// push appends frame, evicting by fold when the queue is full. Reports
// whether an eviction happened.
func (q *frameQueue) push(frame []byte) bool {
	folded := false
	for len(q.frames) >= q.depth {
		if len(q.frames) == 1 {
			frame = append(q.frames[0], frame...)
			q.frames = q.frames[:0]
		} else {
			q.frames[1] = append(q.frames[0], q.frames[1]...)
			q.frames = q.frames[1:]
		}
		q.folds++
		folded = true
	}
	q.frames = append(q.frames, frame)
	return folded
}

// pop removes and returns the oldest frame.
func (q *frameQueue) pop() ([]byte, bool) {
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	if len(q.frames) == 0 {
		q.frames = nil
	}
	return frame, true
}

func (q *frameQueue) count() int { return len(q.frames) }

// bytes sums queued frame sizes.
func (q *frameQueue) bytes() int {
	total := 0
	for _, f := range q.frames {
		total += len(f)
	}
	return total
}

// clear drops queued frames and returns the byte count discarded.
func (q *frameQueue) clear() int {
	dropped := q.bytes()
	q.frames = nil
	return dropped
}
