package hostproc

// tail keeps the most recent max bytes of session output. Appends copy;
// the buffer is trimmed in place once it overshoots by half the cap so
// steady streaming does not move memory on every chunk.
type tail struct {
	buf []byte
	max int
}

func newTail(max int) *tail {
	if max <= 0 {
		max = defaultReplayBytes
	}
	return &tail{max: max}
}

func (t *tail) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if len(chunk) >= t.max {
		t.buf = append(t.buf[:0], chunk[len(chunk)-t.max:]...)
		return
	}
	t.buf = append(t.buf, chunk...)
	if len(t.buf) > t.max+t.max/2 {
		keep := t.buf[len(t.buf)-t.max:]
		copy(t.buf, keep)
		t.buf = t.buf[:t.max]
	}
}

// bytes returns the retained tail, at most max bytes long.
func (t *tail) bytes() []byte {
	if len(t.buf) > t.max {
		return t.buf[len(t.buf)-t.max:]
	}
	return t.buf
}
