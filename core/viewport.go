package core

import (
	"bytes"

	"github.com/canopyide/termflow/schema"
)

// viewport tracks consumer-reported scroll state and an estimate of the
// session's scrollback depth. Offset counts lines from the bottom; zero
// means the view is pinned to live output.
type viewport struct {
	lines    int
	maxLines int
	offset   int
	atBottom bool
}

func newViewport(maxLines int) *viewport {
	if maxLines <= 0 {
		maxLines = schema.DefaultScrollbackCap
	}
	return &viewport{maxLines: maxLines, atBottom: true}
}

// recordOutput grows the scrollback estimate by the newlines in data.
// A scrolled-up view stays anchored: its offset grows with the lines
// added below it, clamped to the scrollback depth.
func (v *viewport) recordOutput(data []byte) {
	n := bytes.Count(data, []byte{'\n'})
	if n == 0 {
		return
	}
	v.lines += n
	if v.lines > v.maxLines {
		v.lines = v.maxLines
	}
	if v.offset > 0 {
		v.offset = clampOffset(v.offset+n, v.lines)
	}
}

// update applies a consumer scroll report.
func (v *viewport) update(atBottom bool, offset int) {
	v.atBottom = atBottom
	if atBottom {
		v.offset = 0
		return
	}
	v.offset = clampOffset(offset, v.lines)
}

// small reports whether the scrollback estimate is under the threshold.
func (v *viewport) small(threshold int) bool {
	return v.lines < threshold
}

func (v *viewport) state() schema.ViewportState {
	return schema.ViewportState{AtBottom: v.atBottom, Offset: v.offset}
}

func clampOffset(offset, total int) int {
	if offset < 0 {
		return 0
	}
	if offset > total {
		return total
	}
	return offset
}
