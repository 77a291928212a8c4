package core

import (
	"bytes"

	"github.com/canopyide/termflow/schema"
)

// AltTransition is the alternate-screen state change implied by a chunk.
type AltTransition int

const (
	// AltNone leaves the alternate-screen state unchanged.
	AltNone AltTransition = iota
	// AltEntered switches the session onto the alternate screen.
	AltEntered
	// AltLeft returns the session to the primary screen.
	AltLeft
)

// RedrawSignal is the classification of one ingested chunk.
type RedrawSignal struct {
	// Redraws counts repaint markers matched in the chunk.
	Redraws int
	// First is the entry-relative byte offset of the first repaint
	// marker, or -1 when Redraws is zero. Used to split animation frames
	// at the marker boundary.
	First int
	// Alt is the alternate-screen transition after the whole chunk.
	Alt AltTransition
}

// RedrawDetector decides whether a chunk starts a full-screen repaint.
// This is a heuristic classifier over configured byte sequences, not a
// protocol state machine; swapping the heuristic must not touch the
// coalescing state machine, so it hangs behind this interface.
type RedrawDetector interface {
	// Scan classifies chunk. carry holds the trailing bytes already
	// buffered for the entry (for markers spanning a chunk boundary) and
	// entryLen is the entry's byte count before chunk.
	Scan(carry []byte, entryLen int, chunk []byte) RedrawSignal
}

// markerDetector matches a configured marker allowlist by substring scan.
type markerDetector struct {
	markers    []schema.RedrawMarker
	maxLen     int
	homeWindow int
}

// newMarkerDetector builds the default detector. homeWindow bounds how
// deep into an entry a bare cursor-home still counts as a repaint; beyond
// it the sequence is ordinary cursor movement.
func newMarkerDetector(markers []schema.RedrawMarker, homeWindow int) *markerDetector {
	if len(markers) == 0 {
		markers = schema.DefaultRedrawMarkers()
	}
	if homeWindow <= 0 {
		homeWindow = schema.DefaultCursorHomeWindow
	}
	d := &markerDetector{markers: markers, homeWindow: homeWindow}
	for _, m := range markers {
		if len(m.Sequence) > d.maxLen {
			d.maxLen = len(m.Sequence)
		}
	}
	return d
}

func (d *markerDetector) Scan(carry []byte, entryLen int, chunk []byte) RedrawSignal {
	sig := RedrawSignal{First: -1}
	if len(chunk) == 0 {
		return sig
	}
	lastAlt := -1

	// Markers fully inside the chunk.
	for _, m := range d.markers {
		seq := []byte(m.Sequence)
		for from := 0; ; {
			idx := bytes.Index(chunk[from:], seq)
			if idx < 0 {
				break
			}
			at := entryLen + from + idx
			d.apply(&sig, m.Kind, at, &lastAlt)
			from += idx + 1
		}
	}

	// Markers spanning the carry/chunk seam start in carry and end in
	// chunk; scan the seam and keep only matches starting inside carry.
	if len(carry) > 0 && d.maxLen > 1 {
		tail := carry
		if len(tail) > d.maxLen-1 {
			tail = tail[len(tail)-(d.maxLen-1):]
		}
		head := chunk
		if len(head) > d.maxLen-1 {
			head = head[:d.maxLen-1]
		}
		seam := make([]byte, 0, len(tail)+len(head))
		seam = append(seam, tail...)
		seam = append(seam, head...)
		for _, m := range d.markers {
			seq := []byte(m.Sequence)
			for from := 0; ; {
				idx := bytes.Index(seam[from:], seq)
				if idx < 0 {
					break
				}
				// Count only matches that cross the seam; anything fully
				// inside the tail was counted on an earlier chunk.
				if start := from + idx; start < len(tail) && start+len(seq) > len(tail) {
					at := entryLen - len(tail) + start
					d.apply(&sig, m.Kind, at, &lastAlt)
				}
				from += idx + 1
			}
		}
	}
	return sig
}

func (d *markerDetector) apply(sig *RedrawSignal, kind schema.MarkerKind, at int, lastAlt *int) {
	switch kind {
	case schema.MarkerCursorHome:
		if at >= d.homeWindow {
			return
		}
	case schema.MarkerAltEnter:
		if at > *lastAlt {
			*lastAlt = at
			sig.Alt = AltEntered
		}
	case schema.MarkerAltExit:
		if at > *lastAlt {
			*lastAlt = at
			sig.Alt = AltLeft
		}
	}
	sig.Redraws++
	if sig.First < 0 || at < sig.First {
		sig.First = at
	}
}
