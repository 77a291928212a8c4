package core

import (
	"sync/atomic"

	"github.com/canopyide/termflow/schema"
)

// telemetry aggregates pipeline counters. Fields are atomics so the
// ingest worker and timer callbacks can bump them without coordination.
type telemetry struct {
	packetsDecoded    atomic.Uint64
	bytesIngested     atomic.Uint64
	bytesDiscarded    atomic.Uint64
	framesPresented   atomic.Uint64
	normalFlushes     atomic.Uint64
	interactiveFlush  atomic.Uint64
	resizesApplied    atomic.Uint64
	resizesCoalesced  atomic.Uint64
	tierChanges       atomic.Uint64
	wakes             atomic.Uint64
	wakeFailures      atomic.Uint64
	contextsGranted   atomic.Uint64
	contextsEvicted   atomic.Uint64
	contextsLost      atomic.Uint64
	contextsRecovered atomic.Uint64
	transportResets   atomic.Uint64
}

// snapshot folds in the values owned elsewhere: live session count and
// the coalescer's redraw and fold counters.
func (t *telemetry) snapshot(sessions int, redraws, folds uint64) schema.TelemetrySnapshot {
	return schema.TelemetrySnapshot{
		Sessions:          sessions,
		PacketsDecoded:    t.packetsDecoded.Load(),
		BytesIngested:     t.bytesIngested.Load(),
		BytesDiscarded:    t.bytesDiscarded.Load(),
		FramesPresented:   t.framesPresented.Load(),
		FramesDropped:     folds,
		NormalFlushes:     t.normalFlushes.Load(),
		InteractiveFlush:  t.interactiveFlush.Load(),
		RedrawsDetected:   redraws,
		ResizesApplied:    t.resizesApplied.Load(),
		ResizesCoalesced:  t.resizesCoalesced.Load(),
		TierChanges:       t.tierChanges.Load(),
		Wakes:             t.wakes.Load(),
		WakeFailures:      t.wakeFailures.Load(),
		ContextsGranted:   t.contextsGranted.Load(),
		ContextsEvicted:   t.contextsEvicted.Load(),
		ContextsLost:      t.contextsLost.Load(),
		ContextsRecovered: t.contextsRecovered.Load(),
		TransportResets:   t.transportResets.Load(),
	}
}
