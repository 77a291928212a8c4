package core

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/canopyide/termflow/schema"
)

func coalesceTestConfig() schema.CoalesceConfig {
	return schema.CoalesceConfig{
		NormalFlushDelay:    4 * time.Millisecond,
		NormalByteCap:       64 * 1024,
		FrameSettleDelay:    50 * time.Millisecond,
		FrameMaxDelay:       250 * time.Millisecond,
		MinFrameInterval:    33 * time.Millisecond,
		RedrawBurstWindow:   100 * time.Millisecond,
		RedrawSafetyTimeout: 500 * time.Millisecond,
		InteractiveTTL:      250 * time.Millisecond,
		InteractiveByteMax:  512,
		InteractiveDelay:    time.Millisecond,
		TrailWindowBytes:    64,
		CursorHomeWindow:    16,
		FrameQueueDepth:     3,
	}
}

func newTestCoalescer(t *testing.T, cfg schema.CoalesceConfig) (*coalescer, *fakeClock, *emitRecorder) {
	t.Helper()
	clock := newFakeClock()
	rec := &emitRecorder{}
	c := newCoalescer(cfg, clock, newScheduler(clock), nil, rec.emit, nil)
	return c, clock, rec
}

func TestNormalOutputFlushesInArrivalOrder(t *testing.T) {
	c, clock, rec := newTestCoalescer(t, coalesceTestConfig())
	id := schema.SessionID("s1")
	c.track(id)

	if !c.ingest(id, []byte("hello ")) {
		t.Fatalf("ingest rejected")
	}
	clock.advance(2 * time.Millisecond)
	c.ingest(id, []byte("world"))
	if rec.count() != 0 {
		t.Fatalf("flushed before the delay elapsed")
	}
	clock.advance(2 * time.Millisecond)

	out := rec.take()
	if len(out) != 1 {
		t.Fatalf("expected one batch, got %d", len(out))
	}
	if out[0].kind != schema.OutputNormal {
		t.Fatalf("expected normal batch, got %s", out[0].kind)
	}
	if string(out[0].data) != "hello world" {
		t.Fatalf("expected concatenated chunks, got %q", out[0].data)
	}
}

func TestNormalByteCapFlushesImmediately(t *testing.T) {
	cfg := coalesceTestConfig()
	cfg.NormalByteCap = 8
	c, _, rec := newTestCoalescer(t, cfg)
	id := schema.SessionID("s1")
	c.track(id)

	c.ingest(id, []byte("0123456789"))
	out := rec.take()
	if len(out) != 1 {
		t.Fatalf("expected immediate flush at the byte cap, got %d batches", len(out))
	}
	if string(out[0].data) != "0123456789" {
		t.Fatalf("flush lost bytes: %q", out[0].data)
	}
}

func TestRedrawSettlesIntoSingleFrame(t *testing.T) {
	c, clock, rec := newTestCoalescer(t, coalesceTestConfig())
	id := schema.SessionID("s1")
	c.track(id)

	c.ingest(id, []byte("\x1b[2Jmenu line one\n"))
	clock.advance(30 * time.Millisecond)
	c.ingest(id, []byte("menu line two\n"))
	clock.advance(49 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("frame flushed before the paint settled")
	}
	clock.advance(time.Millisecond)

	out := rec.take()
	if len(out) != 1 {
		t.Fatalf("expected one settled frame, got %d batches", len(out))
	}
	if out[0].kind != schema.OutputFrame {
		t.Fatalf("expected frame, got %s", out[0].kind)
	}
	want := "\x1b[2Jmenu line one\nmenu line two\n"
	if string(out[0].data) != want {
		t.Fatalf("frame bytes = %q, want %q", out[0].data, want)
	}
	redraws, _ := c.counters()
	if redraws != 1 {
		t.Fatalf("redraw counter = %d, want 1", redraws)
	}
}

func TestFrameDeadlineBoundsEndlessRepaint(t *testing.T) {
	c, clock, rec := newTestCoalescer(t, coalesceTestConfig())
	id := schema.SessionID("s1")
	c.track(id)

	c.ingest(id, []byte("\x1b[2J"))
	for i := 0; i < 6; i++ {
		clock.advance(40 * time.Millisecond)
		c.ingest(id, []byte("x"))
	}
	if rec.count() != 0 {
		t.Fatalf("settle fired despite continuous output")
	}
	clock.advance(10 * time.Millisecond)

	out := rec.take()
	if len(out) != 1 {
		t.Fatalf("expected the deadline to force one frame, got %d", len(out))
	}
	if string(out[0].data) != "\x1b[2Jxxxxxx" {
		t.Fatalf("deadline frame lost bytes: %q", out[0].data)
	}
}

func TestInteractiveSmallChunkFlushesImmediately(t *testing.T) {
	c, _, rec := newTestCoalescer(t, coalesceTestConfig())
	id := schema.SessionID("s1")
	c.track(id)

	c.markInteractive(id)
	c.ingest(id, []byte("x"))
	out := rec.take()
	if len(out) != 1 {
		t.Fatalf("expected immediate echo flush, got %d batches", len(out))
	}
	if out[0].kind != schema.OutputInteractive || string(out[0].data) != "x" {
		t.Fatalf("got %s %q", out[0].kind, out[0].data)
	}
}

func TestInteractiveOversizedChunkUsesShortestDelay(t *testing.T) {
	c, clock, rec := newTestCoalescer(t, coalesceTestConfig())
	id := schema.SessionID("s1")
	c.track(id)

	c.markInteractive(id)
	big := bytes.Repeat([]byte("a"), 600)
	c.ingest(id, big)
	if rec.count() != 0 {
		t.Fatalf("oversized chunk flushed synchronously")
	}
	clock.advance(time.Millisecond)

	out := rec.take()
	if len(out) != 1 {
		t.Fatalf("expected one batch, got %d", len(out))
	}
	if out[0].kind != schema.OutputInteractive || len(out[0].data) != 600 {
		t.Fatalf("got %s with %d bytes", out[0].kind, len(out[0].data))
	}
}

// Run a session to the point where a frame sits queued behind the
// presentation cadence: one frame presented, then a deadline flush
// landing inside the minimum frame interval.
func queuePendingFrame(t *testing.T, c *coalescer, clock *fakeClock, rec *emitRecorder, id schema.SessionID) {
	t.Helper()
	c.ingest(id, []byte("\x1b[2JA"))
	clock.advance(50 * time.Millisecond)
	if out := rec.take(); len(out) != 1 || string(out[0].data) != "\x1b[2JA" {
		t.Fatalf("first frame did not present: %+v", out)
	}
	clock.advance(10 * time.Millisecond)
	c.ingest(id, []byte("\x1b[2JB"))
	clock.advance(250 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("second frame presented before the cadence interval")
	}
}

func TestPresentObservesMinimumFrameInterval(t *testing.T) {
	cfg := coalesceTestConfig()
	cfg.FrameMaxDelay = 250 * time.Millisecond
	cfg.MinFrameInterval = 300 * time.Millisecond
	cfg.RedrawBurstWindow = time.Nanosecond
	c, clock, rec := newTestCoalescer(t, cfg)
	id := schema.SessionID("s1")
	c.track(id)

	queuePendingFrame(t, c, clock, rec, id)
	clock.advance(40 * time.Millisecond)

	out := rec.take()
	if len(out) != 1 {
		t.Fatalf("expected the queued frame on cadence, got %d batches", len(out))
	}
	if out[0].kind != schema.OutputFrame || string(out[0].data) != "\x1b[2JB" {
		t.Fatalf("got %s %q", out[0].kind, out[0].data)
	}
}

func TestInteractiveFlushDrainsQueuedFrames(t *testing.T) {
	cfg := coalesceTestConfig()
	cfg.FrameMaxDelay = 250 * time.Millisecond
	cfg.MinFrameInterval = 300 * time.Millisecond
	cfg.RedrawBurstWindow = time.Nanosecond
	c, clock, rec := newTestCoalescer(t, cfg)
	id := schema.SessionID("s1")
	c.track(id)

	queuePendingFrame(t, c, clock, rec, id)
	clock.advance(10 * time.Millisecond)
	c.markInteractive(id)
	c.ingest(id, []byte("z"))

	out := rec.take()
	if len(out) != 1 {
		t.Fatalf("expected one merged batch, got %d", len(out))
	}
	if out[0].kind != schema.OutputInteractive {
		t.Fatalf("expected interactive flush, got %s", out[0].kind)
	}
	if string(out[0].data) != "\x1b[2JBz" {
		t.Fatalf("queued frame not drained in order: %q", out[0].data)
	}
	clock.advance(time.Second)
	if rec.count() != 0 {
		t.Fatalf("stale timers emitted after the drain")
	}
}

func TestRedrawBurstFlushesOnMarkerBoundary(t *testing.T) {
	cfg := coalesceTestConfig()
	cfg.FrameMaxDelay = 10 * time.Second
	cfg.MinFrameInterval = time.Nanosecond
	c, clock, rec := newTestCoalescer(t, cfg)
	id := schema.SessionID("s1")
	c.track(id)

	c.ingest(id, []byte("\x1b[2JF1"))
	clock.advance(30 * time.Millisecond)
	c.ingest(id, []byte("\x1b[2JF2"))
	out := rec.take()
	if len(out) != 1 || string(out[0].data) != "\x1b[2JF1" {
		t.Fatalf("expected the completed frame at the marker boundary, got %+v", out)
	}
	if out[0].kind != schema.OutputFrame {
		t.Fatalf("expected frame, got %s", out[0].kind)
	}

	clock.advance(30 * time.Millisecond)
	c.ingest(id, []byte("\x1b[2JF3"))
	out = rec.take()
	if len(out) != 1 || string(out[0].data) != "\x1b[2JF2" {
		t.Fatalf("expected the second frame at the next marker, got %+v", out)
	}
}

func TestRedrawSafetyTimeoutForcesFlush(t *testing.T) {
	cfg := coalesceTestConfig()
	cfg.FrameMaxDelay = 10 * time.Second
	cfg.MinFrameInterval = time.Nanosecond
	c, clock, rec := newTestCoalescer(t, cfg)
	id := schema.SessionID("s1")
	c.track(id)

	c.ingest(id, []byte("\x1b[2JF1"))
	clock.advance(30 * time.Millisecond)
	c.ingest(id, []byte("\x1b[2JF2"))
	clock.advance(30 * time.Millisecond)
	c.ingest(id, []byte("\x1b[2JF3"))
	rec.take()

	// The producer stalls mid-frame. Settle flushes are suppressed in
	// redraw-cadence mode, so only the safety timeout releases the tail.
	clock.advance(10 * time.Millisecond)
	c.ingest(id, []byte("tail"))
	clock.advance(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("settle fired while flushing on redraw cadence")
	}
	clock.advance(390 * time.Millisecond)

	out := rec.take()
	if len(out) != 1 {
		t.Fatalf("expected the safety flush, got %d batches", len(out))
	}
	if string(out[0].data) != "\x1b[2JF3tail" {
		t.Fatalf("safety flush lost bytes: %q", out[0].data)
	}
}

func TestPacingStretchesSettleWindow(t *testing.T) {
	cfg := coalesceTestConfig()
	cfg.FrameMaxDelay = 10 * time.Second
	cfg.MinFrameInterval = 300 * time.Millisecond
	cfg.RedrawBurstWindow = time.Nanosecond
	c, clock, rec := newTestCoalescer(t, cfg)
	id := schema.SessionID("s1")
	c.track(id)

	c.ingest(id, []byte("\x1b[2JA"))
	clock.advance(50 * time.Millisecond)
	if out := rec.take(); len(out) != 1 {
		t.Fatalf("first frame did not present: %d batches", len(out))
	}

	// A redraw right after a presented frame stretches its settle so the
	// next paint lands on cadence; a further redraw collapses into it.
	clock.advance(10 * time.Millisecond)
	c.ingest(id, []byte("\x1b[2JB"))
	clock.advance(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("settle fired inside the frame interval")
	}
	clock.advance(40 * time.Millisecond)
	c.ingest(id, []byte("\x1b[2JC"))
	clock.advance(150 * time.Millisecond)

	out := rec.take()
	if len(out) != 1 {
		t.Fatalf("expected one collapsed frame, got %d", len(out))
	}
	if string(out[0].data) != "\x1b[2JB\x1b[2JC" {
		t.Fatalf("redraws did not collapse: %q", out[0].data)
	}
}

func TestAltScreenOutputBypassesFrameBatching(t *testing.T) {
	c, clock, rec := newTestCoalescer(t, coalesceTestConfig())
	id := schema.SessionID("s1")
	c.track(id)

	c.ingest(id, []byte("\x1b[?1049h\x1b[2Jvim"))
	if !c.altActive(id) {
		t.Fatalf("alt-screen entry not tracked")
	}
	clock.advance(4 * time.Millisecond)
	out := rec.take()
	if len(out) != 1 || out[0].kind != schema.OutputDirect {
		t.Fatalf("expected direct delivery on the alternate screen, got %+v", out)
	}

	c.ingest(id, []byte("\x1b[?1049l"))
	if c.altActive(id) {
		t.Fatalf("alt-screen exit not tracked")
	}
}

func TestDirectModeBypassesFrameBatching(t *testing.T) {
	c, clock, rec := newTestCoalescer(t, coalesceTestConfig())
	id := schema.SessionID("s1")
	c.track(id)

	c.setDirect(id, true)
	c.ingest(id, []byte("\x1b[2Jraw"))
	clock.advance(4 * time.Millisecond)

	out := rec.take()
	if len(out) != 1 || out[0].kind != schema.OutputDirect {
		t.Fatalf("expected direct delivery, got %+v", out)
	}
	if string(out[0].data) != "\x1b[2Jraw" {
		t.Fatalf("direct flush lost bytes: %q", out[0].data)
	}
}

func TestResetDiscardsPendingWithoutEmitting(t *testing.T) {
	c, clock, rec := newTestCoalescer(t, coalesceTestConfig())
	id := schema.SessionID("s1")
	c.track(id)

	c.ingest(id, []byte("\x1b[?1049h"))
	clock.advance(4 * time.Millisecond)
	rec.take()

	c.ingest(id, []byte("abcde"))
	if discarded := c.reset(id); discarded != 5 {
		t.Fatalf("reset discarded %d bytes, want 5", discarded)
	}
	clock.advance(time.Second)
	if rec.count() != 0 {
		t.Fatalf("reset still flushed buffered output")
	}
	if !c.altActive(id) {
		t.Fatalf("alt-screen flag must survive a reset")
	}
	if c.pendingBytes(id) != 0 {
		t.Fatalf("pending bytes after reset: %d", c.pendingBytes(id))
	}
}

func TestUntrackedSessionRejected(t *testing.T) {
	c, _, rec := newTestCoalescer(t, coalesceTestConfig())
	if c.ingest("ghost", []byte("data")) {
		t.Fatalf("untracked session accepted")
	}
	if rec.count() != 0 {
		t.Fatalf("untracked ingest emitted")
	}
}

func TestRemoveStopsSessionTimers(t *testing.T) {
	c, clock, rec := newTestCoalescer(t, coalesceTestConfig())
	id := schema.SessionID("s1")
	c.track(id)

	c.ingest(id, []byte(strings.Repeat("y", 10)))
	if discarded := c.remove(id); discarded != 10 {
		t.Fatalf("remove discarded %d bytes, want 10", discarded)
	}
	clock.advance(time.Second)
	if rec.count() != 0 {
		t.Fatalf("removed session still flushed")
	}
	if c.ingest(id, []byte("more")) {
		t.Fatalf("removed session accepted new data")
	}
}
