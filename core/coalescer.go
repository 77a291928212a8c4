package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/canopyide/termflow/schema"
)

// EmitFunc receives every presented batch. The coalescer never touches a
// rendering surface itself; the service decides where emitted bytes go.
type EmitFunc func(sessionID schema.SessionID, kind schema.OutputKind, data []byte)

type flushMode uint8

const (
	modeNormal flushMode = iota
	modeFrame
)

// bufferEntry holds unflushed chunks for one session. An entry exists
// only while data is pending; every flush deletes it.
type bufferEntry struct {
	gen     uint64
	buf     []byte
	mode    flushMode
	fast    bool
	firstAt time.Time
	lastAt  time.Time

	normalFlush jobHandle
	settle      jobHandle
	deadline    jobHandle
}

// coalesceSession is per-session coalescing state that outlives
// individual buffer entries.
type coalesceSession struct {
	id       schema.SessionID
	entry    *bufferEntry
	entryGen uint64

	queue   *frameQueue
	present jobHandle
	safety  jobHandle

	lastRedrawAt      time.Time
	flushOnRedrawOnly bool
	interactiveUntil  time.Time
	direct            bool
	alt               bool
}

type emission struct {
	id   schema.SessionID
	kind schema.OutputKind
	data []byte
}

// coalescer batches terminal output per session. Ordinary output flushes
// after a short delay or a byte cap; output classified as a full-screen
// repaint settles into frames that pass through a bounded queue and
// present no faster than the minimum frame interval. All waits are
// scheduled callbacks; nothing blocks.
type coalescer struct {
	cfg      schema.CoalesceConfig
	clock    Clock
	sched    *scheduler
	detector RedrawDetector
	emit     EmitFunc
	log      pslog.Logger

	mu       sync.Mutex
	emitMu   sync.Mutex
	sessions map[schema.SessionID]*coalesceSession
	redraws  uint64
	folds    uint64
}

func newCoalescer(cfg schema.CoalesceConfig, clock Clock, sched *scheduler, detector RedrawDetector, emit EmitFunc, logger pslog.Logger) *coalescer {
	if detector == nil {
		detector = newMarkerDetector(cfg.Markers, cfg.CursorHomeWindow)
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &coalescer{
		cfg:      cfg,
		clock:    clock,
		sched:    sched,
		detector: detector,
		emit:     emit,
		log:      logger,
		sessions: make(map[schema.SessionID]*coalesceSession),
	}
}

// track registers a session. Chunks for untracked sessions are
// rejected so a packet racing teardown cannot resurrect state.
func (c *coalescer) track(id schema.SessionID) {
	c.mu.Lock()
	if c.sessions[id] == nil {
		c.sessions[id] = &coalesceSession{id: id, queue: newFrameQueue(c.cfg.FrameQueueDepth)}
	}
	c.mu.Unlock()
}

// ingest feeds one decoded chunk into the session's state machine. It
// reports whether the chunk was accepted.
func (c *coalescer) ingest(id schema.SessionID, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	now := c.clock.Now()
	c.mu.Lock()
	s := c.sessions[id]
	if s == nil {
		c.mu.Unlock()
		return false
	}

	var carry []byte
	entryLen := 0
	if s.entry != nil {
		carry = s.entry.buf
		entryLen = len(s.entry.buf)
		if len(carry) > c.cfg.TrailWindowBytes {
			carry = carry[len(carry)-c.cfg.TrailWindowBytes:]
		}
	}
	sig := c.detector.Scan(carry, entryLen, data)
	switch sig.Alt {
	case AltEntered:
		s.alt = true
	case AltLeft:
		s.alt = false
	}
	if sig.Redraws > 0 {
		c.redraws += uint64(sig.Redraws)
	}

	fresh := s.entry == nil
	if fresh {
		s.entryGen++
		s.entry = &bufferEntry{gen: s.entryGen, firstAt: now}
	}
	e := s.entry
	e.buf = append(e.buf, data...)
	e.lastAt = now

	var out []emission
	switch {
	case now.Before(s.interactiveUntil):
		out = c.ingestInteractive(s, len(data), out)
	case sig.Redraws > 0 && !s.direct && !s.alt:
		out = c.ingestRedraw(s, sig, now, out)
	case e.mode == modeFrame:
		if !s.flushOnRedrawOnly {
			c.armSettle(s, c.cfg.FrameSettleDelay)
		}
	default:
		out = c.ingestNormal(s, fresh, out)
	}
	c.unlockAndDeliver(out)
	return true
}

// ingestInteractive runs the fast lane: small chunks flush the whole
// pending buffer immediately, oversized ones at the shortest delay.
func (c *coalescer) ingestInteractive(s *coalesceSession, chunkLen int, out []emission) []emission {
	if chunkLen <= c.cfg.InteractiveByteMax {
		return c.flushInteractive(s, out)
	}
	e := s.entry
	e.fast = true
	c.cancelEntry(e)
	gen := e.gen
	e.normalFlush = c.sched.after(c.cfg.InteractiveDelay, func() { c.onNormalFlush(s.id, gen) })
	return out
}

// ingestRedraw handles a chunk carrying at least one repaint marker.
func (c *coalescer) ingestRedraw(s *coalesceSession, sig RedrawSignal, now time.Time, out []emission) []emission {
	burst := !s.lastRedrawAt.IsZero() && now.Sub(s.lastRedrawAt) <= c.cfg.RedrawBurstWindow
	s.lastRedrawAt = now

	e := s.entry
	if e.mode == modeNormal {
		e.mode = modeFrame
		c.sched.cancel(e.normalFlush)
		e.normalFlush = jobHandle{}
		gen := e.gen
		e.deadline = c.sched.after(c.cfg.FrameMaxDelay, func() { c.onDeadline(s.id, gen) })
	}
	if burst && !s.flushOnRedrawOnly {
		s.flushOnRedrawOnly = true
		c.log.Trace("coalescer redraw cadence", "session", s.id)
	}
	if s.flushOnRedrawOnly {
		c.sched.cancel(s.safety)
		s.safety = c.sched.after(c.cfg.RedrawSafetyTimeout, func() { c.onSafety(s.id) })
	}

	// A redraw arriving before the minimum frame interval has elapsed
	// since the last presented frame collapses into the pending buffer,
	// and the settle window stretches so the next paint lands on cadence.
	if last := s.queue.lastPresented; !last.IsZero() {
		if wait := last.Add(c.cfg.MinFrameInterval).Sub(now); wait > 0 {
			if wait < c.cfg.FrameSettleDelay {
				wait = c.cfg.FrameSettleDelay
			}
			c.armSettle(s, wait)
			return out
		}
	}
	if s.flushOnRedrawOnly {
		if sig.First > 0 && sig.First < len(e.buf) {
			return c.splitAtMarker(s, sig.First, now, out)
		}
		// Settle flushes stay suppressed; the safety timer bounds the wait.
		c.sched.cancel(e.settle)
		e.settle = jobHandle{}
		return out
	}
	c.armSettle(s, c.cfg.FrameSettleDelay)
	return out
}

func (c *coalescer) ingestNormal(s *coalesceSession, fresh bool, out []emission) []emission {
	e := s.entry
	if len(e.buf) >= c.cfg.NormalByteCap {
		return c.flushNormal(s, out)
	}
	if fresh {
		gen := e.gen
		e.normalFlush = c.sched.after(c.cfg.NormalFlushDelay, func() { c.onNormalFlush(s.id, gen) })
	}
	return out
}

// splitAtMarker flushes the bytes before a repaint marker as one complete
// frame and restarts the entry with the marker and everything after it.
func (c *coalescer) splitAtMarker(s *coalesceSession, at int, now time.Time, out []emission) []emission {
	e := s.entry
	frame := e.buf[:at:at]
	rest := append([]byte(nil), e.buf[at:]...)
	c.cancelEntry(e)
	s.entryGen++
	s.entry = &bufferEntry{gen: s.entryGen, buf: rest, mode: modeFrame, firstAt: now, lastAt: now}
	gen := s.entryGen
	s.entry.deadline = c.sched.after(c.cfg.FrameMaxDelay, func() { c.onDeadline(s.id, gen) })
	return c.enqueueFrame(s, frame, now, out)
}

func (c *coalescer) armSettle(s *coalesceSession, d time.Duration) {
	e := s.entry
	if e == nil {
		return
	}
	c.sched.cancel(e.settle)
	gen := e.gen
	e.settle = c.sched.after(d, func() { c.onSettle(s.id, gen) })
}

// markInteractive opens the fast lane for the session's TTL.
func (c *coalescer) markInteractive(id schema.SessionID) {
	now := c.clock.Now()
	c.mu.Lock()
	if s := c.sessions[id]; s != nil {
		s.interactiveUntil = now.Add(c.cfg.InteractiveTTL)
	}
	c.mu.Unlock()
}

// setDirect toggles the per-session frame-batching bypass.
func (c *coalescer) setDirect(id schema.SessionID, direct bool) {
	c.mu.Lock()
	if s := c.sessions[id]; s != nil {
		s.direct = direct
	}
	c.mu.Unlock()
}

// altActive reports whether the session is on the alternate screen.
func (c *coalescer) altActive(id schema.SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[id]
	return s != nil && s.alt
}

// directActive reports whether the user-level bypass is set.
func (c *coalescer) directActive(id schema.SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[id]
	return s != nil && s.direct
}

// pendingBytes reports buffered plus queued bytes for the session.
func (c *coalescer) pendingBytes(id schema.SessionID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[id]
	if s == nil {
		return 0
	}
	total := s.queue.bytes()
	if s.entry != nil {
		total += len(s.entry.buf)
	}
	return total
}

// counters reports redraw detections and queue fold evictions.
func (c *coalescer) counters() (redraws, folds uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redraws, c.folds
}

// reset cancels the session's timers and discards buffered and queued
// bytes without flushing them. It returns the discarded byte count so
// the caller can acknowledge those bytes as consumed. Alt-screen and
// direct flags survive a reset.
func (c *coalescer) reset(id schema.SessionID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[id]
	if s == nil {
		return 0
	}
	return c.resetLocked(s)
}

func (c *coalescer) resetLocked(s *coalesceSession) int {
	discarded := 0
	if s.entry != nil {
		discarded += len(s.entry.buf)
		c.cancelEntry(s.entry)
		s.entry = nil
	}
	s.entryGen++
	discarded += s.queue.clear()
	c.sched.cancel(s.present)
	c.sched.cancel(s.safety)
	s.present, s.safety = jobHandle{}, jobHandle{}
	s.flushOnRedrawOnly = false
	s.lastRedrawAt = time.Time{}
	return discarded
}

// remove tears the session down entirely and reports discarded bytes.
func (c *coalescer) remove(id schema.SessionID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[id]
	if s == nil {
		return 0
	}
	discarded := c.resetLocked(s)
	delete(c.sessions, id)
	return discarded
}

func (c *coalescer) cancelEntry(e *bufferEntry) {
	c.sched.cancel(e.normalFlush)
	c.sched.cancel(e.settle)
	c.sched.cancel(e.deadline)
	e.normalFlush, e.settle, e.deadline = jobHandle{}, jobHandle{}, jobHandle{}
}

// flushNormal emits the entry directly, or routes it through the frame
// queue when frames are still pending so bytes present in arrival order.
func (c *coalescer) flushNormal(s *coalesceSession, out []emission) []emission {
	e := s.entry
	if e == nil {
		return out
	}
	c.cancelEntry(e)
	s.entry = nil
	if len(e.buf) == 0 {
		return out
	}
	if s.queue.count() > 0 || s.present.valid() {
		return c.enqueueFrame(s, e.buf, c.clock.Now(), out)
	}
	kind := schema.OutputNormal
	if s.direct || s.alt {
		kind = schema.OutputDirect
	}
	return append(out, emission{id: s.id, kind: kind, data: e.buf})
}

// flushInteractive drains queued frames into the batch first so bytes
// keep arrival order, then emits everything immediately.
func (c *coalescer) flushInteractive(s *coalesceSession, out []emission) []emission {
	e := s.entry
	if e == nil {
		return out
	}
	c.cancelEntry(e)
	s.entry = nil
	var blob []byte
	for {
		frame, ok := s.queue.pop()
		if !ok {
			break
		}
		blob = append(blob, frame...)
	}
	c.sched.cancel(s.present)
	s.present = jobHandle{}
	blob = append(blob, e.buf...)
	if len(blob) == 0 {
		return out
	}
	s.queue.lastPresented = c.clock.Now()
	return append(out, emission{id: s.id, kind: schema.OutputInteractive, data: blob})
}

// flushFrame completes the entry as one settled frame.
func (c *coalescer) flushFrame(s *coalesceSession, now time.Time, out []emission) []emission {
	e := s.entry
	if e == nil {
		return out
	}
	c.cancelEntry(e)
	s.entry = nil
	if len(e.buf) == 0 {
		return out
	}
	return c.enqueueFrame(s, e.buf, now, out)
}

func (c *coalescer) enqueueFrame(s *coalesceSession, frame []byte, now time.Time, out []emission) []emission {
	if len(frame) == 0 {
		return out
	}
	if s.queue.push(frame) {
		c.folds++
		c.log.Trace("coalescer frame folded", "session", s.id, "queued", s.queue.count())
	}
	return c.schedulePresent(s, now, out)
}

func (c *coalescer) schedulePresent(s *coalesceSession, now time.Time, out []emission) []emission {
	if s.present.valid() {
		return out
	}
	last := s.queue.lastPresented
	if last.IsZero() || !now.Before(last.Add(c.cfg.MinFrameInterval)) {
		return c.presentNow(s, now, out)
	}
	wait := last.Add(c.cfg.MinFrameInterval).Sub(now)
	s.present = c.sched.after(wait, func() { c.onPresent(s.id) })
	return out
}

func (c *coalescer) presentNow(s *coalesceSession, now time.Time, out []emission) []emission {
	frame, ok := s.queue.pop()
	if !ok {
		return out
	}
	s.queue.lastPresented = now
	out = append(out, emission{id: s.id, kind: schema.OutputFrame, data: frame})
	if s.queue.count() > 0 {
		s.present = c.sched.after(c.cfg.MinFrameInterval, func() { c.onPresent(s.id) })
	}
	return out
}

func (c *coalescer) onNormalFlush(id schema.SessionID, gen uint64) {
	c.mu.Lock()
	var out []emission
	if s := c.sessions[id]; s != nil && s.entry != nil && s.entry.gen == gen {
		if s.entry.fast {
			out = c.flushInteractive(s, out)
		} else {
			out = c.flushNormal(s, out)
		}
	}
	c.unlockAndDeliver(out)
}

func (c *coalescer) onSettle(id schema.SessionID, gen uint64) {
	now := c.clock.Now()
	c.mu.Lock()
	var out []emission
	if s := c.sessions[id]; s != nil && s.entry != nil && s.entry.gen == gen {
		out = c.flushFrame(s, now, out)
	}
	c.unlockAndDeliver(out)
}

func (c *coalescer) onDeadline(id schema.SessionID, gen uint64) {
	now := c.clock.Now()
	c.mu.Lock()
	var out []emission
	if s := c.sessions[id]; s != nil && s.entry != nil && s.entry.gen == gen {
		c.log.Trace("coalescer frame deadline", "session", id, "bytes", len(s.entry.buf))
		out = c.flushFrame(s, now, out)
	}
	c.unlockAndDeliver(out)
}

func (c *coalescer) onSafety(id schema.SessionID) {
	now := c.clock.Now()
	c.mu.Lock()
	var out []emission
	if s := c.sessions[id]; s != nil {
		s.safety = jobHandle{}
		if s.flushOnRedrawOnly {
			s.flushOnRedrawOnly = false
			out = c.flushFrame(s, now, out)
		}
	}
	c.unlockAndDeliver(out)
}

func (c *coalescer) onPresent(id schema.SessionID) {
	now := c.clock.Now()
	c.mu.Lock()
	var out []emission
	if s := c.sessions[id]; s != nil {
		s.present = jobHandle{}
		last := s.queue.lastPresented
		if !last.IsZero() && now.Before(last.Add(c.cfg.MinFrameInterval)) {
			// Stale early fire after a reset; push back to cadence.
			s.present = c.sched.after(last.Add(c.cfg.MinFrameInterval).Sub(now), func() { c.onPresent(id) })
		} else {
			out = c.presentNow(s, now, out)
		}
	}
	c.unlockAndDeliver(out)
}

// unlockAndDeliver releases the state lock and invokes the emit callback
// for each collected batch. A second mutex taken before the unlock keeps
// concurrent flushes delivering in the order their state changes landed.
func (c *coalescer) unlockAndDeliver(out []emission) {
	if len(out) == 0 || c.emit == nil {
		c.mu.Unlock()
		return
	}
	c.emitMu.Lock()
	c.mu.Unlock()
	for _, em := range out {
		c.emit(em.id, em.kind, em.data)
	}
	c.emitMu.Unlock()
}
