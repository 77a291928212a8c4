package core

import (
	"sync"
	"time"

	"github.com/canopyide/termflow/schema"
)

// resizeRequest carries one pixel-dimension change plus the session
// conditions the coordinator folds into its scheduling decision. A
// zero px with cells set asks for the geometry directly.
type resizeRequest struct {
	id       schema.SessionID
	px       schema.PixelSize
	cells    schema.Geometry
	explicit bool
	visible  bool
	focused  bool
	small    bool
	alt      bool
}

type resizeLock struct {
	until  time.Time
	seq    uint64
	handle jobHandle
}

type resizeState struct {
	cell     schema.CellMetrics
	geometry schema.Geometry
	pixels   schema.PixelSize

	pendingPx  schema.PixelSize
	pendingSeq uint64
	colTimer   jobHandle
	rowTimer   jobHandle
	settle     jobHandle
	idle       jobHandle
	lastRowAt  time.Time

	lock resizeLock
}

// resizeCoordinator schedules geometry changes. Explicit, focused, or
// short-scrollback resizes apply at once; hidden sessions defer to an
// idle slot; visible unfocused sessions debounce column changes and
// throttle row changes; alt-screen sessions get the settled strategy
// where surface and backend change together after a fixed window.
// The apply callback performs the actual surface and backend work and
// must flush and reset any buffered output for the session first.
type resizeCoordinator struct {
	cfg   schema.ResizeConfig
	clock Clock
	sched *scheduler
	apply func(id schema.SessionID, g schema.Geometry, px schema.PixelSize) error

	mu     sync.Mutex
	states map[schema.SessionID]*resizeState
}

func newResizeCoordinator(cfg schema.ResizeConfig, clock Clock, sched *scheduler, apply func(schema.SessionID, schema.Geometry, schema.PixelSize) error) *resizeCoordinator {
	return &resizeCoordinator{
		cfg:    cfg,
		clock:  clock,
		sched:  sched,
		apply:  apply,
		states: make(map[schema.SessionID]*resizeState),
	}
}

// register seeds the session at its starting geometry. A zero cell
// falls back to the coordinator default.
func (c *resizeCoordinator) register(id schema.SessionID, cell schema.CellMetrics, g schema.Geometry) {
	if cell.Width <= 0 || cell.Height <= 0 {
		cell = c.cfg.Cell
	}
	c.mu.Lock()
	c.states[id] = &resizeState{cell: cell, geometry: g, pixels: cell.Pixels(g)}
	c.mu.Unlock()
}

func (c *resizeCoordinator) remove(id schema.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.states[id]
	if s == nil {
		return
	}
	c.cancelTimersLocked(s)
	c.sched.cancel(s.lock.handle)
	delete(c.states, id)
}

// geometryOf reports the last applied geometry.
func (c *resizeCoordinator) geometryOf(id schema.SessionID) (schema.Geometry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.states[id]
	if s == nil {
		return schema.Geometry{}, false
	}
	return s.geometry, true
}

// request decides how to handle one resize. It returns the target
// geometry and the disposition taken. The latest request always wins:
// any previously scheduled resize for the session is replaced.
func (c *resizeCoordinator) request(req resizeRequest) (schema.Geometry, schema.ResizeDisposition, error) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.states[req.id]
	if s == nil {
		return schema.Geometry{}, "", schema.ErrSessionNotFound
	}
	if req.px == (schema.PixelSize{}) && (req.cells.Cols > 0 || req.cells.Rows > 0) {
		req.px = s.cell.Pixels(req.cells)
	}
	target := s.cell.Geometry(req.px)
	if now.Before(s.lock.until) {
		return s.geometry, schema.ResizeSuppressed, nil
	}
	if target.Equal(s.geometry) || req.px.Within(s.pixels, 1) {
		return s.geometry, schema.ResizeNoop, nil
	}
	c.cancelTimersLocked(s)
	s.pendingPx = req.px
	s.pendingSeq++
	seq := s.pendingSeq
	switch {
	case req.alt:
		s.settle = c.sched.after(c.cfg.SettleWindow, func() { c.onPending(req.id, seq) })
		return target, schema.ResizeSettling, nil
	case req.explicit || req.focused || req.small:
		c.applyLocked(req.id, s, req.px, now)
		return s.geometry, schema.ResizeApplied, nil
	case !req.visible:
		s.idle = c.sched.idle(c.cfg.IdleWait, func() { c.onPending(req.id, seq) })
		return target, schema.ResizeDeferred, nil
	case target.Cols != s.geometry.Cols:
		s.colTimer = c.sched.after(c.cfg.ColumnDebounce, func() { c.onPending(req.id, seq) })
		return target, schema.ResizeDebounced, nil
	default:
		if now.Sub(s.lastRowAt) >= c.cfg.RowThrottle {
			c.applyLocked(req.id, s, req.px, now)
			return s.geometry, schema.ResizeApplied, nil
		}
		wait := c.cfg.RowThrottle - now.Sub(s.lastRowAt)
		s.rowTimer = c.sched.after(wait, func() { c.onPending(req.id, seq) })
		return target, schema.ResizeThrottled, nil
	}
}

func (c *resizeCoordinator) onPending(id schema.SessionID, seq uint64) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.states[id]
	if s == nil || s.pendingSeq != seq {
		return
	}
	s.pendingSeq++
	s.colTimer, s.rowTimer, s.settle, s.idle = jobHandle{}, jobHandle{}, jobHandle{}, jobHandle{}
	if now.Before(s.lock.until) {
		return
	}
	c.applyLocked(id, s, s.pendingPx, now)
}

// applyLocked runs the callback and records the new geometry on
// success. A failed apply leaves state untouched; the next natural
// trigger retries.
func (c *resizeCoordinator) applyLocked(id schema.SessionID, s *resizeState, px schema.PixelSize, now time.Time) {
	target := s.cell.Geometry(px)
	if err := c.apply(id, target, px); err != nil {
		return
	}
	if target.Rows != s.geometry.Rows {
		s.lastRowAt = now
	}
	s.geometry = target
	s.pixels = px
}

// lockFor suppresses resize activity for the session until the TTL
// expires. The expiry timer always runs; an unreleased lock cannot
// wedge resizing forever.
func (c *resizeCoordinator) lockFor(id schema.SessionID, ttl time.Duration) (time.Time, error) {
	if ttl <= 0 {
		ttl = c.cfg.LockTTL
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.states[id]
	if s == nil {
		return time.Time{}, schema.ErrSessionNotFound
	}
	c.sched.cancel(s.lock.handle)
	s.lock.seq++
	seq := s.lock.seq
	s.lock.until = now.Add(ttl)
	s.lock.handle = c.sched.after(ttl, func() { c.onLockExpire(id, seq) })
	return s.lock.until, nil
}

// unlock clears an active lock and reports whether one was held.
func (c *resizeCoordinator) unlock(id schema.SessionID) (bool, error) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.states[id]
	if s == nil {
		return false, schema.ErrSessionNotFound
	}
	was := now.Before(s.lock.until)
	c.sched.cancel(s.lock.handle)
	s.lock.handle = jobHandle{}
	s.lock.seq++
	s.lock.until = time.Time{}
	return was, nil
}

func (c *resizeCoordinator) onLockExpire(id schema.SessionID, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.states[id]
	if s == nil || s.lock.seq != seq {
		return
	}
	s.lock.handle = jobHandle{}
	s.lock.until = time.Time{}
}

func (c *resizeCoordinator) cancelTimersLocked(s *resizeState) {
	c.sched.cancel(s.colTimer)
	c.sched.cancel(s.rowTimer)
	c.sched.cancel(s.settle)
	c.sched.cancel(s.idle)
	s.colTimer, s.rowTimer, s.settle, s.idle = jobHandle{}, jobHandle{}, jobHandle{}, jobHandle{}
}
