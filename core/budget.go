package core

import (
	"sort"
	"sync"
	"time"

	"github.com/canopyide/termflow/schema"
)

type contextHold struct {
	since    time.Time
	lastUsed time.Time
}

type gracedHold struct {
	seq    uint64
	handle jobHandle
}

type recoveryState struct {
	seq      uint64
	attempts int
	deferred bool
	handle   jobHandle
}

// contextPool budgets accelerated rendering contexts across sessions.
// Occupancy is recomputed from the live hold set on every decision.
// Released contexts linger through a grace window so a quick re-show
// reclaims them without churn; lost contexts retry on an exponential
// backoff and pin the session unaccelerated once retries run out.
type contextPool struct {
	cfg      schema.BudgetConfig
	clock    Clock
	sched    *scheduler
	sessions func() int
	event    func(schema.ContextEvent)

	mu         sync.Mutex
	seq        uint64
	held       map[schema.SessionID]*contextHold
	graced     map[schema.SessionID]*gracedHold
	recovering map[schema.SessionID]*recoveryState
	pinned     map[schema.SessionID]struct{}
	visible    map[schema.SessionID]bool
}

func newContextPool(cfg schema.BudgetConfig, clock Clock, sched *scheduler, sessions func() int, event func(schema.ContextEvent)) *contextPool {
	return &contextPool{
		cfg:        cfg,
		clock:      clock,
		sched:      sched,
		sessions:   sessions,
		event:      event,
		held:       make(map[schema.SessionID]*contextHold),
		graced:     make(map[schema.SessionID]*gracedHold),
		recovering: make(map[schema.SessionID]*recoveryState),
		pinned:     make(map[schema.SessionID]struct{}),
		visible:    make(map[schema.SessionID]bool),
	}
}

// request grants the session an accelerated context, evicting other
// holders when the budget is full. Granting is idempotent; a session
// still inside its release grace gets its context back untouched.
func (p *contextPool) request(id schema.SessionID) error {
	now := p.clock.Now()
	var events []schema.ContextEvent
	p.mu.Lock()
	err := p.requestLocked(id, now, &events)
	p.mu.Unlock()
	p.deliver(events)
	return err
}

func (p *contextPool) requestLocked(id schema.SessionID, now time.Time, events *[]schema.ContextEvent) error {
	if _, ok := p.pinned[id]; ok {
		return schema.ErrContextPinned
	}
	if h := p.held[id]; h != nil {
		h.lastUsed = now
		return nil
	}
	if g := p.graced[id]; g != nil {
		p.sched.cancel(g.handle)
		delete(p.graced, id)
		p.held[id] = &contextHold{since: now, lastUsed: now}
		return nil
	}
	if !p.grantLocked(id, now, events) {
		return schema.ErrBudgetExhausted
	}
	return nil
}

func (p *contextPool) grantLocked(id schema.SessionID, now time.Time, events *[]schema.ContextEvent) bool {
	budget := p.cfg.EffectiveBudget(p.sessions())
	for len(p.held)+len(p.graced) >= budget {
		if !p.evictOneLocked(id, events) {
			return false
		}
	}
	p.held[id] = &contextHold{since: now, lastUsed: now}
	*events = append(*events, schema.ContextEvent{SessionID: id, Type: schema.ContextEventGranted})
	return true
}

// evictOneLocked frees one slot: expired grace holds first, then hidden
// holders oldest-use first, then visible holders oldest-use first.
func (p *contextPool) evictOneLocked(exclude schema.SessionID, events *[]schema.ContextEvent) bool {
	for gid, g := range p.graced {
		p.sched.cancel(g.handle)
		delete(p.graced, gid)
		*events = append(*events, schema.ContextEvent{SessionID: gid, Type: schema.ContextEventReleased})
		return true
	}
	if victim, ok := p.lruLocked(exclude, false); ok {
		delete(p.held, victim)
		*events = append(*events, schema.ContextEvent{SessionID: victim, Type: schema.ContextEventEvicted})
		return true
	}
	if victim, ok := p.lruLocked(exclude, true); ok {
		delete(p.held, victim)
		*events = append(*events, schema.ContextEvent{SessionID: victim, Type: schema.ContextEventEvicted})
		return true
	}
	return false
}

func (p *contextPool) lruLocked(exclude schema.SessionID, visible bool) (schema.SessionID, bool) {
	type cand struct {
		id       schema.SessionID
		lastUsed time.Time
	}
	var cands []cand
	for hid, h := range p.held {
		if hid == exclude || p.visible[hid] != visible {
			continue
		}
		cands = append(cands, cand{id: hid, lastUsed: h.lastUsed})
	}
	if len(cands) == 0 {
		return "", false
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].lastUsed.Equal(cands[j].lastUsed) {
			return cands[i].lastUsed.Before(cands[j].lastUsed)
		}
		return cands[i].id < cands[j].id
	})
	return cands[0].id, true
}

// touch refreshes the session's eviction recency.
func (p *contextPool) touch(id schema.SessionID) {
	now := p.clock.Now()
	p.mu.Lock()
	if h := p.held[id]; h != nil {
		h.lastUsed = now
	}
	p.mu.Unlock()
}

// release moves the session's context into the grace window. The slot
// stays occupied until the grace expires or an eviction reclaims it.
func (p *contextPool) release(id schema.SessionID) {
	p.mu.Lock()
	if p.held[id] == nil {
		p.mu.Unlock()
		return
	}
	delete(p.held, id)
	p.seq++
	g := &gracedHold{seq: p.seq}
	p.graced[id] = g
	seq := g.seq
	g.handle = p.sched.after(p.cfg.ReleaseGrace, func() { p.onGraceExpire(id, seq) })
	p.mu.Unlock()
}

func (p *contextPool) onGraceExpire(id schema.SessionID, seq uint64) {
	var events []schema.ContextEvent
	p.mu.Lock()
	if g := p.graced[id]; g != nil && g.seq == seq {
		delete(p.graced, id)
		events = append(events, schema.ContextEvent{SessionID: id, Type: schema.ContextEventReleased})
	}
	p.mu.Unlock()
	p.deliver(events)
}

// markLost records a lost context and schedules recovery. Recovery for a
// hidden session stays parked until the session becomes visible again.
func (p *contextPool) markLost(id schema.SessionID) {
	var events []schema.ContextEvent
	p.mu.Lock()
	dropped := false
	if p.held[id] != nil {
		delete(p.held, id)
		dropped = true
	}
	if g := p.graced[id]; g != nil {
		p.sched.cancel(g.handle)
		delete(p.graced, id)
		dropped = true
	}
	if _, pinned := p.pinned[id]; pinned || !dropped {
		p.mu.Unlock()
		return
	}
	events = append(events, schema.ContextEvent{SessionID: id, Type: schema.ContextEventLost})
	p.seq++
	rs := &recoveryState{seq: p.seq}
	p.recovering[id] = rs
	if p.visible[id] {
		seq := rs.seq
		rs.handle = p.sched.after(p.backoff(0), func() { p.onRecovery(id, seq) })
	} else {
		rs.deferred = true
	}
	p.mu.Unlock()
	p.deliver(events)
}

func (p *contextPool) backoff(attempts int) time.Duration {
	d := p.cfg.RecoveryBackoff << uint(attempts)
	if d > p.cfg.RecoveryBackoffMax || d <= 0 {
		d = p.cfg.RecoveryBackoffMax
	}
	return d
}

func (p *contextPool) onRecovery(id schema.SessionID, seq uint64) {
	now := p.clock.Now()
	var events []schema.ContextEvent
	p.mu.Lock()
	rs := p.recovering[id]
	if rs == nil || rs.seq != seq {
		p.mu.Unlock()
		return
	}
	rs.handle = jobHandle{}
	if !p.visible[id] {
		rs.deferred = true
		p.mu.Unlock()
		return
	}
	if p.grantLocked(id, now, &events) {
		delete(p.recovering, id)
		events = append(events, schema.ContextEvent{SessionID: id, Type: schema.ContextEventRecovered, Attempts: rs.attempts})
		p.mu.Unlock()
		p.deliver(events)
		return
	}
	rs.attempts++
	if rs.attempts >= p.cfg.RecoveryRetryMax {
		delete(p.recovering, id)
		p.pinned[id] = struct{}{}
		events = append(events, schema.ContextEvent{SessionID: id, Type: schema.ContextEventPinned, Attempts: rs.attempts})
		p.mu.Unlock()
		p.deliver(events)
		return
	}
	rs.seq = p.nextSeqLocked()
	next := rs.seq
	rs.handle = p.sched.after(p.backoff(rs.attempts), func() { p.onRecovery(id, next) })
	p.mu.Unlock()
	p.deliver(events)
}

func (p *contextPool) nextSeqLocked() uint64 {
	p.seq++
	return p.seq
}

// setVisible records consumer visibility and resumes any parked
// recovery when the session comes back on screen.
func (p *contextPool) setVisible(id schema.SessionID, visible bool) {
	p.mu.Lock()
	p.visible[id] = visible
	if rs := p.recovering[id]; rs != nil && visible && rs.deferred {
		rs.deferred = false
		rs.seq = p.nextSeqLocked()
		seq := rs.seq
		rs.handle = p.sched.after(p.backoff(rs.attempts), func() { p.onRecovery(id, seq) })
	}
	p.mu.Unlock()
}

// removeSession drops every trace of the session, releasing its context
// if one was held. Pin state dies with the session.
func (p *contextPool) removeSession(id schema.SessionID) {
	var events []schema.ContextEvent
	p.mu.Lock()
	hadContext := p.held[id] != nil
	delete(p.held, id)
	if g := p.graced[id]; g != nil {
		p.sched.cancel(g.handle)
		delete(p.graced, id)
		hadContext = true
	}
	if rs := p.recovering[id]; rs != nil {
		p.sched.cancel(rs.handle)
		delete(p.recovering, id)
	}
	delete(p.pinned, id)
	delete(p.visible, id)
	if hadContext {
		events = append(events, schema.ContextEvent{SessionID: id, Type: schema.ContextEventReleased})
	}
	p.mu.Unlock()
	p.deliver(events)
}

// accelerated reports whether the session holds a live context.
func (p *contextPool) accelerated(id schema.SessionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held[id] != nil
}

// recoveringScheduled reports whether a recovery attempt is armed or
// parked for the session.
func (p *contextPool) recoveringScheduled(id schema.SessionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recovering[id] != nil
}

// pinnedOf reports whether the session is pinned unaccelerated.
func (p *contextPool) pinnedOf(id schema.SessionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pinned[id]
	return ok
}

// occupancy reports held plus grace-window contexts.
func (p *contextPool) occupancy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held) + len(p.graced)
}

func (p *contextPool) deliver(events []schema.ContextEvent) {
	if p.event == nil {
		return
	}
	for _, ev := range events {
		p.event(ev)
	}
}
