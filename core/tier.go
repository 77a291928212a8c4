package core

import (
	"sync"

	"github.com/canopyide/termflow/schema"
)

// tierCommit describes one applied tier change. Mode fields are set when
// the backend streaming mode flips with it; Wake is true when the
// session returns to active streaming and is owed exactly one wake.
type tierCommit struct {
	id          schema.SessionID
	previous    schema.Tier
	tier        schema.Tier
	deferred    bool
	modeChanged bool
	mode        schema.StreamMode
	wake        bool
}

type tierState struct {
	tier       schema.Tier
	mode       schema.StreamMode
	pending    jobHandle
	pendingTo  schema.Tier
	pendingSeq uint64
	needsWake  bool
}

// tierPolicy applies tier changes with downgrade hysteresis. Upgrades
// commit immediately and cancel any pending downgrade; downgrades wait
// out the hysteresis window and commit only if still the latest request.
type tierPolicy struct {
	cfg    schema.TierConfig
	sched  *scheduler
	commit func(tierCommit)

	mu     sync.Mutex
	states map[schema.SessionID]*tierState
}

func newTierPolicy(cfg schema.TierConfig, sched *scheduler, commit func(tierCommit)) *tierPolicy {
	return &tierPolicy{
		cfg:    cfg,
		sched:  sched,
		commit: commit,
		states: make(map[schema.SessionID]*tierState),
	}
}

// register seeds the session at its starting tier with the matching
// streaming mode already in effect.
func (p *tierPolicy) register(id schema.SessionID, tier schema.Tier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[id] = &tierState{tier: tier, mode: tier.StreamMode()}
}

func (p *tierPolicy) remove(id schema.SessionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		return
	}
	p.sched.cancel(st.pending)
	delete(p.states, id)
}

// tierOf reports the session's committed tier.
func (p *tierPolicy) tierOf(id schema.SessionID) (schema.Tier, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		return 0, false
	}
	return st.tier, true
}

// apply requests a tier change. It returns the tier in effect after the
// call and whether a downgrade is still pending. Re-asserting the
// current tier cancels any pending downgrade.
func (p *tierPolicy) apply(id schema.SessionID, tier schema.Tier) (schema.Tier, bool, error) {
	p.mu.Lock()
	st := p.states[id]
	if st == nil {
		p.mu.Unlock()
		return 0, false, schema.ErrSessionNotFound
	}
	if tier == st.tier {
		p.cancelPendingLocked(st)
		p.mu.Unlock()
		return tier, false, nil
	}
	if tier < st.tier {
		p.cancelPendingLocked(st)
		commit := p.commitLocked(id, st, tier, false)
		p.mu.Unlock()
		p.commit(commit)
		return tier, false, nil
	}
	p.cancelPendingLocked(st)
	st.pendingSeq++
	st.pendingTo = tier
	seq := st.pendingSeq
	st.pending = p.sched.after(p.cfg.DowngradeHysteresis, func() { p.onHysteresis(id, seq) })
	current := st.tier
	p.mu.Unlock()
	return current, true, nil
}

func (p *tierPolicy) onHysteresis(id schema.SessionID, seq uint64) {
	p.mu.Lock()
	st := p.states[id]
	if st == nil || st.pendingSeq != seq {
		p.mu.Unlock()
		return
	}
	st.pending = jobHandle{}
	commit := p.commitLocked(id, st, st.pendingTo, true)
	p.mu.Unlock()
	p.commit(commit)
}

func (p *tierPolicy) cancelPendingLocked(st *tierState) {
	p.sched.cancel(st.pending)
	st.pending = jobHandle{}
	st.pendingSeq++
}

func (p *tierPolicy) commitLocked(id schema.SessionID, st *tierState, tier schema.Tier, deferred bool) tierCommit {
	commit := tierCommit{id: id, previous: st.tier, tier: tier, deferred: deferred}
	st.tier = tier
	if mode := tier.StreamMode(); mode != st.mode {
		st.mode = mode
		commit.modeChanged = true
		commit.mode = mode
		if mode == schema.StreamBackground {
			st.needsWake = true
		} else if st.needsWake {
			st.needsWake = false
			commit.wake = true
		}
	}
	return commit
}

// wakeFailed restores the wake debt after a failed wake so the next
// return to active streaming tries again.
func (p *tierPolicy) wakeFailed(id schema.SessionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st := p.states[id]; st != nil {
		st.needsWake = true
	}
}

// wakeOwed reports whether the session still owes a wake.
func (p *tierPolicy) wakeOwed(id schema.SessionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	return st != nil && st.needsWake
}
