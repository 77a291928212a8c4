package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/canopyide/termflow/schema"
)

type commitRecorder struct {
	mu      sync.Mutex
	commits []tierCommit
}

func (r *commitRecorder) record(c tierCommit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, c)
}

func (r *commitRecorder) all() []tierCommit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tierCommit(nil), r.commits...)
}

func newTestTierPolicy(t *testing.T) (*tierPolicy, *fakeClock, *commitRecorder) {
	t.Helper()
	clock := newFakeClock()
	rec := &commitRecorder{}
	cfg := schema.TierConfig{DowngradeHysteresis: time.Second, WakeTimeout: 2 * time.Second}
	return newTierPolicy(cfg, newScheduler(clock), rec.record), clock, rec
}

func TestTierUpgradeCommitsImmediately(t *testing.T) {
	p, _, rec := newTestTierPolicy(t)
	id := schema.SessionID("s1")
	p.register(id, schema.TierVisible)

	applied, pending, err := p.apply(id, schema.TierFocused)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != schema.TierFocused || pending {
		t.Fatalf("applied=%v pending=%v", applied, pending)
	}
	commits := rec.all()
	if len(commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(commits))
	}
	c := commits[0]
	if c.previous != schema.TierVisible || c.tier != schema.TierFocused || c.deferred {
		t.Fatalf("commit = %+v", c)
	}
	if c.modeChanged {
		t.Fatalf("visible to focused must not flip the stream mode")
	}
}

func TestTierDowngradeWaitsOutHysteresis(t *testing.T) {
	p, clock, rec := newTestTierPolicy(t)
	id := schema.SessionID("s1")
	p.register(id, schema.TierVisible)

	applied, pending, err := p.apply(id, schema.TierBackground)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != schema.TierVisible || !pending {
		t.Fatalf("downgrade applied synchronously: applied=%v pending=%v", applied, pending)
	}
	clock.advance(999 * time.Millisecond)
	if len(rec.all()) != 0 {
		t.Fatalf("downgrade committed before hysteresis elapsed")
	}
	clock.advance(time.Millisecond)

	commits := rec.all()
	if len(commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(commits))
	}
	c := commits[0]
	if c.tier != schema.TierBackground || !c.deferred || !c.modeChanged || c.mode != schema.StreamBackground {
		t.Fatalf("commit = %+v", c)
	}
	if !p.wakeOwed(id) {
		t.Fatalf("background session must owe a wake")
	}
	if tier, _ := p.tierOf(id); tier != schema.TierBackground {
		t.Fatalf("tierOf = %v", tier)
	}
}

func TestTierReassertCancelsPendingDowngrade(t *testing.T) {
	p, clock, rec := newTestTierPolicy(t)
	id := schema.SessionID("s1")
	p.register(id, schema.TierVisible)

	p.apply(id, schema.TierBackground)
	if applied, pending, _ := p.apply(id, schema.TierVisible); applied != schema.TierVisible || pending {
		t.Fatalf("re-assert did not cancel: applied=%v pending=%v", applied, pending)
	}
	clock.advance(5 * time.Second)
	if len(rec.all()) != 0 {
		t.Fatalf("canceled downgrade still committed")
	}
}

func TestTierUpgradeCancelsPendingDowngrade(t *testing.T) {
	p, clock, rec := newTestTierPolicy(t)
	id := schema.SessionID("s1")
	p.register(id, schema.TierVisible)

	p.apply(id, schema.TierBackground)
	p.apply(id, schema.TierBurst)
	clock.advance(5 * time.Second)

	commits := rec.all()
	if len(commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(commits))
	}
	if commits[0].tier != schema.TierBurst {
		t.Fatalf("commit tier = %v, want burst", commits[0].tier)
	}
}

func TestTierLatestDowngradeWins(t *testing.T) {
	p, clock, rec := newTestTierPolicy(t)
	id := schema.SessionID("s1")
	p.register(id, schema.TierBurst)

	p.apply(id, schema.TierVisible)
	clock.advance(500 * time.Millisecond)
	p.apply(id, schema.TierBackground)
	clock.advance(500 * time.Millisecond)
	if len(rec.all()) != 0 {
		t.Fatalf("superseded downgrade committed")
	}
	clock.advance(500 * time.Millisecond)

	commits := rec.all()
	if len(commits) != 1 || commits[0].tier != schema.TierBackground {
		t.Fatalf("commits = %+v", commits)
	}
}

func TestTierWakeConsumedOnceOnReturnToActive(t *testing.T) {
	p, clock, rec := newTestTierPolicy(t)
	id := schema.SessionID("s1")
	p.register(id, schema.TierVisible)

	p.apply(id, schema.TierBackground)
	clock.advance(time.Second)
	p.apply(id, schema.TierFocused)

	commits := rec.all()
	if len(commits) != 2 {
		t.Fatalf("commits = %d, want 2", len(commits))
	}
	back := commits[1]
	if !back.modeChanged || back.mode != schema.StreamActive || !back.wake {
		t.Fatalf("return to active = %+v", back)
	}
	if p.wakeOwed(id) {
		t.Fatalf("wake debt not consumed")
	}

	// Further upgrades within active mode owe nothing.
	p.apply(id, schema.TierBurst)
	commits = rec.all()
	if last := commits[len(commits)-1]; last.wake || last.modeChanged {
		t.Fatalf("active upgrade = %+v", last)
	}
}

func TestTierWakeFailureRestoresDebt(t *testing.T) {
	p, clock, rec := newTestTierPolicy(t)
	id := schema.SessionID("s1")
	p.register(id, schema.TierVisible)

	p.apply(id, schema.TierBackground)
	clock.advance(time.Second)
	p.apply(id, schema.TierVisible)
	if p.wakeOwed(id) {
		t.Fatalf("wake debt should be consumed by the upgrade")
	}
	p.wakeFailed(id)
	if !p.wakeOwed(id) {
		t.Fatalf("failed wake did not restore the debt")
	}

	// The next round trip through background owes exactly one wake again.
	p.apply(id, schema.TierBackground)
	clock.advance(time.Second)
	p.apply(id, schema.TierVisible)
	commits := rec.all()
	if last := commits[len(commits)-1]; !last.wake {
		t.Fatalf("restored debt not consumed: %+v", last)
	}
}

func TestTierRemoveCancelsPending(t *testing.T) {
	p, clock, rec := newTestTierPolicy(t)
	id := schema.SessionID("s1")
	p.register(id, schema.TierVisible)

	p.apply(id, schema.TierBackground)
	p.remove(id)
	clock.advance(5 * time.Second)
	if len(rec.all()) != 0 {
		t.Fatalf("removed session still committed")
	}
	if _, _, err := p.apply(id, schema.TierBurst); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("apply after remove: %v", err)
	}
}
