package core

import (
	"testing"

	"github.com/canopyide/termflow/schema"
)

func TestUnseenNotifiesOnlyOnFirstBatch(t *testing.T) {
	u := newUnseenTracker()
	id := schema.SessionID("s1")

	if count, notify := u.record(id, true); count != 0 || notify {
		t.Fatalf("seen batch counted: %d %v", count, notify)
	}
	count, notify := u.record(id, false)
	if count != 1 || !notify {
		t.Fatalf("first unseen batch: count=%d notify=%v", count, notify)
	}
	count, notify = u.record(id, false)
	if count != 2 || notify {
		t.Fatalf("second unseen batch must not notify: count=%d notify=%v", count, notify)
	}
}

func TestUnseenClear(t *testing.T) {
	u := newUnseenTracker()
	id := schema.SessionID("s1")
	if _, changed := u.clear(id); changed {
		t.Fatalf("clear on empty count reported a change")
	}
	u.record(id, false)
	u.record(id, false)
	prev, changed := u.clear(id)
	if prev != 2 || !changed {
		t.Fatalf("clear = %d, %v", prev, changed)
	}
	if u.count(id) != 0 {
		t.Fatalf("count = %d after clear", u.count(id))
	}
}

func TestUnseenSnapshotReferenceStableUntilChange(t *testing.T) {
	u := newUnseenTracker()
	a := u.snapshot()
	if b := u.snapshot(); a != b {
		t.Fatalf("snapshot rebuilt without a change")
	}
	u.record("s1", false)
	c := u.snapshot()
	if c == a {
		t.Fatalf("snapshot not rebuilt after a change")
	}
	if c.Total != 1 || c.Sessions["s1"] != 1 {
		t.Fatalf("snapshot contents: %+v", c)
	}
	if c.Version <= a.Version {
		t.Fatalf("version did not advance: %d -> %d", a.Version, c.Version)
	}
	// Seen batches leave counters, and therefore the snapshot, alone.
	u.record("s1", true)
	if d := u.snapshot(); d != c {
		t.Fatalf("snapshot rebuilt on a seen batch")
	}
}

func TestUnseenRemove(t *testing.T) {
	u := newUnseenTracker()
	u.record("s1", false)
	u.remove("s1")
	if u.count("s1") != 0 {
		t.Fatalf("count survives remove")
	}
	if u.snapshot().Total != 0 {
		t.Fatalf("snapshot total = %d after remove", u.snapshot().Total)
	}
}
