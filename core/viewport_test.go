package core

import "testing"

func TestViewportAnchorsScrolledView(t *testing.T) {
	v := newViewport(100)
	v.recordOutput([]byte("one\ntwo\nthree\n"))
	if !v.state().AtBottom {
		t.Fatalf("fresh viewport not at bottom")
	}

	v.update(false, 2)
	if st := v.state(); st.AtBottom || st.Offset != 2 {
		t.Fatalf("scroll report not applied: %+v", st)
	}
	// New output below the view pushes the anchor up with it.
	v.recordOutput([]byte("four\nfive\n"))
	if st := v.state(); st.Offset != 4 {
		t.Fatalf("anchored offset = %d, want 4", st.Offset)
	}

	v.update(true, 0)
	if st := v.state(); !st.AtBottom || st.Offset != 0 {
		t.Fatalf("return to bottom not applied: %+v", st)
	}
}

func TestViewportClampsOffset(t *testing.T) {
	v := newViewport(100)
	v.recordOutput([]byte("a\nb\n"))
	v.update(false, 99)
	if v.state().Offset != 2 {
		t.Fatalf("offset not clamped to depth: %d", v.state().Offset)
	}
	v.update(false, -3)
	if v.state().Offset != 0 {
		t.Fatalf("negative offset not clamped: %d", v.state().Offset)
	}
}

func TestViewportLineEstimateCaps(t *testing.T) {
	v := newViewport(10)
	for i := 0; i < 30; i++ {
		v.recordOutput([]byte("line\n"))
	}
	if !v.small(11) {
		t.Fatalf("line estimate exceeded the cap")
	}
	if v.small(10) {
		t.Fatalf("capped estimate should not be under the cap threshold")
	}
}
