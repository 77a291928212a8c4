package schema

import "testing"

func TestParseTierRoundTrip(t *testing.T) {
	for _, tier := range []Tier{TierBurst, TierFocused, TierVisible, TierBackground} {
		parsed, err := ParseTier(tier.String())
		if err != nil {
			t.Fatalf("parse %q: %v", tier.String(), err)
		}
		if parsed != tier {
			t.Fatalf("round trip %v: got %v", tier, parsed)
		}
	}
	if _, err := ParseTier("turbo"); err == nil {
		t.Fatalf("expected error for unknown tier name")
	}
	if Tier(17).Valid() {
		t.Fatalf("out-of-range tier reported valid")
	}
}

func TestTierStreamMode(t *testing.T) {
	for _, tier := range []Tier{TierBurst, TierFocused, TierVisible} {
		if tier.StreamMode() != StreamActive {
			t.Fatalf("tier %v: expected active stream mode", tier)
		}
	}
	if TierBackground.StreamMode() != StreamBackground {
		t.Fatalf("background tier must map to background stream mode")
	}
}

func TestCellMetricsGeometry(t *testing.T) {
	m := CellMetrics{Width: 8, Height: 16}
	cases := []struct {
		px   PixelSize
		want Geometry
	}{
		{PixelSize{Width: 800, Height: 480}, Geometry{Cols: 100, Rows: 30}},
		{PixelSize{Width: 807, Height: 495}, Geometry{Cols: 100, Rows: 30}}, // partial cells floor
		{PixelSize{Width: 3, Height: 5}, Geometry{Cols: 1, Rows: 1}},
		{PixelSize{}, Geometry{Cols: 1, Rows: 1}},
	}
	for _, tc := range cases {
		if got := m.Geometry(tc.px); !got.Equal(tc.want) {
			t.Fatalf("%+v: got %+v want %+v", tc.px, got, tc.want)
		}
	}
	if px := m.Pixels(Geometry{Cols: 100, Rows: 30}); px != (PixelSize{Width: 800, Height: 480}) {
		t.Fatalf("pixels round trip: got %+v", px)
	}
}

func TestPixelSizeWithin(t *testing.T) {
	a := PixelSize{Width: 800, Height: 480}
	if !a.Within(PixelSize{Width: 801, Height: 479}, 1) {
		t.Fatalf("one pixel delta should be within tolerance")
	}
	if a.Within(PixelSize{Width: 802, Height: 480}, 1) {
		t.Fatalf("two pixel delta should exceed tolerance")
	}
}

func TestProfileForClass(t *testing.T) {
	high := ProfileForClass(ProfileHigh)
	std := ProfileForClass(ProfileStandard)
	low := ProfileForClass(ProfileConstrained)
	if high.BaseContexts <= std.BaseContexts || std.BaseContexts <= low.BaseContexts {
		t.Fatalf("profiles not ordered: high=%+v std=%+v constrained=%+v", high, std, low)
	}
	if unknown := ProfileForClass("mystery"); unknown.Class != ProfileStandard {
		t.Fatalf("unknown class should fall back to standard, got %+v", unknown)
	}
}
