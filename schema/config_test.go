package schema

import (
	"strings"
	"testing"
	"time"
)

func TestNormalizePipelineConfigDefaults(t *testing.T) {
	cfg, err := NormalizePipelineConfig(PipelineConfig{})
	if err != nil {
		t.Fatalf("normalize empty config: %v", err)
	}
	if cfg.Coalesce.NormalFlushDelay != DefaultNormalFlushDelay {
		t.Fatalf("normal flush delay: got %v want %v", cfg.Coalesce.NormalFlushDelay, DefaultNormalFlushDelay)
	}
	if cfg.Coalesce.FrameSettleDelay != DefaultFrameSettleDelay {
		t.Fatalf("frame settle delay: got %v want %v", cfg.Coalesce.FrameSettleDelay, DefaultFrameSettleDelay)
	}
	if cfg.Coalesce.FrameQueueDepth != DefaultFrameQueueDepth {
		t.Fatalf("frame queue depth: got %d want %d", cfg.Coalesce.FrameQueueDepth, DefaultFrameQueueDepth)
	}
	if len(cfg.Coalesce.Markers) == 0 {
		t.Fatalf("expected default redraw markers")
	}
	if cfg.Ingest.TickByteBudget != DefaultTickByteBudget {
		t.Fatalf("tick budget: got %d want %d", cfg.Ingest.TickByteBudget, DefaultTickByteBudget)
	}
	if len(cfg.Ingest.IdleBackoff) == 0 {
		t.Fatalf("expected default idle backoff schedule")
	}
	if cfg.Resize.Cell.Width <= 0 || cfg.Resize.Cell.Height <= 0 {
		t.Fatalf("expected default cell metrics, got %+v", cfg.Resize.Cell)
	}
	if cfg.Resize.ScrollbackCap != DefaultScrollbackCap {
		t.Fatalf("scrollback cap: got %d want %d", cfg.Resize.ScrollbackCap, DefaultScrollbackCap)
	}
	if cfg.Tier.DowngradeHysteresis != DefaultTierHysteresis {
		t.Fatalf("hysteresis: got %v want %v", cfg.Tier.DowngradeHysteresis, DefaultTierHysteresis)
	}
	if cfg.Budget.Profile.BaseContexts != ProfileForClass(ProfileStandard).BaseContexts {
		t.Fatalf("expected standard profile, got %+v", cfg.Budget.Profile)
	}
}

func TestNormalizePipelineConfigKeepsExplicitValues(t *testing.T) {
	in := PipelineConfig{}
	in.Coalesce.NormalFlushDelay = 9 * time.Millisecond
	in.Ingest.TickByteBudget = 512 * 1024
	in.Resize.ColumnDebounce = 77 * time.Millisecond
	cfg, err := NormalizePipelineConfig(in)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Coalesce.NormalFlushDelay != 9*time.Millisecond {
		t.Fatalf("explicit flush delay clobbered: %v", cfg.Coalesce.NormalFlushDelay)
	}
	if cfg.Ingest.TickByteBudget != 512*1024 {
		t.Fatalf("explicit tick budget clobbered: %d", cfg.Ingest.TickByteBudget)
	}
	if cfg.Resize.ColumnDebounce != 77*time.Millisecond {
		t.Fatalf("explicit debounce clobbered: %v", cfg.Resize.ColumnDebounce)
	}
}

func TestNormalizePipelineConfigRejectsInvertedDelays(t *testing.T) {
	in := PipelineConfig{}
	in.Coalesce.FrameSettleDelay = 300 * time.Millisecond
	in.Coalesce.FrameMaxDelay = 250 * time.Millisecond
	if _, err := NormalizePipelineConfig(in); err == nil {
		t.Fatalf("expected error for settle >= max")
	}

	in = PipelineConfig{}
	in.Ingest.ReadByteBudget = 1 << 20
	in.Ingest.TickByteBudget = 64 * 1024
	if _, err := NormalizePipelineConfig(in); err == nil {
		t.Fatalf("expected error for read budget above tick budget")
	}

	in = PipelineConfig{}
	in.Budget.Floor = 20
	if _, err := NormalizePipelineConfig(in); err == nil {
		t.Fatalf("expected error for floor above ceiling")
	}
}

func TestEffectiveBudgetScaling(t *testing.T) {
	b := BudgetConfig{
		Profile:            ProfileForClass(ProfileStandard),
		ScaleAfterSessions: DefaultBudgetScaleAfter,
		Floor:              DefaultBudgetFloor,
	}
	cases := []struct {
		sessions int
		want     int
	}{
		{1, 8},
		{8, 8},
		{9, 7},  // 8*8/9
		{16, 4}, // 8*8/16
		{32, 2},
		{64, 2}, // clamped to floor
	}
	for _, tc := range cases {
		if got := b.EffectiveBudget(tc.sessions); got != tc.want {
			t.Fatalf("sessions=%d: got %d want %d", tc.sessions, got, tc.want)
		}
	}
}

func TestEffectiveBudgetCeiling(t *testing.T) {
	b := BudgetConfig{
		Profile:            HostProfile{Class: ProfileHigh, BaseContexts: 32, MaxContexts: 16},
		ScaleAfterSessions: 8,
		Floor:              2,
	}
	if got := b.EffectiveBudget(4); got != 16 {
		t.Fatalf("ceiling clamp: got %d want 16", got)
	}
}

func TestDefaultRedrawMarkersCoverAltScreen(t *testing.T) {
	var enter, exit bool
	for _, m := range DefaultRedrawMarkers() {
		if !strings.HasPrefix(m.Sequence, "\x1b") {
			t.Fatalf("marker %q does not start with ESC", m.Sequence)
		}
		switch m.Kind {
		case MarkerAltEnter:
			enter = true
		case MarkerAltExit:
			exit = true
		}
	}
	if !enter || !exit {
		t.Fatalf("default markers must track the alternate screen: enter=%v exit=%v", enter, exit)
	}
}
