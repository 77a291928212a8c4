package schema

import (
	"errors"
	"time"
)

// Coalescer defaults. The flush delays are deliberately aggressive: normal
// output batches just long enough to merge adjacent writes, while frame
// output waits for the producer to finish painting.
const (
	DefaultNormalFlushDelay  = 4 * time.Millisecond
	DefaultNormalByteCap     = 64 * 1024
	DefaultFrameSettleDelay  = 50 * time.Millisecond
	DefaultFrameMaxDelay     = 250 * time.Millisecond
	DefaultMinFrameInterval  = 33 * time.Millisecond
	DefaultRedrawBurstWindow = 100 * time.Millisecond
	DefaultRedrawSafety      = 500 * time.Millisecond
	DefaultInteractiveTTL    = 250 * time.Millisecond
	DefaultInteractiveMax    = 512
	DefaultInteractiveDelay  = 1 * time.Millisecond
	DefaultTrailWindow       = 64
	DefaultCursorHomeWindow  = 16
	DefaultFrameQueueDepth   = 3
)

// Ingest defaults bound worst-case decode latency per tick.
const (
	DefaultTickByteBudget = 256 * 1024
	DefaultReadByteBudget = 64 * 1024
	DefaultRescheduleTick = 2 * time.Millisecond
	DefaultMaxPacketBytes = 1 << 20
)

// Resize defaults.
const (
	DefaultColumnDebounce  = 150 * time.Millisecond
	DefaultRowThrottle     = 250 * time.Millisecond
	DefaultSettleWindow    = 150 * time.Millisecond
	DefaultSmallScrollback = 1000
	DefaultResizeIdleWait  = 400 * time.Millisecond
	DefaultResizeLockTTL   = 2 * time.Second
)

// DefaultScrollbackCap bounds the per-session scrollback line estimate.
const DefaultScrollbackCap = 10000

// Tier and budget defaults.
const (
	DefaultTierHysteresis     = 1 * time.Second
	DefaultWakeTimeout        = 2 * time.Second
	DefaultBudgetScaleAfter   = 8
	DefaultBudgetFloor        = 2
	DefaultReleaseGrace       = 5 * time.Second
	DefaultRecoveryBackoff    = 250 * time.Millisecond
	DefaultRecoveryBackoffMax = 8 * time.Second
	DefaultRecoveryRetryMax   = 5
)

// MarkerKind tells the redraw detector how to treat a matched sequence.
type MarkerKind string

const (
	// MarkerClear is a whole-screen or scrollback clear.
	MarkerClear MarkerKind = "clear"
	// MarkerCursorHome counts only within the early bytes of an entry.
	MarkerCursorHome MarkerKind = "home"
	// MarkerAltEnter switches the session into the alternate screen.
	MarkerAltEnter MarkerKind = "alt-enter"
	// MarkerAltExit leaves the alternate screen.
	MarkerAltExit MarkerKind = "alt-exit"
	// MarkerReset is a full terminal reset.
	MarkerReset MarkerKind = "reset"
	// MarkerRepaint is the erase-line plus cursor-up incremental repaint.
	MarkerRepaint MarkerKind = "repaint"
)

// RedrawMarker is one configured escape sequence the detector scans for.
type RedrawMarker struct {
	Sequence string     `json:"sequence"`
	Kind     MarkerKind `json:"kind"`
}

// DefaultRedrawMarkers returns the marker allowlist tuned against common
// full-screen CLI tools. The list is configuration: false negatives tear,
// false positives only cost a little latency.
func DefaultRedrawMarkers() []RedrawMarker {
	return []RedrawMarker{
		{Sequence: "\x1b[2J", Kind: MarkerClear},
		{Sequence: "\x1b[3J", Kind: MarkerClear},
		{Sequence: "\x1b[H", Kind: MarkerCursorHome},
		{Sequence: "\x1b[?1049h", Kind: MarkerAltEnter},
		{Sequence: "\x1b[?1049l", Kind: MarkerAltExit},
		{Sequence: "\x1bc", Kind: MarkerReset},
		{Sequence: "\x1b[2K\x1b[1A", Kind: MarkerRepaint},
		{Sequence: "\x1b[1A\x1b[2K", Kind: MarkerRepaint},
	}
}

// CoalesceConfig tunes per-session output batching.
type CoalesceConfig struct {
	NormalFlushDelay    time.Duration
	NormalByteCap       int
	FrameSettleDelay    time.Duration
	FrameMaxDelay       time.Duration
	MinFrameInterval    time.Duration
	RedrawBurstWindow   time.Duration
	RedrawSafetyTimeout time.Duration
	InteractiveTTL      time.Duration
	InteractiveByteMax  int
	InteractiveDelay    time.Duration
	TrailWindowBytes    int
	CursorHomeWindow    int
	FrameQueueDepth     int
	Markers             []RedrawMarker
}

// IngestConfig tunes the transport decode loop.
type IngestConfig struct {
	TickByteBudget     int
	ReadByteBudget     int
	RescheduleInterval time.Duration
	IdleBackoff        []time.Duration
	MaxPacketBytes     int
}

// ResizeConfig tunes geometry change pacing.
type ResizeConfig struct {
	Cell            CellMetrics
	ColumnDebounce  time.Duration
	RowThrottle     time.Duration
	SettleWindow    time.Duration
	SmallScrollback int
	ScrollbackCap   int
	IdleWait        time.Duration
	LockTTL         time.Duration
}

// TierConfig tunes tier transitions and wake behavior.
type TierConfig struct {
	DowngradeHysteresis time.Duration
	WakeTimeout         time.Duration
}

// BudgetConfig tunes the accelerated context pool.
type BudgetConfig struct {
	Profile            HostProfile
	ScaleAfterSessions int
	Floor              int
	ReleaseGrace       time.Duration
	RecoveryBackoff    time.Duration
	RecoveryBackoffMax time.Duration
	RecoveryRetryMax   int
}

// PipelineConfig carries every tunable of the streaming pipeline.
type PipelineConfig struct {
	Coalesce CoalesceConfig
	Ingest   IngestConfig
	Resize   ResizeConfig
	Tier     TierConfig
	Budget   BudgetConfig
}

// DefaultIdleBackoff returns the escalating poll intervals used when the
// ring shards stay empty.
func DefaultIdleBackoff() []time.Duration {
	return []time.Duration{
		4 * time.Millisecond,
		8 * time.Millisecond,
		16 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
	}
}

// NormalizePipelineConfig applies defaults and validates the config.
func NormalizePipelineConfig(cfg PipelineConfig) (PipelineConfig, error) {
	c := &cfg.Coalesce
	if c.NormalFlushDelay <= 0 {
		c.NormalFlushDelay = DefaultNormalFlushDelay
	}
	if c.NormalByteCap <= 0 {
		c.NormalByteCap = DefaultNormalByteCap
	}
	if c.FrameSettleDelay <= 0 {
		c.FrameSettleDelay = DefaultFrameSettleDelay
	}
	if c.FrameMaxDelay <= 0 {
		c.FrameMaxDelay = DefaultFrameMaxDelay
	}
	if c.MinFrameInterval <= 0 {
		c.MinFrameInterval = DefaultMinFrameInterval
	}
	if c.RedrawBurstWindow <= 0 {
		c.RedrawBurstWindow = DefaultRedrawBurstWindow
	}
	if c.RedrawSafetyTimeout <= 0 {
		c.RedrawSafetyTimeout = DefaultRedrawSafety
	}
	if c.InteractiveTTL <= 0 {
		c.InteractiveTTL = DefaultInteractiveTTL
	}
	if c.InteractiveByteMax <= 0 {
		c.InteractiveByteMax = DefaultInteractiveMax
	}
	if c.InteractiveDelay <= 0 {
		c.InteractiveDelay = DefaultInteractiveDelay
	}
	if c.TrailWindowBytes <= 0 {
		c.TrailWindowBytes = DefaultTrailWindow
	}
	if c.CursorHomeWindow <= 0 {
		c.CursorHomeWindow = DefaultCursorHomeWindow
	}
	if c.FrameQueueDepth <= 0 {
		c.FrameQueueDepth = DefaultFrameQueueDepth
	}
	if len(c.Markers) == 0 {
		c.Markers = DefaultRedrawMarkers()
	}
	if c.FrameSettleDelay >= c.FrameMaxDelay {
		return PipelineConfig{}, errors.New("frame settle delay must be below the frame max delay")
	}

	i := &cfg.Ingest
	if i.TickByteBudget <= 0 {
		i.TickByteBudget = DefaultTickByteBudget
	}
	if i.ReadByteBudget <= 0 {
		i.ReadByteBudget = DefaultReadByteBudget
	}
	if i.RescheduleInterval <= 0 {
		i.RescheduleInterval = DefaultRescheduleTick
	}
	if len(i.IdleBackoff) == 0 {
		i.IdleBackoff = DefaultIdleBackoff()
	}
	if i.MaxPacketBytes <= 0 {
		i.MaxPacketBytes = DefaultMaxPacketBytes
	}
	if i.ReadByteBudget > i.TickByteBudget {
		return PipelineConfig{}, errors.New("per-read byte budget must not exceed the per-tick budget")
	}

	r := &cfg.Resize
	if r.Cell.Width <= 0 {
		r.Cell.Width = 8
	}
	if r.Cell.Height <= 0 {
		r.Cell.Height = 16
	}
	if r.ColumnDebounce <= 0 {
		r.ColumnDebounce = DefaultColumnDebounce
	}
	if r.RowThrottle <= 0 {
		r.RowThrottle = DefaultRowThrottle
	}
	if r.SettleWindow <= 0 {
		r.SettleWindow = DefaultSettleWindow
	}
	if r.SmallScrollback <= 0 {
		r.SmallScrollback = DefaultSmallScrollback
	}
	if r.ScrollbackCap <= 0 {
		r.ScrollbackCap = DefaultScrollbackCap
	}
	if r.IdleWait <= 0 {
		r.IdleWait = DefaultResizeIdleWait
	}
	if r.LockTTL <= 0 {
		r.LockTTL = DefaultResizeLockTTL
	}

	t := &cfg.Tier
	if t.DowngradeHysteresis <= 0 {
		t.DowngradeHysteresis = DefaultTierHysteresis
	}
	if t.WakeTimeout <= 0 {
		t.WakeTimeout = DefaultWakeTimeout
	}

	b := &cfg.Budget
	if b.Profile.BaseContexts <= 0 || b.Profile.MaxContexts <= 0 {
		b.Profile = ProfileForClass(b.Profile.Class)
	}
	if b.ScaleAfterSessions <= 0 {
		b.ScaleAfterSessions = DefaultBudgetScaleAfter
	}
	if b.Floor <= 0 {
		b.Floor = DefaultBudgetFloor
	}
	if b.ReleaseGrace <= 0 {
		b.ReleaseGrace = DefaultReleaseGrace
	}
	if b.RecoveryBackoff <= 0 {
		b.RecoveryBackoff = DefaultRecoveryBackoff
	}
	if b.RecoveryBackoffMax <= 0 {
		b.RecoveryBackoffMax = DefaultRecoveryBackoffMax
	}
	if b.RecoveryRetryMax <= 0 {
		b.RecoveryRetryMax = DefaultRecoveryRetryMax
	}
	if b.Floor > b.Profile.MaxContexts {
		return PipelineConfig{}, errors.New("budget floor must not exceed the profile ceiling")
	}
	return cfg, nil
}

// EffectiveBudget derives the context budget for the current session count:
// the profile baseline until the scale threshold, then divided down with the
// configured floor and the profile ceiling as hard bounds.
func (b BudgetConfig) EffectiveBudget(sessions int) int {
	budget := b.Profile.BaseContexts
	if sessions > b.ScaleAfterSessions && sessions > 0 {
		budget = b.Profile.BaseContexts * b.ScaleAfterSessions / sessions
	}
	if budget > b.Profile.MaxContexts {
		budget = b.Profile.MaxContexts
	}
	if budget < b.Floor {
		budget = b.Floor
	}
	return budget
}
