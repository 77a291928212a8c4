package schema

// SessionID identifies one terminal session.
type SessionID string

// Tier is the rendering eagerness level for a session. Lower values are
// more eager; the ingest and present paths refresh those sessions first.
type Tier int

const (
	// TierBurst marks a session that just received local input.
	TierBurst Tier = iota
	// TierFocused marks the session holding input focus.
	TierFocused
	// TierVisible marks sessions on screen without focus.
	TierVisible
	// TierBackground marks sessions nobody is looking at.
	TierBackground
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierBurst:
		return "burst"
	case TierFocused:
		return "focused"
	case TierVisible:
		return "visible"
	case TierBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	return t >= TierBurst && t <= TierBackground
}

// StreamMode maps the tier onto the backend streaming mode. Everything
// above background streams live.
func (t Tier) StreamMode() StreamMode {
	if t == TierBackground {
		return StreamBackground
	}
	return StreamActive
}

// ParseTier resolves a tier name to its ordinal.
func ParseTier(name string) (Tier, error) {
	switch name {
	case "burst":
		return TierBurst, nil
	case "focused":
		return TierFocused, nil
	case "visible":
		return TierVisible, nil
	case "background":
		return TierBackground, nil
	default:
		return 0, ErrInvalidTier
	}
}

// StreamMode is the backend output streaming mode for a session.
type StreamMode string

const (
	// StreamActive streams output live as it is produced.
	StreamActive StreamMode = "active"
	// StreamBackground accumulates output without streaming it.
	StreamBackground StreamMode = "background"
)

// TransportKind identifies how backend output reaches the ingestor.
type TransportKind string

const (
	// TransportSharedMemory polls mmap ring shards.
	TransportSharedMemory TransportKind = "shm"
	// TransportPush receives already-delivered messages.
	TransportPush TransportKind = "push"
)

// Geometry is a terminal size in character cells.
type Geometry struct {
	Cols int
	Rows int
}

// Equal reports whether two geometries match.
func (g Geometry) Equal(other Geometry) bool {
	return g.Cols == other.Cols && g.Rows == other.Rows
}

// PixelSize is a requested surface size in pixels.
type PixelSize struct {
	Width  int
	Height int
}

// Within reports whether p is within delta pixels of other on both axes.
func (p PixelSize) Within(other PixelSize, delta int) bool {
	return abs(p.Width-other.Width) <= delta && abs(p.Height-other.Height) <= delta
}

// CellMetrics is the pixel footprint of one terminal cell.
type CellMetrics struct {
	Width  int
	Height int
}

// Geometry converts a pixel size into cells, never below 1x1.
func (m CellMetrics) Geometry(px PixelSize) Geometry {
	cols, rows := 1, 1
	if m.Width > 0 {
		cols = px.Width / m.Width
	}
	if m.Height > 0 {
		rows = px.Height / m.Height
	}
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return Geometry{Cols: cols, Rows: rows}
}

// Pixels converts a cell geometry back to the pixel size it occupies.
func (m CellMetrics) Pixels(g Geometry) PixelSize {
	return PixelSize{Width: g.Cols * m.Width, Height: g.Rows * m.Height}
}

// Packet is one framed unit of session output.
type Packet struct {
	SessionID SessionID
	Payload   []byte
}

// ProfileClass buckets host capability for the accelerated context budget.
type ProfileClass string

const (
	// ProfileHigh is a host with ample rendering headroom.
	ProfileHigh ProfileClass = "high"
	// ProfileStandard is the default host class.
	ProfileStandard ProfileClass = "standard"
	// ProfileConstrained is a host where contexts are expensive.
	ProfileConstrained ProfileClass = "constrained"
)

// HostProfile describes host capability used to derive the context budget.
type HostProfile struct {
	Class        ProfileClass `json:"class"`
	BaseContexts int          `json:"base_contexts"`
	MaxContexts  int          `json:"max_contexts"`
}

// ProfileForClass returns the default budget numbers for a class.
func ProfileForClass(class ProfileClass) HostProfile {
	switch class {
	case ProfileHigh:
		return HostProfile{Class: ProfileHigh, BaseContexts: 16, MaxContexts: 16}
	case ProfileConstrained:
		return HostProfile{Class: ProfileConstrained, BaseContexts: 4, MaxContexts: 6}
	default:
		return HostProfile{Class: ProfileStandard, BaseContexts: 8, MaxContexts: 12}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
