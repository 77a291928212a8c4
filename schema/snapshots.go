package schema

import "time"

// SessionStatus describes the current state of a streamed session.
type SessionStatus string

const (
	// SessionStatusRunning indicates the backend process is live.
	SessionStatusRunning SessionStatus = "running"
	// SessionStatusClosed indicates the session has been torn down.
	SessionStatusClosed SessionStatus = "closed"
)

// SessionSnapshot is a read-only view of session state for transports.
type SessionSnapshot struct {
	ID          SessionID
	Name        string
	Status      SessionStatus
	Tier        Tier
	Mode        StreamMode
	Geometry    Geometry
	Visible     bool
	Focused     bool
	Direct      bool
	AltScreen   bool
	Accelerated bool
	Restoring   bool
	Unseen      int
	CreatedAt   time.Time
}

// UnseenSnapshot aggregates pending-output counters across sessions. The
// tracker hands out the same pointer until a counter actually changes, so
// pollers can compare references to skip redundant work.
type UnseenSnapshot struct {
	Sessions map[SessionID]int
	Total    int
	Version  uint64
}

// ViewportState captures the viewer-facing scroll position of a session.
type ViewportState struct {
	AtBottom bool
	Offset   int
}

// TelemetrySnapshot carries pipeline counters for diagnostics.
type TelemetrySnapshot struct {
	Sessions          int    `json:"sessions"`
	PacketsDecoded    uint64 `json:"packets_decoded"`
	BytesIngested     uint64 `json:"bytes_ingested"`
	BytesDiscarded    uint64 `json:"bytes_discarded"`
	FramesPresented   uint64 `json:"frames_presented"`
	FramesDropped     uint64 `json:"frames_dropped"`
	NormalFlushes     uint64 `json:"normal_flushes"`
	InteractiveFlush  uint64 `json:"interactive_flushes"`
	RedrawsDetected   uint64 `json:"redraws_detected"`
	ResizesApplied    uint64 `json:"resizes_applied"`
	ResizesCoalesced  uint64 `json:"resizes_coalesced"`
	TierChanges       uint64 `json:"tier_changes"`
	Wakes             uint64 `json:"wakes"`
	WakeFailures      uint64 `json:"wake_failures"`
	ContextsGranted   uint64 `json:"contexts_granted"`
	ContextsEvicted   uint64 `json:"contexts_evicted"`
	ContextsLost      uint64 `json:"contexts_lost"`
	ContextsRecovered uint64 `json:"contexts_recovered"`
	TransportResets   uint64 `json:"transport_resets"`
}
