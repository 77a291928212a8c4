package schema

import "time"

// Session lifecycle.

// CreateSessionRequest describes a request to register a session and start
// its backend process.
type CreateSessionRequest struct {
	SessionID SessionID
	Name      string
	Command   string
	Args      []string
	Dir       string
	Env       map[string]string
	Geometry  Geometry
	Cell      CellMetrics
	Tier      Tier
	Direct    bool
}

// CreateSessionResponse reports the created session snapshot.
type CreateSessionResponse struct {
	Session SessionSnapshot
}

// CloseSessionRequest describes a request to tear a session down.
type CloseSessionRequest struct {
	SessionID SessionID
}

// CloseSessionResponse reports the snapshot taken before teardown.
type CloseSessionResponse struct {
	Session SessionSnapshot
}

// ListSessionsRequest describes a request to list sessions.
type ListSessionsRequest struct{}

// ListSessionsResponse reports snapshots for every live session.
type ListSessionsResponse struct {
	Sessions []SessionSnapshot
}

// Input and interactivity.

// WriteInputRequest forwards local input bytes to the backend process. The
// session is marked interactive for the fast-lane TTL.
type WriteInputRequest struct {
	SessionID SessionID
	Data      []byte
}

// WriteInputResponse reports acceptance of the input.
type WriteInputResponse struct{}

// MarkInteractiveRequest arms the interactive fast lane without input.
type MarkInteractiveRequest struct {
	SessionID SessionID
}

// MarkInteractiveResponse reports completion.
type MarkInteractiveResponse struct{}

// SetDirectModeRequest toggles the per-session frame-batching bypass.
type SetDirectModeRequest struct {
	SessionID SessionID
	Direct    bool
}

// SetDirectModeResponse reports the applied mode.
type SetDirectModeResponse struct {
	Direct bool
}

// Visibility, focus, and tiers.

// SetVisibilityRequest reports whether the session is on screen.
type SetVisibilityRequest struct {
	SessionID SessionID
	Visible   bool
}

// SetVisibilityResponse reports the tier applied as a result.
type SetVisibilityResponse struct {
	Tier Tier
}

// SetFocusRequest reports whether the session holds input focus.
type SetFocusRequest struct {
	SessionID SessionID
	Focused   bool
}

// SetFocusResponse reports the tier applied as a result.
type SetFocusResponse struct {
	Tier Tier
}

// ApplyTierRequest assigns a rendering tier directly.
type ApplyTierRequest struct {
	SessionID SessionID
	Tier      Tier
}

// ApplyTierResponse reports the tier now in effect and whether a downgrade
// is pending behind the hysteresis window.
type ApplyTierResponse struct {
	Applied Tier
	Pending bool
}

// Geometry.

// ResizeRequest asks for a new surface size. Pixel dimensions are converted
// to cells through the session's cell metrics; Explicit bypasses pacing.
// Cells, when set and Pixels is zero, requests the geometry directly.
type ResizeRequest struct {
	SessionID SessionID
	Pixels    PixelSize
	Cells     Geometry
	Explicit  bool
}

// ResizeResponse reports the target geometry and how the request was
// scheduled.
type ResizeResponse struct {
	Target    Geometry
	Scheduled ResizeDisposition
}

// ResizeDisposition describes what the coordinator did with a request.
type ResizeDisposition string

const (
	// ResizeApplied means the resize was applied immediately.
	ResizeApplied ResizeDisposition = "applied"
	// ResizeDebounced means the request replaced a pending debounce.
	ResizeDebounced ResizeDisposition = "debounced"
	// ResizeThrottled means the row change is waiting out the throttle.
	ResizeThrottled ResizeDisposition = "throttled"
	// ResizeDeferred means the hidden session will resize on an idle slot.
	ResizeDeferred ResizeDisposition = "deferred"
	// ResizeSettling means the settled strategy delayed surface and backend
	// together.
	ResizeSettling ResizeDisposition = "settling"
	// ResizeNoop means the request matched the applied geometry.
	ResizeNoop ResizeDisposition = "noop"
	// ResizeSuppressed means an active resize lock swallowed the request.
	ResizeSuppressed ResizeDisposition = "suppressed"
)

// LockResizeRequest suppresses resize activity for the session until
// release or TTL expiry, whichever comes first.
type LockResizeRequest struct {
	SessionID SessionID
	TTL       time.Duration
}

// LockResizeResponse reports the expiry deadline of the lock.
type LockResizeResponse struct {
	Expires time.Time
}

// UnlockResizeRequest releases a resize lock early.
type UnlockResizeRequest struct {
	SessionID SessionID
}

// UnlockResizeResponse reports whether a lock was actually held.
type UnlockResizeResponse struct {
	WasLocked bool
}

// Scroll state and unseen output.

// UpdateScrollRequest reports viewer scroll position for a session.
type UpdateScrollRequest struct {
	SessionID SessionID
	AtBottom  bool
	Offset    int
}

// UpdateScrollResponse reports the unseen counter after the update.
type UpdateScrollResponse struct {
	Unseen int
}

// UnseenSnapshotRequest fetches the current unseen-output snapshot.
type UnseenSnapshotRequest struct{}

// UnseenSnapshotResponse carries the snapshot. The same pointer is returned
// as long as nothing changed.
type UnseenSnapshotResponse struct {
	Snapshot *UnseenSnapshot
}

// Accelerated contexts.

// ReportContextLossRequest signals that a session's accelerated context was
// invalidated by the host.
type ReportContextLossRequest struct {
	SessionID SessionID
}

// ReportContextLossResponse reports whether recovery was scheduled.
type ReportContextLossResponse struct {
	RecoveryScheduled bool
}

// Telemetry.

// TelemetryRequest fetches pipeline counters.
type TelemetryRequest struct{}

// TelemetryResponse carries a cloned telemetry snapshot.
type TelemetryResponse struct {
	Snapshot TelemetrySnapshot
}
