package schema

// OutputKind classifies a presented output batch.
type OutputKind string

const (
	// OutputNormal is a latency-batched chunk of ordinary output.
	OutputNormal OutputKind = "normal"
	// OutputFrame is a settled full-screen repaint.
	OutputFrame OutputKind = "frame"
	// OutputDirect is output that bypassed frame batching.
	OutputDirect OutputKind = "direct"
	// OutputInteractive is a fast-lane echo flush.
	OutputInteractive OutputKind = "interactive"
)

// OutputEvent carries a presented batch of terminal output for a session.
type OutputEvent struct {
	SessionID SessionID
	Kind      OutputKind
	Data      []byte
	Seq       uint64
}

// UnseenEvent fires when a scrolled-back session goes from zero to one
// pending batch.
type UnseenEvent struct {
	SessionID SessionID
	Count     int
}

// TierEvent reports an applied tier change.
type TierEvent struct {
	SessionID SessionID
	Previous  Tier
	Tier      Tier
	// Pending is true when a downgrade is waiting out hysteresis and the
	// reported tier is still the old one.
	Pending bool
}

// ResizeEvent reports an applied geometry change.
type ResizeEvent struct {
	SessionID SessionID
	Geometry  Geometry
	Pixels    PixelSize
}

// SessionEventType describes session lifecycle or state changes.
type SessionEventType string

const (
	// SessionEventCreated indicates a session was registered.
	SessionEventCreated SessionEventType = "created"
	// SessionEventClosed indicates a session was torn down.
	SessionEventClosed SessionEventType = "closed"
	// SessionEventVisibility indicates on-screen visibility changed.
	SessionEventVisibility SessionEventType = "visibility"
	// SessionEventFocus indicates input focus changed.
	SessionEventFocus SessionEventType = "focus"
	// SessionEventDirect indicates the direct-mode override changed.
	SessionEventDirect SessionEventType = "direct"
)

// SessionEvent represents a change to a session or the session list.
type SessionEvent struct {
	Type    SessionEventType
	Session SessionSnapshot
}

// ContextEventType describes accelerated-context lifecycle changes.
type ContextEventType string

const (
	// ContextEventGranted indicates a session received an accelerated context.
	ContextEventGranted ContextEventType = "granted"
	// ContextEventReleased indicates a context was returned to the pool.
	ContextEventReleased ContextEventType = "released"
	// ContextEventEvicted indicates the budget reclaimed a context to
	// make room for another session.
	ContextEventEvicted ContextEventType = "evicted"
	// ContextEventLost indicates the host invalidated a context.
	ContextEventLost ContextEventType = "lost"
	// ContextEventRecovered indicates recovery rebuilt a lost context.
	ContextEventRecovered ContextEventType = "recovered"
	// ContextEventPinned indicates recovery gave up and the session now
	// renders without acceleration.
	ContextEventPinned ContextEventType = "pinned"
)

// ContextEvent reports accelerated-context pool activity for a session.
type ContextEvent struct {
	SessionID SessionID
	Type      ContextEventType
	Attempts  int
}
