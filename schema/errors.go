package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidSession indicates an invalid session identifier.
	ErrInvalidSession = errors.New("invalid session id")
	// ErrInvalidTier indicates an unknown rendering tier.
	ErrInvalidTier = errors.New("invalid tier")
	// ErrSessionNotFound indicates a requested session could not be found.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates a session id is already registered.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionClosed indicates an operation raced session teardown.
	ErrSessionClosed = errors.New("session closed")
	// ErrBackendUnavailable indicates no backend is configured.
	ErrBackendUnavailable = errors.New("backend not configured")
	// ErrResizeLocked indicates a resize was suppressed by an active lock.
	ErrResizeLocked = errors.New("resize locked")
	// ErrTransportClosed indicates the ingest transport has been torn down.
	ErrTransportClosed = errors.New("transport closed")
	// ErrTransportUnavailable indicates shared memory could not be set up.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrBudgetExhausted indicates no accelerated context slot can be freed.
	ErrBudgetExhausted = errors.New("context budget exhausted")
	// ErrContextPinned indicates a session exhausted its recovery retries
	// and stays unaccelerated until it is recreated.
	ErrContextPinned = errors.New("context pinned unaccelerated")
)
