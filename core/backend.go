package core

import (
	"context"

	"github.com/canopyide/termflow/schema"
)

// Backend is the producing collaborator: the process host that runs
// terminal programs, streams their output, and accepts control calls.
type Backend interface {
	// Start launches the session's command at the given geometry.
	Start(ctx context.Context, req schema.CreateSessionRequest) error
	// Stop terminates the session's process.
	Stop(ctx context.Context, id schema.SessionID) error
	// WriteInput delivers keyboard bytes to the session.
	WriteInput(ctx context.Context, id schema.SessionID, data []byte) error
	// Wake fetches a serialized screen reconstruction for a session
	// returning from background streaming. ok is false when the host
	// has nothing to replay.
	Wake(ctx context.Context, id schema.SessionID) (state []byte, ok bool, err error)
	// AckConsumed reports consumed output bytes for flow control. Only
	// push transports need it; shared memory acknowledges through its
	// reader cursor.
	AckConsumed(ctx context.Context, id schema.SessionID, n int) error
	// SetActivityTier switches the host's streaming mode for a session.
	SetActivityTier(ctx context.Context, id schema.SessionID, mode schema.StreamMode) error
	// Resize informs the host of a new cell geometry.
	Resize(ctx context.Context, id schema.SessionID, g schema.Geometry) error
	// OpenTransport negotiates the output transport. Hosts without
	// shared memory return ErrTransportUnavailable and the ingestor
	// falls back to push delivery.
	OpenTransport(ctx context.Context) (Transport, error)
}
