package core

import (
	"context"

	"github.com/canopyide/termflow/schema"
)

// Service is the transport-agnostic API for the terminal output
// pipeline: session lifecycle, input, coalesced output, geometry, tiers,
// and the accelerated-context budget.
type Service interface {
	// Start negotiates the output transport with the backend. Shared
	// memory failures fall back to push delivery silently; Start only
	// errors on misuse, never on a missing transport.
	Start(ctx context.Context) error
	// Close stops ingestion and tears down every session.
	Close() error
	// PushOutput lands one delivered output message when the pipeline
	// runs in push mode.
	PushOutput(sessionID schema.SessionID, data []byte)

	CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.CreateSessionResponse, error)
	CloseSession(ctx context.Context, req schema.CloseSessionRequest) (schema.CloseSessionResponse, error)
	ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error)
	WriteInput(ctx context.Context, req schema.WriteInputRequest) (schema.WriteInputResponse, error)
	MarkInteractive(ctx context.Context, req schema.MarkInteractiveRequest) (schema.MarkInteractiveResponse, error)
	SetDirectMode(ctx context.Context, req schema.SetDirectModeRequest) (schema.SetDirectModeResponse, error)
	SetVisibility(ctx context.Context, req schema.SetVisibilityRequest) (schema.SetVisibilityResponse, error)
	SetFocus(ctx context.Context, req schema.SetFocusRequest) (schema.SetFocusResponse, error)
	ApplyTier(ctx context.Context, req schema.ApplyTierRequest) (schema.ApplyTierResponse, error)
	RequestResize(ctx context.Context, req schema.ResizeRequest) (schema.ResizeResponse, error)
	LockResize(ctx context.Context, req schema.LockResizeRequest) (schema.LockResizeResponse, error)
	UnlockResize(ctx context.Context, req schema.UnlockResizeRequest) (schema.UnlockResizeResponse, error)
	UpdateScroll(ctx context.Context, req schema.UpdateScrollRequest) (schema.UpdateScrollResponse, error)
	UnseenSnapshot(ctx context.Context, req schema.UnseenSnapshotRequest) (schema.UnseenSnapshotResponse, error)
	ReportContextLoss(ctx context.Context, req schema.ReportContextLossRequest) (schema.ReportContextLossResponse, error)
	Telemetry(ctx context.Context, req schema.TelemetryRequest) (schema.TelemetryResponse, error)
}
