package core

import "github.com/canopyide/termflow/schema"

// EventSink receives pipeline events from the core service.
type EventSink interface {
	OnOutput(event schema.OutputEvent)
	OnUnseen(event schema.UnseenEvent)
	OnTier(event schema.TierEvent)
	OnResize(event schema.ResizeEvent)
	OnSessionEvent(event schema.SessionEvent)
	OnContextEvent(event schema.ContextEvent)
}
