package core

import (
	"time"

	"github.com/canopyide/termflow/schema"
)

// session is the per-session record owned by the service. gen is the
// identity generation: callbacks minted for an earlier incarnation of
// the same id compare it and become no-ops.
type session struct {
	id        schema.SessionID
	name      string
	status    schema.SessionStatus
	gen       uint64
	createdAt time.Time

	surface  Surface
	geometry schema.Geometry

	visible   bool
	focused   bool
	direct    bool
	restoring bool
	lastInput time.Time

	viewport *viewport
	seq      uint64
}

// presentTicket identifies one presented batch for the flush-ack path.
type presentTicket struct {
	id    schema.SessionID
	gen   uint64
	bytes int
}
