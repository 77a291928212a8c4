package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/canopyide/termflow/core"
	"github.com/canopyide/termflow/internal/eventbus"
	"github.com/canopyide/termflow/internal/logx"
	"github.com/canopyide/termflow/schema"
)

const (
	viewWriteTimeout = 10 * time.Second
	viewPongWait     = 60 * time.Second
	viewPingInterval = 25 * time.Second
)

// StreamEvent is the JSON side of the live view. Presented output
// travels as binary frames; everything else arrives as one of these.
type StreamEvent struct {
	Type      string                  `json:"type"`
	Event     string                  `json:"event,omitempty"`
	Session   *schema.SessionSnapshot `json:"session,omitempty"`
	Tier      string                  `json:"tier,omitempty"`
	Pending   bool                    `json:"pending,omitempty"`
	Cols      int                     `json:"cols,omitempty"`
	Rows      int                     `json:"rows,omitempty"`
	Unseen    int                     `json:"unseen,omitempty"`
	Attempts  int                     `json:"attempts,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// ViewerCommand is a client-to-server control message on the view
// socket.
type ViewerCommand struct {
	Type     string `json:"type"`
	Data     []byte `json:"data,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	AtBottom bool   `json:"at_bottom,omitempty"`
	Offset   int    `json:"offset,omitempty"`
	Visible  bool   `json:"visible,omitempty"`
	Focused  bool   `json:"focused,omitempty"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, id schema.SessionID) {
	log := logx.WithSession(r.Context(), id).With("remote", clientIP(r))
	snapshot, ok := s.sessionSnapshot(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, schema.ErrSessionNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("stream upgrade failed", "err", err)
		return
	}
	v := &viewer{service: s.service, bus: s.bus, conn: conn, id: id, log: log}
	v.run(r.Context(), snapshot)
}

func (s *Server) sessionSnapshot(ctx context.Context, id schema.SessionID) (schema.SessionSnapshot, bool) {
	resp, err := s.service.ListSessions(ctx, schema.ListSessionsRequest{})
	if err != nil {
		return schema.SessionSnapshot{}, false
	}
	for _, sess := range resp.Sessions {
		if sess.ID == id {
			return sess, true
		}
	}
	return schema.SessionSnapshot{}, false
}

// viewer owns one live-view connection. Attaching marks the session
// visible and focused; disconnecting reverts both. The run loop is the
// only writer on the socket.
type viewer struct {
	service core.Service
	bus     *eventbus.Bus
	conn    *websocket.Conn
	id      schema.SessionID
	log     pslog.Logger
}

func (v *viewer) run(ctx context.Context, snapshot schema.SessionSnapshot) {
	defer func() { _ = v.conn.Close() }()

	// Subscribe before flipping visibility so the wake replay is not
	// missed.
	events, cancel := v.bus.Subscribe(v.id)
	defer cancel()

	if _, err := v.service.SetVisibility(ctx, schema.SetVisibilityRequest{SessionID: v.id, Visible: true}); err != nil {
		v.log.Warn("stream attach failed", "err", err)
		v.closeWith(websocket.ClosePolicyViolation, "attach failed")
		return
	}
	defer v.detach()
	if _, err := v.service.SetFocus(ctx, schema.SetFocusRequest{SessionID: v.id, Focused: true}); err != nil {
		v.log.Warn("stream focus failed", "err", err)
	}

	v.log.Info("stream attached", "name", snapshot.Name)
	if err := v.writeEvent(StreamEvent{Type: "session", Event: "attach", Session: &snapshot}); err != nil {
		return
	}

	_ = v.conn.SetReadDeadline(time.Now().Add(viewPongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(viewPongWait))
	})
	readDone := make(chan struct{})
	go v.readPump(ctx, readDone)

	ping := time.NewTicker(viewPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			v.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-readDone:
			return
		case <-ping.C:
			deadline := time.Now().Add(viewWriteTimeout)
			if err := v.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			closed, err := v.forward(ev)
			if err != nil {
				return
			}
			if closed {
				v.closeWith(websocket.CloseNormalClosure, "session closed")
				return
			}
		}
	}
}

func (v *viewer) readPump(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		kind, data, err := v.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var cmd ViewerCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			v.log.Warn("stream command malformed", "err", err)
			continue
		}
		if err := v.dispatch(ctx, cmd); err != nil {
			if errors.Is(err, schema.ErrSessionNotFound) || errors.Is(err, schema.ErrSessionClosed) {
				return
			}
			v.log.Warn("stream command failed", "command", cmd.Type, "err", err)
		}
	}
}

func (v *viewer) dispatch(ctx context.Context, cmd ViewerCommand) error {
	switch cmd.Type {
	case "input":
		if len(cmd.Data) == 0 {
			return nil
		}
		_, err := v.service.WriteInput(ctx, schema.WriteInputRequest{SessionID: v.id, Data: cmd.Data})
		return err
	case "resize":
		if cmd.Cols <= 0 || cmd.Rows <= 0 {
			return fmt.Errorf("%w: resize needs positive cols and rows", schema.ErrInvalidRequest)
		}
		_, err := v.service.RequestResize(ctx, schema.ResizeRequest{
			SessionID: v.id,
			Cells:     schema.Geometry{Cols: cmd.Cols, Rows: cmd.Rows},
		})
		return err
	case "scroll":
		_, err := v.service.UpdateScroll(ctx, schema.UpdateScrollRequest{SessionID: v.id, AtBottom: cmd.AtBottom, Offset: cmd.Offset})
		return err
	case "focus":
		_, err := v.service.SetFocus(ctx, schema.SetFocusRequest{SessionID: v.id, Focused: cmd.Focused})
		return err
	case "visibility":
		_, err := v.service.SetVisibility(ctx, schema.SetVisibilityRequest{SessionID: v.id, Visible: cmd.Visible})
		return err
	default:
		v.log.Warn("stream command unknown", "command", cmd.Type)
		return nil
	}
}

// forward translates one bus event onto the socket. It reports whether
// the session ended.
func (v *viewer) forward(ev eventbus.Event) (bool, error) {
	switch ev.Type {
	case eventbus.EventOutput:
		return false, v.writeBinary(ev.Output.Data)
	case eventbus.EventTier:
		return false, v.writeEvent(StreamEvent{Type: "tier", Tier: ev.Tier.Tier.String(), Pending: ev.Tier.Pending})
	case eventbus.EventResize:
		return false, v.writeEvent(StreamEvent{Type: "resize", Cols: ev.Resize.Geometry.Cols, Rows: ev.Resize.Geometry.Rows})
	case eventbus.EventUnseen:
		return false, v.writeEvent(StreamEvent{Type: "unseen", Unseen: ev.Unseen.Count})
	case eventbus.EventSession:
		event := StreamEvent{Type: "session", Event: string(ev.Session.Type), Session: &ev.Session.Session}
		if err := v.writeEvent(event); err != nil {
			return false, err
		}
		return ev.Session.Type == schema.SessionEventClosed, nil
	case eventbus.EventContext:
		return false, v.writeEvent(StreamEvent{Type: "context", Event: string(ev.Context.Type), Attempts: ev.Context.Attempts})
	}
	return false, nil
}

func (v *viewer) writeBinary(data []byte) error {
	_ = v.conn.SetWriteDeadline(time.Now().Add(viewWriteTimeout))
	return v.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (v *viewer) writeEvent(ev StreamEvent) error {
	ev.Timestamp = time.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = v.conn.SetWriteDeadline(time.Now().Add(viewWriteTimeout))
	return v.conn.WriteMessage(websocket.TextMessage, data)
}

func (v *viewer) closeWith(code int, reason string) {
	deadline := time.Now().Add(viewWriteTimeout)
	_ = v.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// detach reverts the attach-time tier signals. The session may already
// be gone; that is not an error.
func (v *viewer) detach() {
	ctx := context.Background()
	if _, err := v.service.SetFocus(ctx, schema.SetFocusRequest{SessionID: v.id}); err != nil && !errors.Is(err, schema.ErrSessionNotFound) {
		v.log.Debug("stream unfocus failed", "err", err)
	}
	if _, err := v.service.SetVisibility(ctx, schema.SetVisibilityRequest{SessionID: v.id}); err != nil && !errors.Is(err, schema.ErrSessionNotFound) {
		v.log.Debug("stream hide failed", "err", err)
	}
	v.log.Info("stream detached")
}
