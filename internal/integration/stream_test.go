package integration_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canopyide/termflow/httpapi"
	"github.com/canopyide/termflow/schema"
)

func TestStreamAttachAndEcho(t *testing.T) {
	requireLong(t)
	ensureShellAvailable(t)
	td := newTestDaemon(t)
	server := newAPIServer(t, td)

	td.startShellSession(t, "web", "exec cat")
	sc := dialStream(t, server.URL, "web")

	attach := sc.waitEvent(t, "session", "attach", 5*time.Second)
	if attach.Session == nil || attach.Session.ID != "web" {
		t.Fatalf("attach event session = %+v", attach.Session)
	}
	td.waitSnapshot(t, "web", "viewer attach", func(s schema.SessionSnapshot) bool {
		return s.Visible && s.Focused
	})

	sc.send(t, httpapi.ViewerCommand{Type: "input", Data: []byte("marco\n")})
	expectOutput(t, sc.output, "marco", 5*time.Second)

	// Closing the socket reverts visibility and focus.
	_ = sc.conn.Close()
	td.waitSnapshot(t, "web", "viewer detach", func(s schema.SessionSnapshot) bool {
		return !s.Visible && !s.Focused
	})
}

func TestStreamResizeCommand(t *testing.T) {
	requireLong(t)
	ensureShellAvailable(t)
	td := newTestDaemon(t)
	server := newAPIServer(t, td)

	td.startShellSession(t, "web", "exec cat")
	sc := dialStream(t, server.URL, "web")
	sc.waitEvent(t, "session", "attach", 5*time.Second)

	sc.send(t, httpapi.ViewerCommand{Type: "resize", Cols: 100, Rows: 30})
	ev := sc.waitEvent(t, "resize", "", 5*time.Second)
	if ev.Cols != 100 || ev.Rows != 30 {
		t.Fatalf("resize event = %dx%d, want 100x30", ev.Cols, ev.Rows)
	}
	td.waitSnapshot(t, "web", "resize apply", func(s schema.SessionSnapshot) bool {
		return s.Geometry == (schema.Geometry{Cols: 100, Rows: 30})
	})
}

func TestStreamUnseenWhileScrolledBack(t *testing.T) {
	requireLong(t)
	ensureShellAvailable(t)
	td := newTestDaemon(t)
	server := newAPIServer(t, td)

	td.startShellSession(t, "web", "exec cat")
	sc := dialStream(t, server.URL, "web")
	sc.waitEvent(t, "session", "attach", 5*time.Second)

	// Commands dispatch in order on the read pump, so the scroll is in
	// effect before the input lands.
	sc.send(t, httpapi.ViewerCommand{Type: "scroll", AtBottom: false, Offset: 40})
	sc.send(t, httpapi.ViewerCommand{Type: "input", Data: []byte("unread line\n")})

	ev := sc.waitEvent(t, "unseen", "", 5*time.Second)
	if ev.Unseen < 1 {
		t.Fatalf("unseen event count = %d, want >= 1", ev.Unseen)
	}
	td.waitSnapshot(t, "web", "unseen count", func(s schema.SessionSnapshot) bool {
		return s.Unseen >= 1
	})
}

func TestStreamBackgroundWakeReplays(t *testing.T) {
	requireLong(t)
	ensureShellAvailable(t)
	td := newTestDaemon(t)
	server := newAPIServer(t, td)

	// Launched in the background: output accrues in the host tail until
	// a viewer attaches and the upgrade replays it.
	resp, err := td.service.CreateSession(context.Background(), schema.CreateSessionRequest{
		SessionID: "batch",
		Command:   "/bin/sh",
		Args:      []string{"-c", "echo warmup before attach; exec cat"},
		Geometry:  schema.Geometry{Cols: 80, Rows: 24},
		Tier:      schema.TierBackground,
	})
	if err != nil {
		t.Fatalf("create background session: %v", err)
	}
	if resp.Session.Tier != schema.TierBackground {
		t.Fatalf("created tier = %v", resp.Session.Tier)
	}

	sc := dialStream(t, server.URL, "batch")
	sc.waitEvent(t, "session", "attach", 5*time.Second)
	expectOutput(t, sc.output, "warmup before attach", 5*time.Second)
}

func TestStreamProcessExit(t *testing.T) {
	requireLong(t)
	ensureShellAvailable(t)
	td := newTestDaemon(t)
	server := newAPIServer(t, td)

	td.startShellSession(t, "oneshot", `read line; echo "ack $line"; exit 7`)
	sc := dialStream(t, server.URL, "oneshot")
	sc.waitEvent(t, "session", "attach", 5*time.Second)

	sc.send(t, httpapi.ViewerCommand{Type: "input", Data: []byte("bye\n")})
	expectOutput(t, sc.output, "ack bye", 5*time.Second)
	expectOutput(t, sc.output, "[process exited: 7]", 5*time.Second)
}

func TestStreamSessionCloseEndsView(t *testing.T) {
	requireLong(t)
	ensureShellAvailable(t)
	td := newTestDaemon(t)
	server := newAPIServer(t, td)
	client := server.Client()

	td.startShellSession(t, "web", "exec cat")
	sc := dialStream(t, server.URL, "web")
	sc.waitEvent(t, "session", "attach", 5*time.Second)

	resp := doDelete(t, client, fmtSessionURL(server.URL, "web"))
	var closed schema.CloseSessionResponse
	readJSON(t, resp, &closed)

	ev := sc.waitEvent(t, "session", string(schema.SessionEventClosed), 5*time.Second)
	if ev.Session == nil || ev.Session.ID != "web" {
		t.Fatalf("closed event session = %+v", ev.Session)
	}
	sc.waitClosed(t, 5*time.Second)
}

func TestStreamUnknownSessionRejected(t *testing.T) {
	requireLong(t)
	td := newTestDaemon(t)
	server := newAPIServer(t, td)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/sessions/ghost/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("dial for unknown session succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("dial response = %+v, want 404", resp)
	}
}

func TestStreamPushFallbackDelivers(t *testing.T) {
	requireLong(t)
	ensureShellAvailable(t)
	td := newTestDaemonWithRing(t, false)
	server := newAPIServer(t, td)

	td.startShellSession(t, "web", "exec cat")
	sc := dialStream(t, server.URL, "web")
	sc.waitEvent(t, "session", "attach", 5*time.Second)

	sc.send(t, httpapi.ViewerCommand{Type: "input", Data: []byte("no ring here\n")})
	expectOutput(t, sc.output, "no ring here", 5*time.Second)
}
