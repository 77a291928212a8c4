package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/canopyide/termflow"
	"github.com/canopyide/termflow/core"
	"github.com/canopyide/termflow/httpapi"
	"github.com/canopyide/termflow/internal/eventbus"
	"github.com/canopyide/termflow/internal/feedwire"
	"github.com/canopyide/termflow/internal/hostproc"
	"github.com/canopyide/termflow/schema"
)

// testDaemon wires the pipeline together the way serve does, minus the
// listeners: a hostproc engine behind a backend mux, the event bus as
// sink, and the HTTP surface exposed as a handler for httptest.
type testDaemon struct {
	service core.Service
	engine  *hostproc.Host
	mux     *termflow.BackendMux
	bus     *eventbus.Bus
	httpSrv *httpapi.Server
	logger  pslog.Logger
}

func newTestDaemon(t *testing.T) *testDaemon {
	return newTestDaemonWithRing(t, true)
}

func newTestDaemonWithRing(t *testing.T, ring bool) *testDaemon {
	t.Helper()
	logger := pslog.NewWithOptions(io.Discard, pslog.Options{
		Mode:    pslog.ModeStructured,
		NoColor: true,
	})

	cfg := hostproc.Config{ReplayBytes: 64 * 1024}
	if ring {
		cfg.RingDir = filepath.Join(t.TempDir(), "ring")
		cfg.RingShards = 4
		cfg.RingShardBytes = 1 << 16
	}
	engine := hostproc.New(cfg, logger)
	bus := eventbus.New(logger)
	mux := termflow.NewBackendMux(engine)

	service, err := core.NewService(schema.PipelineConfig{}, core.ServiceDeps{
		Backend:   mux,
		EventSink: bus,
		Logger:    logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	engine.SetPushSink(service.PushOutput)
	if err := service.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = service.Close()
		_ = engine.Close()
	})

	httpSrv := httpapi.NewServer(httpapi.Config{}, service, bus, httpapi.FeedDeps{
		Links: feedwire.LinkDeps{
			Sessions: service,
			Binder:   mux,
			Push:     service.PushOutput,
			Logger:   logger,
		},
	})

	return &testDaemon{
		service: service,
		engine:  engine,
		mux:     mux,
		bus:     bus,
		httpSrv: httpSrv,
		logger:  logger,
	}
}

// startShellSession launches /bin/sh -c script as a session and waits
// until it shows up in the session list.
func (td *testDaemon) startShellSession(t *testing.T, id schema.SessionID, script string) schema.SessionSnapshot {
	t.Helper()
	resp, err := td.service.CreateSession(context.Background(), schema.CreateSessionRequest{
		SessionID: id,
		Name:      string(id),
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
		Geometry:  schema.Geometry{Cols: 80, Rows: 24},
		Tier:      schema.TierVisible,
	})
	if err != nil {
		t.Fatalf("create session %s: %v", id, err)
	}
	return resp.Session
}

func (td *testDaemon) snapshot(t *testing.T, id schema.SessionID) (schema.SessionSnapshot, bool) {
	t.Helper()
	resp, err := td.service.ListSessions(context.Background(), schema.ListSessionsRequest{})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	for _, s := range resp.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return schema.SessionSnapshot{}, false
}

// waitSnapshot polls the session list until cond accepts the snapshot.
func (td *testDaemon) waitSnapshot(t *testing.T, id schema.SessionID, what string, cond func(schema.SessionSnapshot) bool) schema.SessionSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last schema.SessionSnapshot
	for time.Now().Before(deadline) {
		snap, ok := td.snapshot(t, id)
		if ok && cond(snap) {
			return snap
		}
		if ok {
			last = snap
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s on %s, last snapshot %+v", what, id, last)
	return schema.SessionSnapshot{}
}

func ensureShellAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("/bin/sh not available: %v", err)
	}
}

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func expectOutput(t *testing.T, buffer *lockedBuffer, substr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Contains(buffer.String(), substr) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %q in output: %q", substr, buffer.String())
}

// streamConn is a live-view websocket client. A single reader goroutine
// collects binary frames into output and JSON events into events.
type streamConn struct {
	conn   *websocket.Conn
	output *lockedBuffer

	mu     sync.Mutex
	events []httpapi.StreamEvent
	done   chan struct{}
}

func dialStream(t *testing.T, baseURL string, id schema.SessionID) *streamConn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/sessions/" + string(id) + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial stream %s: %v (status %d)", id, err, status)
	}
	sc := &streamConn{
		conn:   conn,
		output: &lockedBuffer{},
		done:   make(chan struct{}),
	}
	go sc.read()
	t.Cleanup(func() { _ = conn.Close() })
	return sc
}

func (s *streamConn) read() {
	defer close(s.done)
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			_, _ = s.output.Write(data)
		case websocket.TextMessage:
			var ev httpapi.StreamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			s.mu.Lock()
			s.events = append(s.events, ev)
			s.mu.Unlock()
		}
	}
}

func (s *streamConn) send(t *testing.T, cmd httpapi.ViewerCommand) {
	t.Helper()
	if err := s.conn.WriteJSON(cmd); err != nil {
		t.Fatalf("send %s command: %v", cmd.Type, err)
	}
}

// waitEvent polls for the first JSON event matching type and, when event
// is non-empty, the event field too.
func (s *streamConn) waitEvent(t *testing.T, typ, event string, timeout time.Duration) httpapi.StreamEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, ev := range s.events {
			if ev.Type == typ && (event == "" || ev.Event == event) {
				s.mu.Unlock()
				return ev
			}
		}
		s.mu.Unlock()
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for stream event %s/%s", typ, event)
	return httpapi.StreamEvent{}
}

func (s *streamConn) waitClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(timeout):
		t.Fatal("timeout waiting for stream to close")
	}
}

func writeJSON(t *testing.T, client *http.Client, url string, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode >= 300 {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatal(err)
	}
}

func doDelete(t *testing.T, client *http.Client, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// createPayload mirrors the POST /api/sessions body.
type createPayload struct {
	SessionID string            `json:"session_id"`
	Name      string            `json:"name,omitempty"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Dir       string            `json:"dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      int               `json:"cols,omitempty"`
	Rows      int               `json:"rows,omitempty"`
	Tier      string            `json:"tier,omitempty"`
	Direct    bool              `json:"direct,omitempty"`
}

func shellPayload(id, script string) createPayload {
	return createPayload{
		SessionID: id,
		Name:      id,
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
		Cols:      80,
		Rows:      24,
	}
}

func fmtSessionURL(baseURL string, id schema.SessionID) string {
	return fmt.Sprintf("%s/api/sessions/%s", baseURL, id)
}

func newAPIServer(t *testing.T, td *testDaemon) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(td.httpSrv.Handler())
	t.Cleanup(server.Close)
	return server
}
