package sshserver

import (
	"context"
	"errors"
	"io"
	"time"

	gliderssh "github.com/gliderlabs/ssh"

	"github.com/canopyide/termflow/core"
	"github.com/canopyide/termflow/internal/eventbus"
	"github.com/canopyide/termflow/internal/sessionprefs"
	"github.com/canopyide/termflow/schema"
	"pkt.systems/pslog"
)

// attachViewer drives one SSH connection: a session picker and, once a
// session is chosen, raw passthrough of its presented output.
type attachViewer struct {
	out     io.Writer
	service core.Service
	bus     *eventbus.Bus
	screen  *screen
	prefs   *sessionprefs.Prefs
	shell   string
	log     pslog.Logger

	width  int
	height int

	sessions []schema.SessionSnapshot
	cursor   int
	notice   string
	dirty    bool
}

func newAttachViewer(out io.Writer, service core.Service, bus *eventbus.Bus, shell string, logger pslog.Logger) *attachViewer {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &attachViewer{
		out:     out,
		service: service,
		bus:     bus,
		screen:  newScreen(out),
		prefs:   sessionprefs.New(),
		shell:   shell,
		log:     logger,
	}
}

func (v *attachViewer) SetSize(width, height int) {
	if width <= 0 {
		width = 80
	}
	if height <= 0 {
		height = 24
	}
	v.width = width
	v.height = height
}

// Run alternates between the picker and attached passthrough until the
// viewer quits or the connection drops.
func (v *attachViewer) Run(ctx context.Context, reads <-chan []byte, winCh <-chan gliderssh.Window) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = sessionprefs.WithContext(ctx, v.prefs)
	v.screen.EnterAltScreen()
	defer v.screen.ExitAltScreen()
	v.log.Info("viewer start", "width", v.width, "height", v.height)

	for {
		id := v.pick(ctx, reads, winCh)
		if id == "" {
			return nil
		}
		if exit := v.attach(ctx, id, reads, winCh); exit {
			return nil
		}
	}
}

// pick runs the session picker and returns the chosen session, or "" when
// the viewer is done.
func (v *attachViewer) pick(ctx context.Context, reads <-chan []byte, winCh <-chan gliderssh.Window) schema.SessionID {
	v.refreshSessions(ctx)
	v.selectPreferred()
	v.renderPicker()

	var events <-chan eventbus.Event
	cancel := func() {}
	if v.bus != nil {
		events, cancel = v.bus.SubscribeAll()
	}
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ""
		case chunk, ok := <-reads:
			if !ok {
				return ""
			}
			for _, k := range decodeKeys(chunk) {
				id, exit := v.handlePickerKey(ctx, k)
				if exit {
					return ""
				}
				if id != "" {
					return id
				}
			}
		case win, ok := <-winCh:
			if ok {
				v.SetSize(win.Width, win.Height)
				v.dirty = true
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			switch ev.Type {
			case eventbus.EventSession, eventbus.EventUnseen, eventbus.EventTier, eventbus.EventResize:
				v.refreshSessions(ctx)
			}
		case <-ticker.C:
			v.refreshSessions(ctx)
		}

		if v.dirty {
			v.renderPicker()
			v.dirty = false
		}
	}
}

// handlePickerKey reacts to one key. It returns the session to attach and
// whether the viewer should exit instead.
func (v *attachViewer) handlePickerKey(ctx context.Context, k key) (schema.SessionID, bool) {
	switch k.kind {
	case keyCtrlC, keyCtrlD:
		v.log.Info("viewer exit", "reason", "key")
		return "", true
	case keyUp:
		v.moveCursor(-1)
	case keyDown:
		v.moveCursor(1)
	case keyTab:
		v.cycleCursor(1)
	case keyShiftTab:
		v.cycleCursor(-1)
	case keyHome:
		v.setCursor(0)
	case keyEnd:
		v.setCursor(len(v.sessions) - 1)
	case keyPageUp:
		v.moveCursor(-pickerPage(v.height))
	case keyPageDown:
		v.moveCursor(pickerPage(v.height))
	case keyEnter:
		v.notice = ""
		if v.cursor >= 0 && v.cursor < len(v.sessions) {
			return v.sessions[v.cursor].ID, false
		}
		v.dirty = true
	case keyRune:
		switch k.r {
		case 'q':
			v.log.Info("viewer exit", "reason", "key")
			return "", true
		case 'j':
			v.moveCursor(1)
		case 'k':
			v.moveCursor(-1)
		case 'r':
			v.notice = ""
			v.refreshSessions(ctx)
			v.dirty = true
		case 's':
			v.prefs.StatusLine = !v.prefs.StatusLine
			v.dirty = true
		case 'n':
			v.notice = ""
			if id, ok := v.createSession(ctx); ok {
				return id, false
			}
		}
	}
	return "", false
}

func pickerPage(height int) int {
	page := height - 6
	if page < 1 {
		page = 1
	}
	return page
}

func (v *attachViewer) moveCursor(delta int) {
	v.setCursor(v.cursor + delta)
}

func (v *attachViewer) cycleCursor(delta int) {
	if len(v.sessions) == 0 {
		return
	}
	v.cursor = (v.cursor + delta + len(v.sessions)) % len(v.sessions)
	v.dirty = true
}

func (v *attachViewer) setCursor(pos int) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(v.sessions)-1 {
		pos = len(v.sessions) - 1
	}
	if pos < 0 {
		pos = 0
	}
	if pos != v.cursor {
		v.cursor = pos
		v.dirty = true
	}
}

// selectPreferred parks the cursor on the previously attached session.
func (v *attachViewer) selectPreferred() {
	if v.prefs.LastSession == "" {
		return
	}
	for i, s := range v.sessions {
		if s.ID == v.prefs.LastSession {
			v.cursor = i
			return
		}
	}
}

func (v *attachViewer) refreshSessions(ctx context.Context) {
	resp, err := v.service.ListSessions(ctx, schema.ListSessionsRequest{})
	if err != nil {
		v.log.Warn("viewer session list failed", "err", err)
		return
	}
	if sessionsEqual(v.sessions, resp.Sessions) {
		return
	}
	v.sessions = resp.Sessions
	v.setCursor(v.cursor)
	v.dirty = true
}

func sessionsEqual(a, b []schema.SessionSnapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (v *attachViewer) createSession(ctx context.Context) (schema.SessionID, bool) {
	resp, err := v.service.CreateSession(ctx, schema.CreateSessionRequest{
		Command:  v.shell,
		Geometry: schema.Geometry{Cols: v.width, Rows: v.height},
		Tier:     schema.TierFocused,
	})
	if err != nil {
		v.log.Warn("viewer session create failed", "err", err)
		v.notice = "create failed: " + err.Error()
		v.dirty = true
		return "", false
	}
	v.log.With("session", resp.Session.ID).Info("viewer session created", "command", v.shell)
	return resp.Session.ID, true
}

func (v *attachViewer) renderPicker() {
	lines := renderPickerLines(v.sessions, v.cursor, v.width, v.height, v.notice, v.prefs.StatusLine, time.Now())
	if err := v.screen.Render(lines); err != nil {
		v.log.Debug("picker render failed", "err", err)
	}
}

// attach streams one session until detach, close, or connection loss. The
// return value reports whether the whole viewer should exit.
func (v *attachViewer) attach(ctx context.Context, id schema.SessionID, reads <-chan []byte, winCh <-chan gliderssh.Window) bool {
	log := v.log.With("session", id)

	var events <-chan eventbus.Event
	cancel := func() {}
	if v.bus != nil {
		// Subscribe before flipping visibility so the wake replay is not
		// missed.
		events, cancel = v.bus.Subscribe(id)
	}
	defer cancel()

	if _, err := v.service.SetVisibility(ctx, schema.SetVisibilityRequest{SessionID: id, Visible: true}); err != nil {
		log.Warn("viewer attach failed", "err", err)
		v.notice = "attach failed: " + err.Error()
		return false
	}
	defer v.release(id)
	if _, err := v.service.SetFocus(ctx, schema.SetFocusRequest{SessionID: id, Focused: true}); err != nil {
		log.Warn("viewer focus failed", "err", err)
	}
	// A live passthrough viewer sits at the bottom of the stream.
	if _, err := v.service.UpdateScroll(ctx, schema.UpdateScrollRequest{SessionID: id, AtBottom: true}); err != nil {
		log.Warn("viewer scroll reset failed", "err", err)
	}
	if v.width > 0 && v.height > 0 {
		req := schema.ResizeRequest{SessionID: id, Cells: schema.Geometry{Cols: v.width, Rows: v.height}, Explicit: true}
		if _, err := v.service.RequestResize(ctx, req); err != nil {
			log.Warn("viewer resize failed", "err", err)
		}
	}
	v.prefs.LastSession = id
	log.Info("viewer attached", "width", v.width, "height", v.height)

	v.screen.Clear()
	if v.prefs.StatusLine {
		_, _ = io.WriteString(v.out, attachBanner(v.sessionName(id), v.width))
	}

	for {
		select {
		case <-ctx.Done():
			return true
		case chunk, ok := <-reads:
			if !ok {
				return true
			}
			data, detach := splitDetach(chunk)
			if len(data) > 0 {
				if _, err := v.service.WriteInput(ctx, schema.WriteInputRequest{SessionID: id, Data: data}); err != nil {
					if errors.Is(err, schema.ErrSessionNotFound) || errors.Is(err, schema.ErrSessionClosed) {
						v.notice = "session closed"
						return false
					}
					log.Warn("viewer input failed", "err", err)
				}
			}
			if detach {
				return false
			}
		case win, ok := <-winCh:
			if ok {
				v.SetSize(win.Width, win.Height)
				req := schema.ResizeRequest{SessionID: id, Cells: schema.Geometry{Cols: v.width, Rows: v.height}}
				if _, err := v.service.RequestResize(ctx, req); err != nil {
					log.Warn("viewer resize failed", "err", err)
				}
			}
		case ev, ok := <-events:
			if !ok {
				return false
			}
			switch ev.Type {
			case eventbus.EventOutput:
				if _, err := v.out.Write(ev.Output.Data); err != nil {
					log.Debug("viewer write failed", "err", err)
					return true
				}
			case eventbus.EventSession:
				if ev.Session.Type == schema.SessionEventClosed {
					v.notice = "session closed"
					return false
				}
			}
		}
	}
}

// release drops visibility and focus after an attachment ends. The session
// may already be gone; that is not an error.
func (v *attachViewer) release(id schema.SessionID) {
	ctx := context.Background()
	if _, err := v.service.SetFocus(ctx, schema.SetFocusRequest{SessionID: id}); err != nil && !errors.Is(err, schema.ErrSessionNotFound) {
		v.log.With("session", id).Debug("viewer focus release failed", "err", err)
	}
	if _, err := v.service.SetVisibility(ctx, schema.SetVisibilityRequest{SessionID: id}); err != nil && !errors.Is(err, schema.ErrSessionNotFound) {
		v.log.With("session", id).Debug("viewer visibility release failed", "err", err)
	}
	v.log.With("session", id).Info("viewer detached")
}

func (v *attachViewer) sessionName(id schema.SessionID) string {
	for _, s := range v.sessions {
		if s.ID == id {
			if s.Name != "" {
				return s.Name
			}
			break
		}
	}
	return string(id)
}
