package feedwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/canopyide/termflow/core"
	"github.com/canopyide/termflow/internal/frame"
	"github.com/canopyide/termflow/schema"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultStartTimeout = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultPingInterval = 25 * time.Second
)

// SessionRegistry is the slice of the pipeline API a link drives when a
// host announces or abandons sessions.
type SessionRegistry interface {
	CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.CreateSessionResponse, error)
	CloseSession(ctx context.Context, req schema.CloseSessionRequest) (schema.CloseSessionResponse, error)
}

// Binder routes per-session backend calls to the link that owns them.
type Binder interface {
	Bind(id schema.SessionID, b core.Backend)
	Unbind(id schema.SessionID)
}

// LinkConfig bounds a daemon-side link.
type LinkConfig struct {
	// MaxPacketBytes caps a single decoded output payload.
	MaxPacketBytes int
	// WriteTimeout bounds each outbound control write.
	WriteTimeout time.Duration
	// StartTimeout bounds the launch handshake for one session.
	StartTimeout time.Duration
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	return c
}

// LinkDeps wires a link into the daemon.
type LinkDeps struct {
	Sessions SessionRegistry
	Binder   Binder
	// Push hands decoded output payloads to the pipeline.
	Push   func(id schema.SessionID, data []byte)
	Logger pslog.Logger
}

// Link is the daemon end of one host connection. It implements
// core.Backend for the sessions the host announced; output arrives on
// the same websocket as binary frames and is pushed into the pipeline.
type Link struct {
	cfg  LinkConfig
	deps LinkDeps
	log  pslog.Logger
	conn *websocket.Conn
	host string

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[schema.SessionID]*linkSession
	wakes    map[uint64]chan wakeReply
	seq      uint64

	closed    chan struct{}
	closeOnce sync.Once

	// discarded mirrors the decoder's running total so deliver can log
	// deltas. Touched only by the Run pump.
	discarded uint64
}

type linkSession struct {
	spec    schema.CreateSessionRequest
	started chan error
	exited  chan struct{}
	gone    bool
	code    int
}

type wakeReply struct {
	data []byte
	ok   bool
	err  error
}

// Accept performs the hello/welcome exchange on a freshly upgraded
// connection and returns the link ready to Run.
func Accept(ctx context.Context, conn *websocket.Conn, cfg LinkConfig, deps LinkDeps) (*Link, error) {
	if deps.Sessions == nil || deps.Binder == nil || deps.Push == nil {
		return nil, errors.New("link deps incomplete")
	}
	log := deps.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	cfg = cfg.withDefaults()

	deadline := time.Now().Add(cfg.StartTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	var hello Envelope
	if err := readEnvelope(conn, &hello); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if err := checkHello(hello); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	l := &Link{
		cfg:      cfg,
		deps:     deps,
		log:      log.With("host", hello.Host),
		conn:     conn,
		host:     hello.Host,
		sessions: make(map[schema.SessionID]*linkSession),
		wakes:    make(map[uint64]chan wakeReply),
		closed:   make(chan struct{}),
	}
	if err := l.send(Envelope{Type: TypeWelcome, Proto: ProtocolVersion}); err != nil {
		return nil, fmt.Errorf("send welcome: %w", err)
	}
	l.log.Info("feed link open", "proto", hello.Proto)
	return l, nil
}

// Host reports the name the peer announced in its hello.
func (l *Link) Host() string { return l.host }

// Run pumps the connection until it fails or ctx is canceled, then
// tears down every session the link still owns. It always returns the
// error that ended the pump.
func (l *Link) Run(ctx context.Context) error {
	go l.keepalive(ctx)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.conn.Close()
		case <-l.closed:
		}
	}()

	dec := frame.NewDecoder(l.cfg.MaxPacketBytes)
	var err error
	for {
		var kind int
		var data []byte
		kind, data, err = l.conn.ReadMessage()
		if err != nil {
			break
		}
		switch kind {
		case websocket.BinaryMessage:
			l.deliver(dec, data)
		case websocket.TextMessage:
			var e Envelope
			if jerr := json.Unmarshal(data, &e); jerr != nil {
				l.log.Warn("feed envelope malformed", "error", jerr)
				continue
			}
			l.dispatch(ctx, e)
		}
	}
	l.shutdown(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close tears the connection down; Run unblocks with a read error.
func (l *Link) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	deadline := time.Now().Add(time.Second)
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "link closed"), deadline)
	return l.conn.Close()
}

func (l *Link) keepalive(ctx context.Context) {
	_ = l.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	ticker := time.NewTicker(defaultPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(l.cfg.WriteTimeout)
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-l.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *Link) deliver(dec *frame.Decoder, chunk []byte) {
	for _, pkt := range dec.Decode(chunk) {
		l.mu.Lock()
		_, owned := l.sessions[pkt.SessionID]
		l.mu.Unlock()
		if !owned {
			l.log.Trace("feed output for unknown session", "session", pkt.SessionID)
			continue
		}
		l.deps.Push(pkt.SessionID, pkt.Payload)
	}
	if n := dec.Discarded(); n > l.discarded {
		l.log.Warn("feed frames discarded", "bytes", n-l.discarded)
		l.discarded = n
	}
}

func (l *Link) dispatch(ctx context.Context, e Envelope) {
	switch e.Type {
	case TypeCreate:
		// Registration calls back into Start on this link, which waits
		// for the host's reply on this very pump. Run it off-pump.
		go l.handleCreate(ctx, e)
	case TypeStarted:
		l.resolveStart(e)
	case TypeWoke:
		l.resolveWake(e)
	case TypeExited:
		l.handleExited(e)
	default:
		l.log.Warn("feed envelope unexpected", "type", e.Type)
	}
}

func (l *Link) handleCreate(ctx context.Context, e Envelope) {
	spec := e.sessionSpec()
	if err := schema.ValidateSessionID(spec.SessionID); err != nil {
		l.rejectCreate(e.Session, err)
		return
	}
	if spec.Command == "" {
		l.rejectCreate(e.Session, fmt.Errorf("%w: missing command", schema.ErrInvalidRequest))
		return
	}

	ls := &linkSession{
		spec:    spec,
		started: make(chan error, 1),
		exited:  make(chan struct{}),
	}
	l.mu.Lock()
	if _, dup := l.sessions[spec.SessionID]; dup {
		l.mu.Unlock()
		l.rejectCreate(spec.SessionID, schema.ErrSessionExists)
		return
	}
	l.sessions[spec.SessionID] = ls
	l.mu.Unlock()

	// Bind before registering so the pipeline's launch call routes here.
	l.deps.Binder.Bind(spec.SessionID, l)
	if _, err := l.deps.Sessions.CreateSession(ctx, spec); err != nil {
		l.deps.Binder.Unbind(spec.SessionID)
		l.mu.Lock()
		delete(l.sessions, spec.SessionID)
		l.mu.Unlock()
		l.rejectCreate(spec.SessionID, err)
		return
	}
	l.log.Info("feed session created", "session", spec.SessionID, "command", spec.Command)
}

func (l *Link) rejectCreate(id schema.SessionID, err error) {
	l.log.Warn("feed create rejected", "session", id, "error", err)
	if serr := l.send(Envelope{Type: TypeReject, Session: id, Error: err.Error()}); serr != nil {
		l.log.Warn("feed reject send failed", "session", id, "error", serr)
	}
}

func (l *Link) resolveStart(e Envelope) {
	l.mu.Lock()
	ls := l.sessions[e.Session]
	l.mu.Unlock()
	if ls == nil {
		return
	}
	var err error
	if e.Error != "" {
		err = fmt.Errorf("%w: %s", schema.ErrBackendUnavailable, e.Error)
	}
	select {
	case ls.started <- err:
	default:
	}
}

func (l *Link) resolveWake(e Envelope) {
	l.mu.Lock()
	ch := l.wakes[e.Seq]
	delete(l.wakes, e.Seq)
	l.mu.Unlock()
	if ch == nil {
		return
	}
	reply := wakeReply{data: e.Data, ok: e.OK}
	if e.Error != "" {
		reply.err = errors.New(e.Error)
	}
	ch <- reply
}

func (l *Link) handleExited(e Envelope) {
	l.mu.Lock()
	ls := l.sessions[e.Session]
	if ls != nil && !ls.gone {
		ls.gone = true
		ls.code = e.Code
		close(ls.exited)
	}
	l.mu.Unlock()
	if ls == nil {
		return
	}
	l.log.Info("feed session exit", "session", e.Session, "code", e.Code)
}

// shutdown closes every session the host still owned. The host is gone;
// leaving the sessions registered would strand them with a dead backend.
func (l *Link) shutdown(ctx context.Context) {
	l.closeOnce.Do(func() { close(l.closed) })

	l.mu.Lock()
	ids := make([]schema.SessionID, 0, len(l.sessions))
	for id, ls := range l.sessions {
		if !ls.gone {
			ls.gone = true
			close(ls.exited)
		}
		ids = append(ids, id)
	}
	l.sessions = make(map[schema.SessionID]*linkSession)
	for seq, ch := range l.wakes {
		delete(l.wakes, seq)
		ch <- wakeReply{err: schema.ErrBackendUnavailable}
	}
	l.mu.Unlock()

	for _, id := range ids {
		l.deps.Binder.Unbind(id)
		if _, err := l.deps.Sessions.CloseSession(ctx, schema.CloseSessionRequest{SessionID: id}); err != nil {
			l.log.Warn("feed session close failed", "session", id, "error", err)
		}
	}
	if len(ids) > 0 {
		l.log.Info("feed link lost, sessions closed", "sessions", len(ids))
	}
}

func (l *Link) send(e Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *Link) session(id schema.SessionID) (*linkSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls := l.sessions[id]
	if ls == nil {
		return nil, schema.ErrSessionNotFound
	}
	return ls, nil
}

// Start implements core.Backend by telling the host to launch the
// announced process and waiting for its reply.
func (l *Link) Start(ctx context.Context, req schema.CreateSessionRequest) error {
	ls, err := l.session(req.SessionID)
	if err != nil {
		return err
	}
	if err := l.send(specEnvelope(TypeStart, req)); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrBackendUnavailable, err)
	}
	timer := time.NewTimer(l.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case err := <-ls.started:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: start timed out", schema.ErrBackendUnavailable)
	case <-l.closed:
		return schema.ErrBackendUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop implements core.Backend.
func (l *Link) Stop(ctx context.Context, id schema.SessionID) error {
	ls, err := l.session(id)
	if err != nil {
		return err
	}
	if err := l.send(Envelope{Type: TypeStop, Session: id}); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrBackendUnavailable, err)
	}
	select {
	case <-ls.exited:
	case <-l.closed:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.mu.Lock()
	delete(l.sessions, id)
	l.mu.Unlock()
	// The claim ends with the session; a later session under the same
	// id routes locally again.
	l.deps.Binder.Unbind(id)
	return nil
}

// WriteInput implements core.Backend.
func (l *Link) WriteInput(ctx context.Context, id schema.SessionID, data []byte) error {
	if _, err := l.session(id); err != nil {
		return err
	}
	if err := l.send(Envelope{Type: TypeInput, Session: id, Data: data}); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrBackendUnavailable, err)
	}
	return nil
}

// Wake implements core.Backend. The request is correlated with the
// host's reply by sequence number; ctx bounds the wait.
func (l *Link) Wake(ctx context.Context, id schema.SessionID) ([]byte, bool, error) {
	if _, err := l.session(id); err != nil {
		return nil, false, err
	}
	ch := make(chan wakeReply, 1)
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.wakes[seq] = ch
	l.mu.Unlock()

	if err := l.send(Envelope{Type: TypeWake, Seq: seq, Session: id}); err != nil {
		l.mu.Lock()
		delete(l.wakes, seq)
		l.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %v", schema.ErrBackendUnavailable, err)
	}
	select {
	case reply := <-ch:
		return reply.data, reply.ok, reply.err
	case <-l.closed:
		return nil, false, schema.ErrBackendUnavailable
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.wakes, seq)
		l.mu.Unlock()
		return nil, false, ctx.Err()
	}
}

// AckConsumed implements core.Backend.
func (l *Link) AckConsumed(ctx context.Context, id schema.SessionID, n int) error {
	if _, err := l.session(id); err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}
	return l.send(Envelope{Type: TypeAck, Session: id, Bytes: n})
}

// SetActivityTier implements core.Backend.
func (l *Link) SetActivityTier(ctx context.Context, id schema.SessionID, mode schema.StreamMode) error {
	if _, err := l.session(id); err != nil {
		return err
	}
	return l.send(Envelope{Type: TypeMode, Session: id, Mode: string(mode)})
}

// Resize implements core.Backend.
func (l *Link) Resize(ctx context.Context, id schema.SessionID, g schema.Geometry) error {
	if _, err := l.session(id); err != nil {
		return err
	}
	return l.send(Envelope{Type: TypeResize, Session: id, Cols: g.Cols, Rows: g.Rows})
}

// OpenTransport implements core.Backend. Link output always arrives in
// push mode on the websocket itself.
func (l *Link) OpenTransport(ctx context.Context) (core.Transport, error) {
	return nil, schema.ErrTransportUnavailable
}

func readEnvelope(conn *websocket.Conn, e *Envelope) error {
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	if kind != websocket.TextMessage {
		return fmt.Errorf("unexpected message kind %d", kind)
	}
	return json.Unmarshal(data, e)
}
