package feedwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/canopyide/termflow/internal/frame"
	"github.com/canopyide/termflow/internal/hostproc"
	"github.com/canopyide/termflow/schema"
)

const defaultStopTimeout = 15 * time.Second

// ClientConfig describes one host link to a daemon.
type ClientConfig struct {
	// URL is the daemon's feed endpoint, ws:// or wss://.
	URL string
	// Host is the name announced in the hello. Defaults to the machine
	// hostname.
	Host string
	// ReplayBytes and PushWindow bound the process engine, see
	// hostproc.Config.
	ReplayBytes int
	PushWindow  int
	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration
}

// Client is the host end of a feed link. It runs session processes
// through a local hostproc engine and relays control both ways: the
// daemon's input, resize, mode, stop, wake and ack envelopes drive the
// engine, and the engine's output streams back as binary frames.
type Client struct {
	cfg    ClientConfig
	log    pslog.Logger
	conn   *websocket.Conn
	engine *hostproc.Host

	writeMu sync.Mutex
	scratch []byte

	mu      sync.Mutex
	pending map[schema.SessionID]chan error

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the daemon's feed endpoint, performs the
// hello/welcome exchange, and returns a client ready to Run.
func Dial(ctx context.Context, cfg ClientConfig, logger pslog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed url is required")
	}
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Host == "" {
		name, err := os.Hostname()
		if err != nil || name == "" {
			name = "local"
		}
		cfg.Host = name
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		log:     logger.With("feed", cfg.URL),
		conn:    conn,
		pending: make(map[schema.SessionID]chan error),
		closed:  make(chan struct{}),
	}
	c.engine = hostproc.New(hostproc.Config{
		ReplayBytes: cfg.ReplayBytes,
		PushWindow:  cfg.PushWindow,
		OnExit:      c.reportExit,
	}, logger)
	c.engine.SetPushSink(c.pushOutput)

	if err := c.handshake(ctx); err != nil {
		_ = conn.Close()
		_ = c.engine.Close()
		return nil, err
	}
	c.log.Info("feed link established", "host", cfg.Host)
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	if err := c.send(Envelope{Type: TypeHello, Proto: ProtocolVersion, Host: c.cfg.Host}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	deadline := time.Now().Add(defaultStartTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	var welcome Envelope
	if err := readEnvelope(c.conn, &welcome); err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	if welcome.Type != TypeWelcome {
		return fmt.Errorf("expected welcome, got %q", welcome.Type)
	}
	if welcome.Proto != ProtocolVersion {
		return fmt.Errorf("protocol %d, want %d", welcome.Proto, ProtocolVersion)
	}
	return nil
}

// Announce asks the daemon to register a session this host will run.
// It returns once the daemon either launches the session or rejects it.
func (c *Client) Announce(ctx context.Context, req schema.CreateSessionRequest) error {
	if err := schema.ValidateSessionID(req.SessionID); err != nil {
		return err
	}
	if req.Command == "" {
		return fmt.Errorf("%w: missing command", schema.ErrInvalidRequest)
	}

	ch := make(chan error, 1)
	c.mu.Lock()
	if _, dup := c.pending[req.SessionID]; dup {
		c.mu.Unlock()
		return schema.ErrSessionExists
	}
	c.pending[req.SessionID] = ch
	c.mu.Unlock()

	if err := c.send(specEnvelope(TypeCreate, req)); err != nil {
		c.resolveAnnounce(req.SessionID, nil)
		return fmt.Errorf("send create: %w", err)
	}
	select {
	case err := <-ch:
		return err
	case <-c.closed:
		return schema.ErrBackendUnavailable
	case <-ctx.Done():
		c.resolveAnnounce(req.SessionID, nil)
		return ctx.Err()
	}
}

// Run pumps daemon envelopes until the connection fails or ctx is
// canceled, then shuts the engine down.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-c.closed:
		}
	}()

	var err error
	for {
		var kind int
		var data []byte
		kind, data, err = c.conn.ReadMessage()
		if err != nil {
			break
		}
		if kind != websocket.TextMessage {
			c.log.Warn("feed message unexpected", "kind", kind)
			continue
		}
		var e Envelope
		if jerr := json.Unmarshal(data, &e); jerr != nil {
			c.log.Warn("feed envelope malformed", "error", jerr)
			continue
		}
		c.dispatch(ctx, e)
	}
	c.closeOnce.Do(func() { close(c.closed) })
	c.failPending()
	_ = c.engine.Close()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close tears the link down; Run unblocks with a read error.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "host leaving"), deadline)
	err := c.conn.Close()
	_ = c.engine.Close()
	return err
}

func (c *Client) dispatch(ctx context.Context, e Envelope) {
	switch e.Type {
	case TypeStart:
		c.handleStart(ctx, e)
	case TypeReject:
		c.log.Warn("feed create rejected", "session", e.Session, "error", e.Error)
		c.resolveAnnounce(e.Session, fmt.Errorf("%w: %s", schema.ErrInvalidRequest, e.Error))
	case TypeInput:
		if err := c.engine.WriteInput(ctx, e.Session, e.Data); err != nil {
			c.log.Warn("feed input failed", "session", e.Session, "error", err)
		}
	case TypeResize:
		g := schema.Geometry{Cols: e.Cols, Rows: e.Rows}
		if err := c.engine.Resize(ctx, e.Session, g); err != nil {
			c.log.Warn("feed resize failed", "session", e.Session, "error", err)
		}
	case TypeMode:
		mode := schema.StreamMode(e.Mode)
		if mode != schema.StreamActive && mode != schema.StreamBackground {
			c.log.Warn("feed mode unknown", "session", e.Session, "mode", e.Mode)
			return
		}
		if err := c.engine.SetActivityTier(ctx, e.Session, mode); err != nil {
			c.log.Warn("feed mode failed", "session", e.Session, "error", err)
		}
	case TypeStop:
		// Stop waits for the process to die; keep the pump reading.
		go c.handleStop(ctx, e.Session)
	case TypeWake:
		c.handleWake(ctx, e)
	case TypeAck:
		if err := c.engine.AckConsumed(ctx, e.Session, e.Bytes); err != nil {
			c.log.Trace("feed ack failed", "session", e.Session, "error", err)
		}
	default:
		c.log.Warn("feed envelope unexpected", "type", e.Type)
	}
}

func (c *Client) handleStart(ctx context.Context, e Envelope) {
	spec := e.sessionSpec()
	err := c.engine.Start(ctx, spec)
	reply := Envelope{Type: TypeStarted, Session: e.Session}
	if err != nil {
		reply.Error = err.Error()
	}
	if serr := c.send(reply); serr != nil {
		c.log.Warn("feed started send failed", "session", e.Session, "error", serr)
	}
	c.resolveAnnounce(e.Session, err)
}

func (c *Client) handleStop(ctx context.Context, id schema.SessionID) {
	stopCtx, cancel := context.WithTimeout(ctx, defaultStopTimeout)
	defer cancel()
	if err := c.engine.Stop(stopCtx, id); err != nil {
		c.log.Warn("feed stop failed", "session", id, "error", err)
	}
}

func (c *Client) handleWake(ctx context.Context, e Envelope) {
	data, ok, err := c.engine.Wake(ctx, e.Session)
	reply := Envelope{Type: TypeWoke, Seq: e.Seq, Session: e.Session, Data: data, OK: ok}
	if err != nil {
		reply.Error = err.Error()
	}
	if serr := c.send(reply); serr != nil {
		c.log.Warn("feed woke send failed", "session", e.Session, "error", serr)
	}
}

func (c *Client) resolveAnnounce(id schema.SessionID, err error) {
	c.mu.Lock()
	ch := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[schema.SessionID]chan error)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- schema.ErrBackendUnavailable
	}
}

// pushOutput is the engine's push sink. It frames the chunk and ships
// it as one binary message; the engine's pacing window keeps the
// outstanding volume bounded until acks come back.
func (c *Client) pushOutput(id schema.SessionID, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	framed, err := frame.Append(c.scratch[:0], schema.Packet{SessionID: id, Payload: data})
	if err != nil {
		c.log.Warn("feed frame encode failed", "session", id, "error", err)
		return
	}
	c.scratch = framed
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, framed); err != nil {
		c.log.Trace("feed push failed", "session", id, "error", err)
	}
}

func (c *Client) reportExit(id schema.SessionID, code int) {
	if err := c.send(Envelope{Type: TypeExited, Session: id, Code: code}); err != nil {
		c.log.Trace("feed exit report failed", "session", id, "error", err)
	}
}

func (c *Client) send(e Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
