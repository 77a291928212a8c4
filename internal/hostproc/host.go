// Package hostproc runs terminal sessions as local child processes and
// feeds their output into the pipeline. It is the in-process backend:
// output is framed into shared-memory ring shards when a ring directory
// is configured and pushed directly otherwise. Each session keeps a
// bounded replay tail so a wake can reconstruct the screen after
// background streaming.
package hostproc

import (
	"context"
	"fmt"
	"os"
	"sync"

	"pkt.systems/pslog"

	"github.com/canopyide/termflow/core"
	"github.com/canopyide/termflow/internal/frame"
	"github.com/canopyide/termflow/internal/shmring"
	"github.com/canopyide/termflow/schema"
)

// Config controls the host.
type Config struct {
	// RingDir is where shard files are created. Empty disables shared
	// memory and the host delivers through the push sink instead.
	RingDir        string
	RingShards     int
	RingShardBytes int
	// ReplayBytes bounds the per-session replay tail.
	ReplayBytes int
	// ChunkBytes is the pump read size.
	ChunkBytes int
	// PushWindow is the unacknowledged byte watermark at which the pump
	// pauses in push mode. Shared memory paces through the ring itself.
	PushWindow int
	// MaxPacketBytes and ReadBudget parameterize the transport handed to
	// the pipeline.
	MaxPacketBytes int
	ReadBudget     int
	// OnExit, when set, is invoked after a session's process exits. The
	// session stays registered until it is closed.
	OnExit func(id schema.SessionID, code int)
}

const (
	defaultReplayBytes = 256 * 1024
	defaultChunkBytes  = 32 * 1024
	defaultPushWindow  = 1 << 20
)

// Host implements core.Backend with local child processes.
type Host struct {
	cfg Config
	log pslog.Logger

	mu        sync.Mutex
	procs     map[schema.SessionID]*proc
	ring      *shmring.Ring
	nextShard int
	push      func(schema.SessionID, []byte)
	closed    bool
}

// New constructs a Host.
func New(cfg Config, logger pslog.Logger) *Host {
	if cfg.ReplayBytes <= 0 {
		cfg.ReplayBytes = defaultReplayBytes
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = defaultChunkBytes
	}
	if cfg.PushWindow <= 0 {
		cfg.PushWindow = defaultPushWindow
	}
	if cfg.RingShards <= 0 {
		cfg.RingShards = shmring.DefaultShards
	}
	if cfg.RingShardBytes <= 0 {
		cfg.RingShardBytes = shmring.DefaultShardBytes
	}
	if cfg.MaxPacketBytes <= 0 {
		cfg.MaxPacketBytes = schema.DefaultMaxPacketBytes
	}
	if cfg.ReadBudget <= 0 {
		cfg.ReadBudget = schema.DefaultReadByteBudget
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Host{
		cfg:   cfg,
		log:   logger,
		procs: make(map[schema.SessionID]*proc),
	}
}

// SetPushSink wires the push-mode delivery target. Must be set before
// sessions start when no ring directory is configured.
func (h *Host) SetPushSink(fn func(schema.SessionID, []byte)) {
	h.mu.Lock()
	h.push = fn
	h.mu.Unlock()
}

// OpenTransport creates the ring shards and returns a consumer-side
// transport over them. Without a ring directory the host reports the
// transport unavailable and the pipeline falls back to push delivery.
func (h *Host) OpenTransport(ctx context.Context) (core.Transport, error) {
	_ = ctx
	if h.cfg.RingDir == "" {
		return nil, schema.ErrTransportUnavailable
	}
	if err := os.MkdirAll(h.cfg.RingDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrTransportUnavailable, err)
	}
	writer, err := shmring.CreateRing(h.cfg.RingDir, h.cfg.RingShards, h.cfg.RingShardBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrTransportUnavailable, err)
	}
	reader, err := shmring.OpenRing(h.cfg.RingDir)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("%w: %v", schema.ErrTransportUnavailable, err)
	}
	h.mu.Lock()
	old := h.ring
	h.ring = writer
	h.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	h.log.Info("host ring created", "dir", h.cfg.RingDir, "shards", writer.Shards(), "shard_bytes", h.cfg.RingShardBytes)
	return core.NewShmTransport(reader, h.cfg.MaxPacketBytes, h.cfg.ReadBudget), nil
}

// Start launches the session's command.
func (h *Host) Start(ctx context.Context, req schema.CreateSessionRequest) error {
	_ = ctx
	if req.Command == "" {
		return fmt.Errorf("%w: missing command", schema.ErrInvalidRequest)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return schema.ErrSessionClosed
	}
	if _, ok := h.procs[req.SessionID]; ok {
		h.mu.Unlock()
		return schema.ErrSessionExists
	}
	shard := 0
	if h.ring != nil {
		shard = h.nextShard % h.ring.Shards()
		h.nextShard++
	}
	h.mu.Unlock()

	p, err := h.spawn(req, shard)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		p.abandon()
		return schema.ErrSessionClosed
	}
	if _, ok := h.procs[req.SessionID]; ok {
		h.mu.Unlock()
		p.abandon()
		return schema.ErrSessionExists
	}
	h.procs[req.SessionID] = p
	h.mu.Unlock()

	go p.pump()
	h.log.With("session", req.SessionID).Info("host session start",
		"command", req.Command, "pid", p.pid(), "shard", shard, "cols", p.geomCols(), "rows", p.geomRows())
	return nil
}

// Stop terminates the session's process and unregisters it.
func (h *Host) Stop(ctx context.Context, id schema.SessionID) error {
	h.mu.Lock()
	p := h.procs[id]
	delete(h.procs, id)
	h.mu.Unlock()
	if p == nil {
		return schema.ErrSessionNotFound
	}
	p.kill()
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.log.With("session", id).Info("host session stop", "exit", p.exitCode())
	return nil
}

// WriteInput delivers keyboard bytes to the session's stdin.
func (h *Host) WriteInput(ctx context.Context, id schema.SessionID, data []byte) error {
	_ = ctx
	p := h.proc(id)
	if p == nil {
		return schema.ErrSessionNotFound
	}
	return p.writeInput(data)
}

// Wake returns the replay tail as a serialized screen reconstruction.
// The tail is prefixed with a clear so stale content cannot bleed into
// the replay; ok is false when the session has produced nothing yet.
func (h *Host) Wake(ctx context.Context, id schema.SessionID) ([]byte, bool, error) {
	_ = ctx
	p := h.proc(id)
	if p == nil {
		return nil, false, schema.ErrSessionNotFound
	}
	state, backlog := p.wake()
	if len(state) == 0 {
		return nil, false, nil
	}
	h.log.With("session", id).Debug("host wake replay", "bytes", len(state), "backlog", backlog)
	return state, true, nil
}

// AckConsumed credits the push-mode flow control window. Shared-memory
// delivery acknowledges through the reader cursor and never calls this.
func (h *Host) AckConsumed(ctx context.Context, id schema.SessionID, n int) error {
	_ = ctx
	p := h.proc(id)
	if p == nil {
		return schema.ErrSessionNotFound
	}
	p.ack(n)
	return nil
}

// SetActivityTier gates live streaming for the session. Background
// accumulates into the replay tail only; the backlog is delivered by the
// next wake.
func (h *Host) SetActivityTier(ctx context.Context, id schema.SessionID, mode schema.StreamMode) error {
	_ = ctx
	p := h.proc(id)
	if p == nil {
		return schema.ErrSessionNotFound
	}
	p.setMode(mode)
	h.log.With("session", id).Debug("host stream mode", "mode", string(mode))
	return nil
}

// Resize records the new geometry and notifies the process group.
func (h *Host) Resize(ctx context.Context, id schema.SessionID, g schema.Geometry) error {
	_ = ctx
	p := h.proc(id)
	if p == nil {
		return schema.ErrSessionNotFound
	}
	p.resize(g)
	return nil
}

// Close stops every session and releases the producer ring mapping.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	procs := make([]*proc, 0, len(h.procs))
	for _, p := range h.procs {
		procs = append(procs, p)
	}
	h.procs = make(map[schema.SessionID]*proc)
	ring := h.ring
	h.ring = nil
	h.mu.Unlock()
	for _, p := range procs {
		p.kill()
	}
	for _, p := range procs {
		<-p.done
	}
	if ring != nil {
		return ring.Close()
	}
	return nil
}

func (h *Host) proc(id schema.SessionID) *proc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[id]
}

// emit delivers one live chunk: framed into the session's ring shard
// when shared memory is up, otherwise through the push sink. A full
// shard drops the chunk; the shard's drop counter records it.
func (h *Host) emit(p *proc, chunk []byte) {
	h.mu.Lock()
	ring := h.ring
	push := h.push
	h.mu.Unlock()
	if ring != nil {
		framed, err := frame.Append(p.scratch[:0], schema.Packet{SessionID: p.id, Payload: chunk})
		if err != nil {
			h.log.With("session", p.id).Warn("host frame encode failed", "err", err)
			return
		}
		p.scratch = framed
		ok, err := ring.Shard(p.shard).Write(framed)
		if err != nil {
			h.log.With("session", p.id).Warn("host ring write failed", "err", err)
			return
		}
		if !ok {
			h.log.With("session", p.id).Trace("host ring full, chunk dropped", "bytes", len(chunk))
		}
		return
	}
	if push != nil {
		push(p.id, chunk)
	}
}

func (h *Host) onProcExit(p *proc, code int) {
	h.log.With("session", p.id).Info("host session exit", "exit", code)
	if h.cfg.OnExit != nil {
		h.cfg.OnExit(p.id, code)
	}
}
