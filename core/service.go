package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"github.com/canopyide/termflow/internal/logx"
	"github.com/canopyide/termflow/schema"
)

var defaultGeometry = schema.Geometry{Cols: 80, Rows: 24}

// service implements the pipeline behavior. The session map is the only
// state guarded by mu; the policy components carry their own locks, and
// every call into a component happens with mu released so component
// callbacks can re-enter the service without ordering hazards.
type service struct {
	cfg      schema.PipelineConfig
	backend  Backend
	surfaces SurfaceFactory
	sink     EventSink
	logger   pslog.Logger
	clock    Clock

	sched     *scheduler
	tel       *telemetry
	coalescer *coalescer
	resizer   *resizeCoordinator
	tiers     *tierPolicy
	pool      *contextPool
	unseen    *unseenTracker
	ingest    *ingestor
	wakes     singleflight.Group

	mu       sync.Mutex
	sessions map[schema.SessionID]*session
	live     atomic.Int64
	genSeq   atomic.Uint64
}

// NewService constructs the pipeline service.
func NewService(cfg schema.PipelineConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizePipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	clock := deps.Clock
	if clock == nil {
		clock = systemClock{}
	}
	svc := &service{
		cfg:      cfg,
		backend:  deps.Backend,
		surfaces: deps.Surfaces,
		sink:     deps.EventSink,
		logger:   logger,
		clock:    clock,
		sessions: make(map[schema.SessionID]*session),
	}
	svc.sched = newScheduler(clock)
	svc.tel = &telemetry{}
	svc.coalescer = newCoalescer(cfg.Coalesce, clock, svc.sched, deps.Detector, svc.presentOutput, logger)
	svc.resizer = newResizeCoordinator(cfg.Resize, clock, svc.sched, svc.applyResize)
	svc.tiers = newTierPolicy(cfg.Tier, svc.sched, svc.onTierCommit)
	svc.pool = newContextPool(cfg.Budget, clock, svc.sched, svc.liveSessions, svc.onContextEvent)
	svc.unseen = newUnseenTracker()
	svc.ingest = newIngestor(cfg.Ingest, logger, svc.tel, svc.ingestPacket)
	return svc, nil
}

func (s *service) liveSessions() int {
	return int(s.live.Load())
}

// Start negotiates the output transport. A missing or failed shared
// memory setup is expected and leaves the pipeline in push mode.
func (s *service) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("missing context")
	}
	if s.backend == nil {
		s.logger.Debug("service start without backend, push mode only")
		return nil
	}
	tr, err := s.backend.OpenTransport(ctx)
	if err != nil {
		s.logger.Debug("service transport unavailable, using push delivery", "err", err)
		return nil
	}
	s.ingest.start(tr)
	return nil
}

// Close stops ingestion and tears down every session.
func (s *service) Close() error {
	s.ingest.stop()
	s.mu.Lock()
	ids := make([]schema.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, err := s.CloseSession(context.Background(), schema.CloseSessionRequest{SessionID: id}); err != nil {
			s.logger.Warn("service close session failed", "session", id, "err", err)
		}
	}
	s.sched.cancelAll()
	return nil
}

// PushOutput lands one delivered message when running in push mode.
func (s *service) PushOutput(sessionID schema.SessionID, data []byte) {
	s.ingest.deliver(sessionID, data)
}

// ingestPacket forwards a decoded packet to the coalescer. Packets for
// unknown sessions are discarded and still acknowledged so a paused
// producer can resume.
func (s *service) ingestPacket(id schema.SessionID, data []byte) {
	if s.coalescer.ingest(id, data) {
		return
	}
	s.tel.bytesDiscarded.Add(uint64(len(data)))
	s.ackConsumed(id, len(data))
	s.logger.Trace("service dropped packet for unknown session", "session", id, "bytes", len(data))
}

// presentOutput is the coalescer emit callback: it counts the batch,
// updates scroll and unseen state, publishes the event, and hands the
// bytes to the surface with a flush ticket for the ack path.
func (s *service) presentOutput(id schema.SessionID, kind schema.OutputKind, data []byte) {
	s.mu.Lock()
	sess := s.sessions[id]
	if sess == nil {
		s.mu.Unlock()
		s.tel.bytesDiscarded.Add(uint64(len(data)))
		s.ackConsumed(id, len(data))
		return
	}
	sess.seq++
	ticket := presentTicket{id: id, gen: sess.gen, bytes: len(data)}
	seq := sess.seq
	surface := sess.surface
	sess.viewport.recordOutput(data)
	atBottom := sess.viewport.state().AtBottom
	s.mu.Unlock()

	switch kind {
	case schema.OutputFrame:
		s.tel.framesPresented.Add(1)
	case schema.OutputInteractive:
		s.tel.interactiveFlush.Add(1)
	default:
		s.tel.normalFlushes.Add(1)
	}
	s.pool.touch(id)
	if count, notify := s.unseen.record(id, atBottom); notify {
		s.emitUnseen(schema.UnseenEvent{SessionID: id, Count: count})
	}
	s.emitOutput(schema.OutputEvent{SessionID: id, Kind: kind, Data: data, Seq: seq})
	if surface != nil {
		surface.Write(data, func() { s.onFlushed(ticket) })
	} else {
		s.onFlushed(ticket)
	}
	s.sched.pulse()
}

// onFlushed acknowledges rendered bytes once the surface reports them
// consumed. Tickets from an earlier incarnation of the id are dropped.
func (s *service) onFlushed(t presentTicket) {
	s.mu.Lock()
	sess := s.sessions[t.id]
	valid := sess != nil && sess.gen == t.gen
	s.mu.Unlock()
	if !valid {
		return
	}
	s.ackConsumed(t.id, t.bytes)
}

// ackConsumed reports consumed bytes for flow control in push mode.
// Shared memory acknowledges through its reader cursor and must not be
// double-reported.
func (s *service) ackConsumed(id schema.SessionID, n int) {
	if n <= 0 || s.backend == nil || s.ingest.selfAcking() {
		return
	}
	if err := s.backend.AckConsumed(context.Background(), id, n); err != nil {
		s.logger.Trace("service ack failed", "session", id, "err", err)
	}
}

// discardPending drops coalesced state for a session and accounts for
// the discarded bytes.
func (s *service) discardPending(id schema.SessionID, remove bool) {
	var discarded int
	if remove {
		discarded = s.coalescer.remove(id)
	} else {
		discarded = s.coalescer.reset(id)
	}
	if discarded > 0 {
		s.tel.bytesDiscarded.Add(uint64(discarded))
		s.ackConsumed(id, discarded)
	}
}

// applyResize performs one scheduled resize: pending output at the old
// geometry is discarded first, then surface and backend move together.
func (s *service) applyResize(id schema.SessionID, g schema.Geometry, px schema.PixelSize) error {
	s.mu.Lock()
	sess := s.sessions[id]
	if sess == nil {
		s.mu.Unlock()
		return schema.ErrSessionNotFound
	}
	surface := sess.surface
	s.mu.Unlock()

	s.discardPending(id, false)
	if surface != nil {
		if err := surface.Resize(g); err != nil {
			s.logger.Warn("service surface resize failed", "session", id, "err", err)
			return err
		}
	}
	if s.backend != nil {
		if err := s.backend.Resize(context.Background(), id, g); err != nil {
			s.logger.Warn("service backend resize failed", "session", id, "err", err)
			return err
		}
	}
	s.mu.Lock()
	if sess := s.sessions[id]; sess != nil {
		sess.geometry = g
	}
	s.mu.Unlock()
	s.tel.resizesApplied.Add(1)
	s.emitResize(schema.ResizeEvent{SessionID: id, Geometry: g, Pixels: px})
	return nil
}

// onTierCommit reacts to an applied tier change: informs the backend on
// a streaming-mode flip and settles any owed wake.
func (s *service) onTierCommit(c tierCommit) {
	s.tel.tierChanges.Add(1)
	s.mu.Lock()
	sess := s.sessions[c.id]
	if sess == nil {
		s.mu.Unlock()
		return
	}
	gen := sess.gen
	s.mu.Unlock()
	if c.modeChanged && s.backend != nil {
		if err := s.backend.SetActivityTier(context.Background(), c.id, c.mode); err != nil {
			s.logger.Warn("service activity tier failed", "session", c.id, "mode", string(c.mode), "err", err)
		}
	}
	s.emitTier(schema.TierEvent{SessionID: c.id, Previous: c.previous, Tier: c.tier})
	if c.wake {
		go s.wakeSession(c.id, gen)
	}
}

// notifyTierPending announces a downgrade waiting out hysteresis. The
// reported tier is still the one in effect.
func (s *service) notifyTierPending(id schema.SessionID, current schema.Tier, pending bool) {
	if pending {
		s.emitTier(schema.TierEvent{SessionID: id, Previous: current, Tier: current, Pending: true})
	}
}

// wakeSession resyncs a session returning from background streaming.
// Concurrent wakes for the same id share one in-flight request.
func (s *service) wakeSession(id schema.SessionID, gen uint64) bool {
	v, _, _ := s.wakes.Do(string(id), func() (any, error) {
		return s.doWake(id, gen), nil
	})
	ok, _ := v.(bool)
	return ok
}

// doWake fetches the serialized screen state and replays it as a frame
// through the sink and the surface. Failures leave the wake debt in
// place; a forced repaint is still issued so the session does not look
// frozen.
func (s *service) doWake(id schema.SessionID, gen uint64) bool {
	if s.backend == nil {
		return false
	}
	log := logx.SessionLogger(s.logger, id)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Tier.WakeTimeout)
	defer cancel()
	s.tel.wakes.Add(1)
	state, ok, err := s.backend.Wake(ctx, id)

	s.mu.Lock()
	sess := s.sessions[id]
	if sess == nil || sess.gen != gen {
		s.mu.Unlock()
		return false
	}
	surface := sess.surface
	if err == nil && ok {
		sess.restoring = true
	}
	s.mu.Unlock()

	if err != nil || !ok {
		s.tel.wakeFailures.Add(1)
		s.tiers.wakeFailed(id)
		if err != nil {
			log.Warn("service wake failed", "err", err)
		}
		s.forceRepaint(surface)
		return false
	}
	if len(state) > 0 {
		s.mu.Lock()
		live := false
		var seq uint64
		if sess := s.sessions[id]; sess != nil && sess.gen == gen {
			sess.seq++
			seq = sess.seq
			live = true
		}
		s.mu.Unlock()
		if live {
			s.emitOutput(schema.OutputEvent{SessionID: id, Kind: schema.OutputFrame, Data: state, Seq: seq})
			if surface != nil {
				surface.Write(state, nil)
			}
		}
	}
	s.mu.Lock()
	if sess := s.sessions[id]; sess != nil && sess.gen == gen {
		sess.restoring = false
	}
	s.mu.Unlock()
	s.forceRepaint(surface)
	log.Debug("service wake replayed", "bytes", len(state))
	return true
}

// Repainter is implemented by surfaces that can force a full repaint.
type Repainter interface {
	Repaint()
}

func (s *service) forceRepaint(surface Surface) {
	if r, ok := surface.(Repainter); ok {
		r.Repaint()
	}
}

func (s *service) onContextEvent(ev schema.ContextEvent) {
	switch ev.Type {
	case schema.ContextEventGranted:
		s.tel.contextsGranted.Add(1)
	case schema.ContextEventEvicted:
		s.tel.contextsEvicted.Add(1)
	case schema.ContextEventLost:
		s.tel.contextsLost.Add(1)
	case schema.ContextEventRecovered:
		s.tel.contextsRecovered.Add(1)
	}
	s.emitContext(ev)
}

func (s *service) CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.CreateSessionResponse, error) {
	if ctx == nil {
		return schema.CreateSessionResponse{}, errors.New("missing context")
	}
	if s.backend == nil {
		return schema.CreateSessionResponse{}, schema.ErrBackendUnavailable
	}
	id := req.SessionID
	if id == "" {
		id = schema.SessionID(newID())
	}
	if err := schema.ValidateSessionID(id); err != nil {
		return schema.CreateSessionResponse{}, err
	}
	name := string(id)
	if req.Name != "" {
		normalized, err := schema.NormalizeSessionName(req.Name)
		if err != nil {
			return schema.CreateSessionResponse{}, err
		}
		name = normalized
	}
	tier := req.Tier
	if !tier.Valid() {
		tier = schema.TierVisible
	}
	geometry := req.Geometry
	if geometry.Cols <= 0 || geometry.Rows <= 0 {
		geometry = defaultGeometry
	}
	visible := tier != schema.TierBackground
	log := logx.WithSession(ctx, id)
	log.Info("service session create start", "name", name, "command", req.Command, "tier", tier.String())

	now := s.clock.Now()
	sess := &session{
		id:        id,
		name:      name,
		status:    schema.SessionStatusRunning,
		gen:       s.genSeq.Add(1),
		createdAt: now,
		geometry:  geometry,
		visible:   visible,
		direct:    req.Direct,
		viewport:  newViewport(s.cfg.Resize.ScrollbackCap),
	}
	s.mu.Lock()
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return schema.CreateSessionResponse{}, schema.ErrSessionExists
	}
	s.sessions[id] = sess
	s.mu.Unlock()
	s.live.Add(1)

	s.coalescer.track(id)
	if req.Direct {
		s.coalescer.setDirect(id, true)
	}
	s.tiers.register(id, tier)
	s.resizer.register(id, req.Cell, geometry)
	s.pool.setVisible(id, visible)

	fail := func(err error) (schema.CreateSessionResponse, error) {
		log.Warn("service session create failed", "err", err)
		s.mu.Lock()
		surface := sess.surface
		sess.surface = nil
		s.mu.Unlock()
		s.unregisterSession(id, surface)
		return schema.CreateSessionResponse{}, err
	}
	if s.surfaces != nil {
		surface, err := s.surfaces.Open(id, geometry)
		if err != nil {
			return fail(err)
		}
		s.mu.Lock()
		sess.surface = surface
		s.mu.Unlock()
	}
	started := req
	started.SessionID = id
	started.Name = name
	started.Geometry = geometry
	started.Tier = tier
	if err := s.backend.Start(ctx, started); err != nil {
		return fail(err)
	}
	if visible {
		if err := s.pool.request(id); err != nil {
			log.Debug("service context not granted", "err", err)
		}
	}
	snapshot, _ := s.snapshotOf(id)
	s.emitSession(schema.SessionEvent{Type: schema.SessionEventCreated, Session: snapshot})
	log.Info("service session created", "cols", geometry.Cols, "rows", geometry.Rows)
	return schema.CreateSessionResponse{Session: snapshot}, nil
}

// unregisterSession removes the session from every component without
// touching the backend. surface, when non-nil, is closed.
func (s *service) unregisterSession(id schema.SessionID, surface Surface) {
	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		s.live.Add(-1)
	}
	s.mu.Unlock()
	s.discardPending(id, true)
	s.resizer.remove(id)
	s.tiers.remove(id)
	s.pool.removeSession(id)
	s.unseen.remove(id)
	if surface != nil {
		if err := surface.Close(); err != nil {
			s.logger.Warn("service surface close failed", "session", id, "err", err)
		}
	}
}

func (s *service) CloseSession(ctx context.Context, req schema.CloseSessionRequest) (schema.CloseSessionResponse, error) {
	if ctx == nil {
		return schema.CloseSessionResponse{}, errors.New("missing context")
	}
	id := req.SessionID
	log := logx.WithSession(ctx, id)
	snapshot, ok := s.snapshotOf(id)
	if !ok {
		return schema.CloseSessionResponse{}, schema.ErrSessionNotFound
	}
	s.mu.Lock()
	sess := s.sessions[id]
	if sess == nil {
		s.mu.Unlock()
		return schema.CloseSessionResponse{}, schema.ErrSessionNotFound
	}
	sess.status = schema.SessionStatusClosed
	surface := sess.surface
	delete(s.sessions, id)
	s.live.Add(-1)
	s.mu.Unlock()

	// Teardown is best effort: each step logs and the rest still runs.
	s.discardPending(id, true)
	s.resizer.remove(id)
	s.tiers.remove(id)
	s.pool.removeSession(id)
	s.unseen.remove(id)
	if surface != nil {
		if err := surface.Close(); err != nil {
			log.Warn("service surface close failed", "err", err)
		}
	}
	if s.backend != nil {
		if err := s.backend.Stop(ctx, id); err != nil {
			log.Warn("service backend stop failed", "err", err)
		}
	}
	snapshot.Status = schema.SessionStatusClosed
	s.emitSession(schema.SessionEvent{Type: schema.SessionEventClosed, Session: snapshot})
	log.Info("service session closed")
	return schema.CloseSessionResponse{Session: snapshot}, nil
}

func (s *service) ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
	if ctx == nil {
		return schema.ListSessionsResponse{}, errors.New("missing context")
	}
	s.mu.Lock()
	ids := make([]schema.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	snapshots := make([]schema.SessionSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.snapshotOf(id); ok {
			snapshots = append(snapshots, snap)
		}
	}
	sort.Slice(snapshots, func(i, j int) bool {
		if !snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
		}
		return snapshots[i].ID < snapshots[j].ID
	})
	return schema.ListSessionsResponse{Sessions: snapshots}, nil
}

func (s *service) WriteInput(ctx context.Context, req schema.WriteInputRequest) (schema.WriteInputResponse, error) {
	if ctx == nil {
		return schema.WriteInputResponse{}, errors.New("missing context")
	}
	if s.backend == nil {
		return schema.WriteInputResponse{}, schema.ErrBackendUnavailable
	}
	now := s.clock.Now()
	s.mu.Lock()
	sess := s.sessions[req.SessionID]
	if sess == nil {
		s.mu.Unlock()
		return schema.WriteInputResponse{}, schema.ErrSessionNotFound
	}
	sess.lastInput = now
	s.mu.Unlock()

	s.coalescer.markInteractive(req.SessionID)
	if err := s.backend.WriteInput(ctx, req.SessionID, req.Data); err != nil {
		return schema.WriteInputResponse{}, err
	}
	s.pool.touch(req.SessionID)
	if _, _, err := s.tiers.apply(req.SessionID, schema.TierBurst); err != nil && !errors.Is(err, schema.ErrSessionNotFound) {
		s.logger.Warn("service input tier failed", "session", req.SessionID, "err", err)
	}
	return schema.WriteInputResponse{}, nil
}

func (s *service) MarkInteractive(ctx context.Context, req schema.MarkInteractiveRequest) (schema.MarkInteractiveResponse, error) {
	if ctx == nil {
		return schema.MarkInteractiveResponse{}, errors.New("missing context")
	}
	if !s.sessionExists(req.SessionID) {
		return schema.MarkInteractiveResponse{}, schema.ErrSessionNotFound
	}
	s.coalescer.markInteractive(req.SessionID)
	return schema.MarkInteractiveResponse{}, nil
}

func (s *service) SetDirectMode(ctx context.Context, req schema.SetDirectModeRequest) (schema.SetDirectModeResponse, error) {
	if ctx == nil {
		return schema.SetDirectModeResponse{}, errors.New("missing context")
	}
	s.mu.Lock()
	sess := s.sessions[req.SessionID]
	if sess == nil {
		s.mu.Unlock()
		return schema.SetDirectModeResponse{}, schema.ErrSessionNotFound
	}
	sess.direct = req.Direct
	s.mu.Unlock()
	s.coalescer.setDirect(req.SessionID, req.Direct)
	if snapshot, ok := s.snapshotOf(req.SessionID); ok {
		s.emitSession(schema.SessionEvent{Type: schema.SessionEventDirect, Session: snapshot})
	}
	return schema.SetDirectModeResponse{Direct: req.Direct}, nil
}

func (s *service) SetVisibility(ctx context.Context, req schema.SetVisibilityRequest) (schema.SetVisibilityResponse, error) {
	if ctx == nil {
		return schema.SetVisibilityResponse{}, errors.New("missing context")
	}
	s.mu.Lock()
	sess := s.sessions[req.SessionID]
	if sess == nil {
		s.mu.Unlock()
		return schema.SetVisibilityResponse{}, schema.ErrSessionNotFound
	}
	sess.visible = req.Visible
	focused := sess.focused
	s.mu.Unlock()

	s.pool.setVisible(req.SessionID, req.Visible)
	if req.Visible {
		if err := s.pool.request(req.SessionID); err != nil {
			s.logger.Debug("service context not granted", "session", req.SessionID, "err", err)
		}
	} else {
		s.pool.release(req.SessionID)
	}
	applied, pending, err := s.tiers.apply(req.SessionID, tierFor(req.Visible, focused))
	if err != nil {
		return schema.SetVisibilityResponse{}, err
	}
	s.notifyTierPending(req.SessionID, applied, pending)
	if snapshot, ok := s.snapshotOf(req.SessionID); ok {
		s.emitSession(schema.SessionEvent{Type: schema.SessionEventVisibility, Session: snapshot})
	}
	return schema.SetVisibilityResponse{Tier: applied}, nil
}

func (s *service) SetFocus(ctx context.Context, req schema.SetFocusRequest) (schema.SetFocusResponse, error) {
	if ctx == nil {
		return schema.SetFocusResponse{}, errors.New("missing context")
	}
	s.mu.Lock()
	sess := s.sessions[req.SessionID]
	if sess == nil {
		s.mu.Unlock()
		return schema.SetFocusResponse{}, schema.ErrSessionNotFound
	}
	sess.focused = req.Focused
	visible := sess.visible
	s.mu.Unlock()

	if req.Focused {
		s.pool.touch(req.SessionID)
	}
	applied, pending, err := s.tiers.apply(req.SessionID, tierFor(visible, req.Focused))
	if err != nil {
		return schema.SetFocusResponse{}, err
	}
	s.notifyTierPending(req.SessionID, applied, pending)
	if snapshot, ok := s.snapshotOf(req.SessionID); ok {
		s.emitSession(schema.SessionEvent{Type: schema.SessionEventFocus, Session: snapshot})
	}
	return schema.SetFocusResponse{Tier: applied}, nil
}

func (s *service) ApplyTier(ctx context.Context, req schema.ApplyTierRequest) (schema.ApplyTierResponse, error) {
	if ctx == nil {
		return schema.ApplyTierResponse{}, errors.New("missing context")
	}
	if !req.Tier.Valid() {
		return schema.ApplyTierResponse{}, schema.ErrInvalidTier
	}
	applied, pending, err := s.tiers.apply(req.SessionID, req.Tier)
	if err != nil {
		return schema.ApplyTierResponse{}, err
	}
	s.notifyTierPending(req.SessionID, applied, pending)
	return schema.ApplyTierResponse{Applied: applied, Pending: pending}, nil
}

func (s *service) RequestResize(ctx context.Context, req schema.ResizeRequest) (schema.ResizeResponse, error) {
	if ctx == nil {
		return schema.ResizeResponse{}, errors.New("missing context")
	}
	s.mu.Lock()
	sess := s.sessions[req.SessionID]
	if sess == nil {
		s.mu.Unlock()
		return schema.ResizeResponse{}, schema.ErrSessionNotFound
	}
	visible := sess.visible
	focused := sess.focused
	small := sess.viewport.small(s.cfg.Resize.SmallScrollback)
	s.mu.Unlock()

	alt := s.coalescer.altActive(req.SessionID)
	target, disp, err := s.resizer.request(resizeRequest{
		id:       req.SessionID,
		px:       req.Pixels,
		cells:    req.Cells,
		explicit: req.Explicit,
		visible:  visible,
		focused:  focused,
		small:    small,
		alt:      alt,
	})
	if err != nil {
		return schema.ResizeResponse{}, err
	}
	switch disp {
	case schema.ResizeDebounced, schema.ResizeThrottled, schema.ResizeDeferred, schema.ResizeSettling:
		s.tel.resizesCoalesced.Add(1)
	}
	return schema.ResizeResponse{Target: target, Scheduled: disp}, nil
}

func (s *service) LockResize(ctx context.Context, req schema.LockResizeRequest) (schema.LockResizeResponse, error) {
	if ctx == nil {
		return schema.LockResizeResponse{}, errors.New("missing context")
	}
	expires, err := s.resizer.lockFor(req.SessionID, req.TTL)
	if err != nil {
		return schema.LockResizeResponse{}, err
	}
	return schema.LockResizeResponse{Expires: expires}, nil
}

func (s *service) UnlockResize(ctx context.Context, req schema.UnlockResizeRequest) (schema.UnlockResizeResponse, error) {
	if ctx == nil {
		return schema.UnlockResizeResponse{}, errors.New("missing context")
	}
	was, err := s.resizer.unlock(req.SessionID)
	if err != nil {
		return schema.UnlockResizeResponse{}, err
	}
	return schema.UnlockResizeResponse{WasLocked: was}, nil
}

func (s *service) UpdateScroll(ctx context.Context, req schema.UpdateScrollRequest) (schema.UpdateScrollResponse, error) {
	if ctx == nil {
		return schema.UpdateScrollResponse{}, errors.New("missing context")
	}
	s.mu.Lock()
	sess := s.sessions[req.SessionID]
	if sess == nil {
		s.mu.Unlock()
		return schema.UpdateScrollResponse{}, schema.ErrSessionNotFound
	}
	sess.viewport.update(req.AtBottom, req.Offset)
	s.mu.Unlock()

	if req.AtBottom {
		if _, changed := s.unseen.clear(req.SessionID); changed {
			s.emitUnseen(schema.UnseenEvent{SessionID: req.SessionID, Count: 0})
		}
	}
	return schema.UpdateScrollResponse{Unseen: s.unseen.count(req.SessionID)}, nil
}

func (s *service) UnseenSnapshot(ctx context.Context, req schema.UnseenSnapshotRequest) (schema.UnseenSnapshotResponse, error) {
	if ctx == nil {
		return schema.UnseenSnapshotResponse{}, errors.New("missing context")
	}
	return schema.UnseenSnapshotResponse{Snapshot: s.unseen.snapshot()}, nil
}

func (s *service) ReportContextLoss(ctx context.Context, req schema.ReportContextLossRequest) (schema.ReportContextLossResponse, error) {
	if ctx == nil {
		return schema.ReportContextLossResponse{}, errors.New("missing context")
	}
	s.mu.Lock()
	sess := s.sessions[req.SessionID]
	if sess == nil {
		s.mu.Unlock()
		return schema.ReportContextLossResponse{}, schema.ErrSessionNotFound
	}
	s.mu.Unlock()
	s.pool.markLost(req.SessionID)
	return schema.ReportContextLossResponse{RecoveryScheduled: s.pool.recoveringScheduled(req.SessionID)}, nil
}

func (s *service) Telemetry(ctx context.Context, req schema.TelemetryRequest) (schema.TelemetryResponse, error) {
	if ctx == nil {
		return schema.TelemetryResponse{}, errors.New("missing context")
	}
	redraws, folds := s.coalescer.counters()
	return schema.TelemetryResponse{Snapshot: s.tel.snapshot(s.liveSessions(), redraws, folds)}, nil
}

func (s *service) sessionExists(id schema.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id] != nil
}

// snapshotOf assembles a snapshot from the session record and the
// policy components. Component state is read first so the mutex order
// stays one way.
func (s *service) snapshotOf(id schema.SessionID) (schema.SessionSnapshot, bool) {
	alt := s.coalescer.altActive(id)
	accel := s.pool.accelerated(id)
	unseenCount := s.unseen.count(id)
	tier, haveTier := s.tiers.tierOf(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	if sess == nil {
		return schema.SessionSnapshot{}, false
	}
	if !haveTier {
		tier = schema.TierVisible
	}
	return schema.SessionSnapshot{
		ID:          sess.id,
		Name:        sess.name,
		Status:      sess.status,
		Tier:        tier,
		Mode:        tier.StreamMode(),
		Geometry:    sess.geometry,
		Visible:     sess.visible,
		Focused:     sess.focused,
		Direct:      sess.direct,
		AltScreen:   alt,
		Accelerated: accel,
		Restoring:   sess.restoring,
		Unseen:      unseenCount,
		CreatedAt:   sess.createdAt,
	}, true
}

func tierFor(visible, focused bool) schema.Tier {
	switch {
	case focused:
		return schema.TierFocused
	case visible:
		return schema.TierVisible
	default:
		return schema.TierBackground
	}
}

func (s *service) emitOutput(event schema.OutputEvent) {
	if s.sink != nil {
		s.sink.OnOutput(event)
	}
}

func (s *service) emitUnseen(event schema.UnseenEvent) {
	if s.sink != nil {
		s.sink.OnUnseen(event)
	}
}

func (s *service) emitTier(event schema.TierEvent) {
	if s.sink != nil {
		s.sink.OnTier(event)
	}
}

func (s *service) emitResize(event schema.ResizeEvent) {
	if s.sink != nil {
		s.sink.OnResize(event)
	}
}

func (s *service) emitSession(event schema.SessionEvent) {
	if s.sink != nil {
		s.sink.OnSessionEvent(event)
	}
}

func (s *service) emitContext(event schema.ContextEvent) {
	if s.sink != nil {
		s.sink.OnContextEvent(event)
	}
}
