package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/canopyide/termflow/schema"
)

// fakeClock drives the pipeline timers manually. Callbacks fire from
// advance in deadline order, outside the clock lock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*fakePending
}

type fakePending struct {
	id uint64
	at time.Time
	fn func()
}

type fakeTimer struct {
	clock *fakeClock
	id    uint64
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:    time.Unix(1700000000, 0),
		timers: make(map[uint64]*fakePending),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := c.seq
	c.timers[id] = &fakePending{id: id, at: c.now.Add(d), fn: fn}
	return &fakeTimer{clock: c, id: id}
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakePending
		for _, p := range c.timers {
			if p.at.After(target) {
				continue
			}
			if next == nil || p.at.Before(next.at) || (p.at.Equal(next.at) && p.id < next.id) {
				next = p
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		delete(c.timers, next.id)
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

// emitRecorder collects coalescer emissions for assertions.
type emitRecorder struct {
	mu      sync.Mutex
	batches []emission
}

func (r *emitRecorder) emit(id schema.SessionID, kind schema.OutputKind, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, emission{id: id, kind: kind, data: append([]byte(nil), data...)})
}

func (r *emitRecorder) take() []emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.batches
	r.batches = nil
	return out
}

func (r *emitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

type backendResize struct {
	id schema.SessionID
	g  schema.Geometry
}

type backendMode struct {
	id   schema.SessionID
	mode schema.StreamMode
}

// fakeBackend records every control call. Wake behavior is scripted via
// the wake fields.
type fakeBackend struct {
	mu        sync.Mutex
	started   []schema.CreateSessionRequest
	stopped   []schema.SessionID
	inputs    map[schema.SessionID][]byte
	acks      map[schema.SessionID]int
	modes     []backendMode
	resizes   []backendResize
	wakes     int
	startErr  error
	resizeErr error

	wakeState []byte
	wakeOK    bool
	wakeErr   error

	transport    Transport
	transportErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		inputs:       make(map[schema.SessionID][]byte),
		acks:         make(map[schema.SessionID]int),
		transportErr: schema.ErrTransportUnavailable,
	}
}

func (b *fakeBackend) Start(ctx context.Context, req schema.CreateSessionRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return b.startErr
	}
	b.started = append(b.started, req)
	return nil
}

func (b *fakeBackend) Stop(ctx context.Context, id schema.SessionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = append(b.stopped, id)
	return nil
}

func (b *fakeBackend) WriteInput(ctx context.Context, id schema.SessionID, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs[id] = append(b.inputs[id], data...)
	return nil
}

func (b *fakeBackend) Wake(ctx context.Context, id schema.SessionID) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wakes++
	if b.wakeErr != nil {
		return nil, false, b.wakeErr
	}
	return b.wakeState, b.wakeOK, nil
}

func (b *fakeBackend) AckConsumed(ctx context.Context, id schema.SessionID, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks[id] += n
	return nil
}

func (b *fakeBackend) SetActivityTier(ctx context.Context, id schema.SessionID, mode schema.StreamMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modes = append(b.modes, backendMode{id: id, mode: mode})
	return nil
}

func (b *fakeBackend) Resize(ctx context.Context, id schema.SessionID, g schema.Geometry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resizeErr != nil {
		return b.resizeErr
	}
	b.resizes = append(b.resizes, backendResize{id: id, g: g})
	return nil
}

func (b *fakeBackend) OpenTransport(ctx context.Context) (Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.transport != nil {
		return b.transport, nil
	}
	return nil, b.transportErr
}

func (b *fakeBackend) startedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.started)
}

func (b *fakeBackend) wakeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wakes
}

func (b *fakeBackend) ackedBytes(id schema.SessionID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks[id]
}

func (b *fakeBackend) lastMode() (backendMode, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.modes) == 0 {
		return backendMode{}, false
	}
	return b.modes[len(b.modes)-1], true
}

func (b *fakeBackend) resizeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.resizes)
}

// fakeSurface records writes and resizes and runs flush callbacks
// synchronously.
type fakeSurface struct {
	mu        sync.Mutex
	writes    [][]byte
	resizes   []schema.Geometry
	repaints  int
	closed    bool
	resizeErr error
}

func (s *fakeSurface) Write(data []byte, done func()) {
	s.mu.Lock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	s.mu.Unlock()
	if done != nil {
		done()
	}
}

func (s *fakeSurface) Resize(g schema.Geometry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resizeErr != nil {
		return s.resizeErr
	}
	s.resizes = append(s.resizes, g)
	return nil
}

func (s *fakeSurface) Viewport() schema.ViewportState {
	return schema.ViewportState{AtBottom: true}
}

func (s *fakeSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSurface) Repaint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repaints++
}

func (s *fakeSurface) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *fakeSurface) written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []byte
	for _, w := range s.writes {
		all = append(all, w...)
	}
	return all
}

func (s *fakeSurface) repaintCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repaints
}

func (s *fakeSurface) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSurfaceFactory struct {
	mu       sync.Mutex
	surfaces map[schema.SessionID]*fakeSurface
	openErr  error
}

func newFakeSurfaceFactory() *fakeSurfaceFactory {
	return &fakeSurfaceFactory{surfaces: make(map[schema.SessionID]*fakeSurface)}
}

func (f *fakeSurfaceFactory) Open(id schema.SessionID, g schema.Geometry) (Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeSurface{}
	f.surfaces[id] = s
	return s, nil
}

func (f *fakeSurfaceFactory) surface(id schema.SessionID) *fakeSurface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.surfaces[id]
}

// sinkRecorder collects published events.
type sinkRecorder struct {
	mu       sync.Mutex
	outputs  []schema.OutputEvent
	unseen   []schema.UnseenEvent
	tiers    []schema.TierEvent
	resizes  []schema.ResizeEvent
	sessions []schema.SessionEvent
	contexts []schema.ContextEvent
}

func (r *sinkRecorder) OnOutput(ev schema.OutputEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Data = append([]byte(nil), ev.Data...)
	r.outputs = append(r.outputs, ev)
}

func (r *sinkRecorder) OnUnseen(ev schema.UnseenEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unseen = append(r.unseen, ev)
}

func (r *sinkRecorder) OnTier(ev schema.TierEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers = append(r.tiers, ev)
}

func (r *sinkRecorder) OnResize(ev schema.ResizeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resizes = append(r.resizes, ev)
}

func (r *sinkRecorder) OnSessionEvent(ev schema.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, ev)
}

func (r *sinkRecorder) OnContextEvent(ev schema.ContextEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts = append(r.contexts, ev)
}

func (r *sinkRecorder) outputEvents() []schema.OutputEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.OutputEvent(nil), r.outputs...)
}

func (r *sinkRecorder) outputBytes(id schema.SessionID) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []byte
	for _, ev := range r.outputs {
		if ev.SessionID == id {
			all = append(all, ev.Data...)
		}
	}
	return all
}

func (r *sinkRecorder) unseenEvents() []schema.UnseenEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.UnseenEvent(nil), r.unseen...)
}

func (r *sinkRecorder) tierEvents() []schema.TierEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.TierEvent(nil), r.tiers...)
}

func (r *sinkRecorder) resizeEvents() []schema.ResizeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.ResizeEvent(nil), r.resizes...)
}

func (r *sinkRecorder) sessionEvents() []schema.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.SessionEvent(nil), r.sessions...)
}

func (r *sinkRecorder) contextEvents() []schema.ContextEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.ContextEvent(nil), r.contexts...)
}

// waitUntil polls cond until it holds or the deadline passes. It covers
// the handful of paths that hop through a goroutine, like wakes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
