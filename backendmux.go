package termflow

import (
	"context"
	"sync"

	"github.com/canopyide/termflow/core"
	"github.com/canopyide/termflow/schema"
)

// BackendMux routes backend calls either to the local process host or
// to the feed link that announced the session. Sessions default to the
// local backend; a remote host claims its sessions with Bind and the
// claim ends with Unbind when the link goes away.
type BackendMux struct {
	local core.Backend

	mu    sync.RWMutex
	links map[schema.SessionID]core.Backend
}

// NewBackendMux constructs a mux over the local backend.
func NewBackendMux(local core.Backend) *BackendMux {
	return &BackendMux{
		local: local,
		links: make(map[schema.SessionID]core.Backend),
	}
}

// Bind routes a session's backend calls to b.
func (m *BackendMux) Bind(id schema.SessionID, b core.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[id] = b
}

// Unbind restores the local route for a session.
func (m *BackendMux) Unbind(id schema.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, id)
}

// Bound reports how many sessions are routed to remote links.
func (m *BackendMux) Bound() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

func (m *BackendMux) backendFor(id schema.SessionID) core.Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.links[id]; ok {
		return b
	}
	return m.local
}

func (m *BackendMux) Start(ctx context.Context, req schema.CreateSessionRequest) error {
	return m.backendFor(req.SessionID).Start(ctx, req)
}

func (m *BackendMux) Stop(ctx context.Context, id schema.SessionID) error {
	return m.backendFor(id).Stop(ctx, id)
}

func (m *BackendMux) WriteInput(ctx context.Context, id schema.SessionID, data []byte) error {
	return m.backendFor(id).WriteInput(ctx, id, data)
}

func (m *BackendMux) Wake(ctx context.Context, id schema.SessionID) ([]byte, bool, error) {
	return m.backendFor(id).Wake(ctx, id)
}

func (m *BackendMux) AckConsumed(ctx context.Context, id schema.SessionID, n int) error {
	return m.backendFor(id).AckConsumed(ctx, id, n)
}

func (m *BackendMux) SetActivityTier(ctx context.Context, id schema.SessionID, mode schema.StreamMode) error {
	return m.backendFor(id).SetActivityTier(ctx, id, mode)
}

func (m *BackendMux) Resize(ctx context.Context, id schema.SessionID, g schema.Geometry) error {
	return m.backendFor(id).Resize(ctx, id, g)
}

// OpenTransport negotiates with the local host only. Remote links push
// frames through the feed and never carry a shared memory ring.
func (m *BackendMux) OpenTransport(ctx context.Context) (core.Transport, error) {
	return m.local.OpenTransport(ctx)
}
