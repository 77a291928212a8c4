package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/canopyide/termflow/core"
	"github.com/canopyide/termflow/internal/eventbus"
	"github.com/canopyide/termflow/internal/feedwire"
	"github.com/canopyide/termflow/internal/logx"
	"github.com/canopyide/termflow/internal/version"
	"github.com/canopyide/termflow/schema"
)

// FeedDeps wires the websocket feed ingest to the pipeline.
type FeedDeps struct {
	Links feedwire.LinkDeps
	Link  feedwire.LinkConfig
}

// Server serves the control and telemetry API plus the two websocket
// surfaces: the live session view and the feed remote hosts push
// output through.
type Server struct {
	cfg      Config
	service  core.Service
	bus      *eventbus.Bus
	feed     FeedDeps
	basePath string
	upgrader websocket.Upgrader
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, service core.Service, bus *eventbus.Bus, feed FeedDeps) *Server {
	return &Server{
		cfg:      cfg,
		service:  service,
		bus:      bus,
		feed:     feed,
		basePath: normalizeBasePath(cfg.BasePath),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionSubtree)
	mux.HandleFunc("/feed", s.handleFeed)

	handler := withRequestLogging(mux)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version.Current()})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	resp, err := s.service.Telemetry(r.Context(), schema.TelemetryRequest{})
	if err != nil {
		log.Warn("http telemetry failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Debug("http telemetry ok", "sessions", resp.Snapshot.Sessions)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	switch r.Method {
	case http.MethodGet:
		resp, err := s.service.ListSessions(r.Context(), schema.ListSessionsRequest{})
		if err != nil {
			log.Warn("http sessions list failed", "err", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Debug("http sessions list ok", "count", len(resp.Sessions))
	case http.MethodPost:
		var payload struct {
			SessionID string            `json:"session_id"`
			Name      string            `json:"name"`
			Command   string            `json:"command"`
			Args      []string          `json:"args"`
			Dir       string            `json:"dir"`
			Env       map[string]string `json:"env"`
			Cols      int               `json:"cols"`
			Rows      int               `json:"rows"`
			Tier      string            `json:"tier"`
			Direct    bool              `json:"direct"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			log.Warn("http sessions decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req := schema.CreateSessionRequest{
			SessionID: schema.SessionID(payload.SessionID),
			Name:      payload.Name,
			Command:   payload.Command,
			Args:      payload.Args,
			Dir:       payload.Dir,
			Env:       payload.Env,
			Geometry:  schema.Geometry{Cols: payload.Cols, Rows: payload.Rows},
			Tier:      schema.TierVisible,
			Direct:    payload.Direct,
		}
		if strings.TrimSpace(payload.Tier) != "" {
			tier, err := schema.ParseTier(payload.Tier)
			if err != nil {
				log.Warn("http sessions create rejected", "err", err)
				writeError(w, http.StatusBadRequest, err)
				return
			}
			req.Tier = tier
		}
		resp, err := s.service.CreateSession(r.Context(), req)
		if err != nil {
			log.Warn("http sessions create failed", "err", err)
			writeError(w, statusForServiceError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Info("http sessions create ok", "session", resp.Session.ID, "command", payload.Command)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, tail, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch tail {
	case "":
		s.handleSessionByID(w, r, schema.SessionID(id))
	case "stream":
		s.handleStream(w, r, schema.SessionID(id))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request, id schema.SessionID) {
	log := logx.WithSession(r.Context(), id).With("remote", clientIP(r))
	switch r.Method {
	case http.MethodDelete:
		resp, err := s.service.CloseSession(r.Context(), schema.CloseSessionRequest{SessionID: id})
		if err != nil {
			log.Warn("http session close failed", "err", err)
			writeError(w, statusForServiceError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Info("http session close ok")
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleFeed upgrades the connection and runs a feed link until the
// host disconnects or the server shuts down.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("feed upgrade failed", "err", err)
		return
	}
	deps := s.feed.Links
	if deps.Logger == nil {
		deps.Logger = pslog.Ctx(r.Context())
	}
	link, err := feedwire.Accept(r.Context(), conn, s.feed.Link, deps)
	if err != nil {
		log.Warn("feed accept failed", "err", err)
		_ = conn.Close()
		return
	}
	defer link.Close()
	if err := link.Run(r.Context()); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("feed link ended", "host", link.Host(), "err", err)
	}
}

func statusForServiceError(err error) int {
	switch {
	case errors.Is(err, schema.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, schema.ErrInvalidRequest),
		errors.Is(err, schema.ErrInvalidSession),
		errors.Is(err, schema.ErrInvalidTier):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
