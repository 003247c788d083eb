package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mruggi/parley/internal/config"
	"github.com/mruggi/parley/internal/interp"
	"github.com/mruggi/parley/internal/journal"
	"github.com/mruggi/parley/internal/langs"
	"github.com/mruggi/parley/internal/observability"
	"github.com/mruggi/parley/internal/protocol"
	"github.com/mruggi/parley/internal/session"
)

// Hub runs the interpretation pipeline behind each session's websocket.
type Hub interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
	SessionStats(sessionID string) (interp.BufferStats, []interp.AudioRoute, bool)
	SetRouteActive(sessionID, routeID string, active bool) bool
	EndSession(sessionID string)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	hub      Hub
	journal  journal.Store
	registry *langs.Registry
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, hub Hub, jstore journal.Store, registry *langs.Registry, metrics *observability.Metrics) *Server {
	if registry == nil {
		registry = langs.Builtin()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		hub:      hub,
		journal:  jstore,
		registry: registry,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser connections must come from the same host unless an
				// explicit allowlist says otherwise. Non-browser clients omit
				// Origin and pass through.
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				for _, allowed := range cfg.AllowedOrigins {
					if strings.EqualFold(origin, allowed) {
						return true
					}
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/languages", s.handleListLanguages)
	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/transcript", s.handleTranscript)
	r.Post("/v1/sessions/{id}/routes/{routeID}", s.handleSetRoute)
	r.Get("/ws/session", s.handleSessionWS)

	r.Get("/internal/perf/stages", s.handlePerfStages)
	r.Post("/internal/perf/stages/reset", s.handlePerfReset)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleListLanguages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"languages": s.registry.List(),
		"default":   s.cfg.DefaultLanguage,
	})
}

type createSessionResponse struct {
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	sess := s.sessions.Create()
	s.countEvent("created")
	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:       sess.ID,
		Status:          string(sess.Status),
		StartedAt:       sess.StartedAt,
		InactivityTTLMS: s.cfg.SessionTimeout.Milliseconds(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

type sessionDetail struct {
	*session.Session
	Routes  []interp.AudioRoute `json:"routes,omitempty"`
	Pending int                 `json:"pending_segments"`
	Stats   *interp.BufferStats `json:"buffer_stats,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	detail := sessionDetail{Session: sess}
	if s.hub != nil {
		if stats, routes, ok := s.hub.SessionStats(sess.ID); ok {
			detail.Routes = routes
			detail.Pending = stats.PendingSegments
			detail.Stats = &stats
		}
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.hub != nil {
		s.hub.EndSession(id)
	}
	s.countEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.journal == nil {
		respondJSON(w, http.StatusOK, map[string]any{"entries": []journal.Entry{}})
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal_unavailable", err.Error())
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type setRouteRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleSetRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	routeID := chi.URLParam(r, "routeID")

	var req setRouteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if s.hub == nil || !s.hub.SetRouteActive(id, routeID, req.Active) {
		respondError(w, http.StatusNotFound, "route_not_found", "no such route on an active connection")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"route_id": routeID, "active": req.Active})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "hub not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.countEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sendBuffer := s.cfg.WSSendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	inbound := make(chan any, sendBuffer)
	outbound := make(chan any, sendBuffer*4)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		defer cancel()
		_ = s.hub.RunConnection(ctx, sess, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.countEvent("ws_write_error")
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			}
			// Writes stay single-threaded through outbound; drop if saturated.
			select {
			case outbound <- errEvent:
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	<-runDone
	<-writerDone
	s.countEvent("ws_disconnected")
}

func (s *Server) handlePerfStages(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.StageSnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

func (s *Server) handlePerfReset(w http.ResponseWriter, _ *http.Request) {
	if s.metrics != nil {
		s.metrics.ResetStages()
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) countEvent(name string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(name).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
