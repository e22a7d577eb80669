package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/wahub/wahub/internal/authstore"
	"github.com/wahub/wahub/internal/session"
)

// Sessions is the part of the lifecycle manager the HTTP surface drives.
type Sessions interface {
	InitSession(ctx context.Context, id string) (session.Info, error)
	DeleteSession(ctx context.Context, id string) error
	SendMessage(ctx context.Context, id, to, text string) error
	GetAllSessions() []session.Info
	GetSession(id string) (session.Info, bool)
}

type ServerOptions struct {
	AllowedOrigins []string
	// Static serves the dashboard at /; nil leaves / unrouted.
	Static http.Handler
	// Metrics serves /metrics; nil leaves it unrouted.
	Metrics http.Handler
	Logger  *slog.Logger
}

type Server struct {
	sessions       Sessions
	broadcaster    *Broadcaster
	health         *Health
	static         http.Handler
	metrics        http.Handler
	logger         *slog.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(sessions Sessions, broadcaster *Broadcaster, opts ServerOptions) *Server {
	s := &Server{
		sessions:       sessions,
		broadcaster:    broadcaster,
		health:         NewHealth(),
		static:         opts.Static,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Handler builds the router with every route and middleware attached.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)
	r.Use(securityHeaders)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/init", s.handleInitSession)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleDeleteSession)
	})
	r.Post("/messages/send", s.handleSendMessage)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/webhook", s.handleWebhookEcho)
	})

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	if s.static != nil {
		r.Handle("/*", s.static)
	}

	return r
}

type initRequest struct {
	ID string `json:"id"`
}

type sendRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Text      string `json:"text"`
}

type commandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "Session ID is required")
		return
	}

	if _, err := s.sessions.InitSession(r.Context(), req.ID); err != nil {
		s.logger.Error("init session failed", slog.String("session_id", req.ID), slog.Any("error", err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{
		Success: true,
		Message: fmt.Sprintf("Session %s initialization started", req.ID),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.DeleteSession(r.Context(), id); err != nil {
		s.logger.Error("delete session failed", slog.String("session_id", id), slog.Any("error", err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{
		Success: true,
		Message: fmt.Sprintf("Session %s deleted", id),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Summaries(s.sessions.GetAllSessions()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.sessions.GetSession(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.To == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "Missing parameters (sessionId, to, text)")
		return
	}

	if err := s.sessions.SendMessage(r.Context(), req.SessionID, req.To, req.Text); err != nil {
		s.logger.Error("send message failed", slog.String("session_id", req.SessionID), slog.Any("error", err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Success: true, Message: "Message sent"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhookEcho is a test receiver: point the relay at it to see
// deliveries in the log.
func (s *Server) handleWebhookEcho(w http.ResponseWriter, r *http.Request) {
	var data interface{}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.logger.Info("received webhook data", slog.Any("data", data))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Webhook received successfully",
		"data":    data,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Report(r.Context(), len(s.sessions.GetAllSessions()), s.broadcaster.ClientCount()))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", slog.Any("error", err))
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.logger.Warn("ws client rejected", slog.String("remote", r.RemoteAddr), slog.Any("error", err))
		data, _ := json.Marshal(WSMessage{Type: MsgError, Payload: ErrorPayload{Message: err.Error()}})
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	s.logger.Info("dashboard connected", slog.String("remote", r.RemoteAddr))

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Info("dashboard disconnected", slog.String("remote", r.RemoteAddr))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// statusFor maps manager errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, authstore.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSendFailed):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
