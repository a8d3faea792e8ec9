package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxMessageBytes caps incoming message bodies.
const maxMessageBytes = 50 * 1024

// Server is the HTTP and WebSocket surface over the session manager.
type Server struct {
	manager *Manager
	logger  *zap.Logger
	http    *http.Server
}

// ServerConfig carries the listen address, auth token, and per-IP rate
// limit.
type ServerConfig struct {
	Listen          string
	AuthToken       string
	RateLimitPerMin int
}

// NewServer wires the router: auth and rate limiting wrap everything,
// with /health exempt from both.
func NewServer(manager *Manager, cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{manager: manager, logger: logger}

	r := chi.NewRouter()
	r.Use(rateLimitMiddleware(newIPLimiter(cfg.RateLimitPerMin)))
	r.Use(authMiddleware(cfg.AuthToken))

	r.Get("/health", s.handleHealth)
	r.Post("/sessions", s.handleCreateSession)
	r.Delete("/sessions/{id}", s.handleDeleteSession)
	r.Post("/sessions/{id}/messages", s.handleSendMessage)
	r.Get("/sessions/{id}/events", s.handleEvents)

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops accepting new ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.manager.Len(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := s.manager.Create(r.Context())
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	r.Body = http.MaxBytesReader(w, r.Body, maxMessageBytes)
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	result, err := s.manager.SendMessage(r.Context(), id, body.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text":        result.FinalText,
		"stop_reason": result.StopReason,
		"iterations":  result.Iterations,
		"usage":       result.Usage,
	})
}

// handleEvents upgrades to WebSocket and relays the session's event
// stream until the client disconnects or the session is deleted.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, cancel, err := s.manager.Subscribe(id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
			if ev.Type == EventSessionDeleted {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrSessionBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrSessionDeleted):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
