package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EventaLabs/wa-gateway/internal/orchestrator"
)

// Server translates inbound HTTP requests into orchestrator operations.
// It holds no session state of its own.
type Server struct {
	orch     *orchestrator.Orchestrator
	logger   *slog.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New creates a server bound to the given orchestrator
func New(orch *orchestrator.Orchestrator, addr string, logger *slog.Logger) *Server {
	s := &Server{
		orch:   orch,
		logger: logger,
		upgrader: websocket.Upgrader{
			// The gateway sits behind trusted callers; origin checks are
			// handled at the same layer as CORS.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{name}/qr", s.handleEnsureSession)
	mux.HandleFunc("GET /sessions/{name}/status", s.handleStatus)
	mux.HandleFunc("DELETE /sessions/{name}", s.handleLogout)
	mux.HandleFunc("GET /sessions/{name}/events", s.handleEvents)
	mux.HandleFunc("POST /send/ticket", s.handleSendTicket)
	mux.HandleFunc("POST /send/voucher", s.handleSendVoucher)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// handleEnsureSession starts (or attaches to) a session creation and
// returns either the connected status or the pairing credential
func (s *Server) handleEnsureSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	result, err := s.orch.EnsureSession(r.Context(), name)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrCredentialTimeout):
			s.writeError(w, http.StatusGatewayTimeout, "timed out waiting for pairing credential")
		case errors.Is(err, context.Canceled):
			// Client went away; nothing to write.
		default:
			s.logger.Error("ensure session failed", "session", name, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to create session")
		}
		return
	}

	if result.Connected {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "awaiting_connection",
		"qrcode": result.Credential,
	})
}

// handleStatus reports the session's connection status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	status, err := s.orch.Status(r.Context(), name)
	if err != nil {
		s.logger.Error("status check failed", "session", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to check session state")
		return
	}

	if status == orchestrator.StatusNotFound {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// handleLogout terminates a session permanently
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	err := s.orch.Logout(r.Context(), name)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	case errors.Is(err, orchestrator.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
	default:
		s.logger.Error("logout failed", "session", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to log out session")
	}
}

// handleSendTicket delivers a ticket through a connected session
func (s *Server) handleSendTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionName string `json:"session"`
		orchestrator.TicketRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.handleSendResult(w, body.SessionName,
		s.orch.SendTicket(r.Context(), body.SessionName, body.TicketRequest))
}

// handleSendVoucher delivers a voucher through a connected session
func (s *Server) handleSendVoucher(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionName string `json:"session"`
		orchestrator.VoucherRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.handleSendResult(w, body.SessionName,
		s.orch.SendVoucher(r.Context(), body.SessionName, body.VoucherRequest))
}

func (s *Server) handleSendResult(w http.ResponseWriter, name string, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	case errors.Is(err, orchestrator.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
	default:
		s.logger.Error("send failed", "session", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleEvents upgrades to a WebSocket and streams session state events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "session", name, "error", err)
		return
	}
	defer conn.Close()

	// Conditional teardown: a handler whose subscription was replaced by
	// a reconnecting consumer must not kill the replacement stream.
	events := s.orch.Subscribe(name)
	defer s.orch.UnsubscribeIf(name, events)

	// Reader goroutine: notices the peer closing the socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				// Subscription replaced by a newer consumer.
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("event push failed", "session", name, "error", err)
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// corsMiddleware allows requests from any origin, matching the behavior
// the gateway's frontends expect
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
