// Package httpapi wires the HTTP listener the WebSocket upgrade shares
// with the operational endpoints (§ SUPPLEMENTED FEATURES: /health,
// /ready, /live, /metrics), generalizing the teacher's RPCServer.
// ServeHTTP routing table (pkg/server/server.go) and HandleWebSocket
// read/write pumps (pkg/server/websocket.go) from JSON-RPC framing to
// the combat engine's router.Envelope dispatch.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tacticsengine/pkg/auth"
	"tacticsengine/pkg/config"
	"tacticsengine/pkg/connmgr"
	"tacticsengine/pkg/metrics"
	"tacticsengine/pkg/registry"
	"tacticsengine/pkg/router"
	"tacticsengine/pkg/rules"
	"tacticsengine/pkg/store"
)

// Server serves the WebSocket endpoint plus the operational HTTP
// endpoints for one combat engine process.
type Server struct {
	cfg      *config.Config
	conns    *connmgr.Manager
	rtr      *router.Router
	reg      *registry.Registry
	saves    store.SaveStore
	metrics  *metrics.Metrics
	verifier auth.Verifier

	mux *http.ServeMux
	log *logrus.Entry
}

// New builds a Server wiring every already-constructed component
// together behind one http.Handler.
func New(cfg *config.Config, conns *connmgr.Manager, rtr *router.Router, reg *registry.Registry, saves store.SaveStore, m *metrics.Metrics, verifier auth.Verifier) *Server {
	s := &Server{
		cfg: cfg, conns: conns, rtr: rtr, reg: reg, saves: saves, metrics: m, verifier: verifier,
		mux: http.NewServeMux(),
		log: logrus.WithField("component", "httpapi"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.HandleFunc("/live", s.handleLive)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/sessions", s.handleCreateSession)
	s.mux.HandleFunc("POST /sessions/{id}/save", s.handleSaveSession)
	s.mux.HandleFunc("POST /sessions/{id}/load", s.handleLoadSession)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
}

// Handler returns the composed http.Handler, with metrics middleware
// applied to every path, the /metrics endpoint included.
func (s *Server) Handler() http.Handler {
	if s.metrics == nil {
		return s.mux
	}
	return s.metrics.Middleware(s.mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.reg == nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if s.metrics != nil {
		outcome := "success"
		if code != http.StatusOK {
			outcome = "failure"
		}
		s.metrics.RecordHealthCheck("registry", outcome)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         status,
		"activeSessions": s.reg.Count(),
		"timestamp":      time.Now(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Alive"))
}

// createSessionRequest is the lobby-supplied roster for a new combat
// session (§9's "data on the session, set at creation from lobby input").
type createSessionRequest struct {
	Name  string       `json:"name"`
	Seed  int64        `json:"seed"`
	Units []rules.Unit `json:"units"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Units) == 0 {
		http.Error(w, "units must not be empty", http.StatusBadRequest)
		return
	}
	sess, _, err := s.reg.CreateSession(req.Name, req.Units, req.Seed)
	if err != nil {
		s.log.WithError(err).Error("failed to create session")
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": sess.ID})
}

// handleSaveSession persists a live session's current state to the save
// store under the slot name given in the URL (§4.9).
func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sess, ok := s.reg.Lookup(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err := s.reg.SaveSnapshot(s.saves, sessionID, sess); err != nil {
		s.log.WithError(err).Error("failed to save session")
		http.Error(w, "failed to save session", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLoadSession restores a previously saved slot into a live,
// running session and registers it under its original session id.
func (s *Server) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	slot := r.PathValue("id")
	snap, ok, err := s.saves.Load(slot)
	if err != nil {
		s.log.WithError(err).Error("failed to load save slot")
		http.Error(w, "failed to load save slot", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "save slot not found", http.StatusNotFound)
		return
	}
	sess, _, err := s.reg.Restore(snap)
	if err != nil {
		s.log.WithError(err).Error("failed to restore session")
		http.Error(w, "failed to restore session", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": sess.ID})
}

// handleWebSocket upgrades the connection, registers it with the
// connection manager, and runs its read pump until the socket closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader(s.cfg).Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Error("websocket upgrade failed")
		return
	}
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	transport := &wsTransport{conn: conn}
	registered := s.conns.Register(transport)
	if s.metrics != nil {
		s.metrics.RecordWebSocketConnection("connected")
	}

	s.readPump(registered.ID, conn)
}

func (s *Server) readPump(connID string, conn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}) {
	defer func() {
		s.conns.Disconnect(connID)
		if s.metrics != nil {
			s.metrics.RecordWebSocketConnection("disconnected")
		}
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if s.metrics != nil {
			s.metrics.RecordWebSocketMessage("inbound", peekType(raw))
		}
		s.rtr.Handle(connID, raw)
	}
}

// Serve runs an http.Server over addr until ctx is cancelled, then shuts
// down gracefully, mirroring the teacher's executeServerLifecycle split
// between startServerAsync and performGracefulShutdown (cmd/server/
// main.go).
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.withRequestID(s.Handler()),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("address", addr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info("shutting down http server")
	return httpServer.Shutdown(shutdownCtx)
}

// withRequestID stamps every request with an X-Request-ID header for
// cross-log correlation, mirroring the teacher's ServeHTTP.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}
