package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/vantagepay/agentmesh/internal/a2a"
	"github.com/vantagepay/agentmesh/internal/logging"
	"github.com/vantagepay/agentmesh/internal/service"
)

// Server exposes the agent's inbound HTTP surface: the A2A message
// endpoint plus health and metrics.
type Server struct {
	svc    *service.Service
	comm   *a2a.Communicator
	logger *zap.SugaredLogger
}

// New builds the HTTP server around the orchestration service.
func New(svc *service.Service, comm *a2a.Communicator, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{svc: svc, comm: comm, logger: logger}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/a2a/messages", s.handleMessage)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics/security", s.handleSecurityMetrics)
	return corsMiddleware(mux)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var env a2a.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}

	result, err := s.comm.ReceiveMessage(r.Context(), &env)
	if err != nil {
		var replay *a2a.ReplayError
		var unknownType *a2a.UnknownMessageTypeError
		switch {
		case errors.Is(err, a2a.ErrInvalidMessageSignature):
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.As(err, &replay):
			writeError(w, http.StatusConflict, err.Error())
		case errors.As(err, &unknownType):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Errorw("inbound message processing failed", "messageId", env.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "message processing failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.SecurityMetrics())
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
