// Package api exposes the engine over REST/JSON. Verification failures come
// back as structured VerifyResults at HTTP 200; transport faults use
// Problem-Details bodies.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentauth/backend/internal/core"
	"github.com/agentauth/backend/internal/engine"
	"github.com/agentauth/backend/internal/middleware"
)

// Server routes the four protocol endpoints plus health and metrics.
type Server struct {
	engine   *engine.Engine
	limiter  *middleware.RateLimiter
	minScore float64
	logger   *slog.Logger
}

// NewServer builds a server. The limiter is optional. minScore is the mean
// score this deployment recommends to downstream guards; it is advertised on
// /healthz and zero hides it.
func NewServer(e *engine.Engine, limiter *middleware.RateLimiter, minScore float64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: e, limiter: limiter, minScore: minScore, logger: logger}
}

// Router assembles the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	if s.limiter != nil {
		v1.Use(s.limiter.Middleware)
	}
	v1.HandleFunc("/challenge/init", s.handleInit).Methods(http.MethodPost)
	v1.HandleFunc("/challenge/{id}", s.handleRetrieve).Methods(http.MethodGet)
	v1.HandleFunc("/challenge/{id}/solve", s.handleSolve).Methods(http.MethodPost)
	v1.HandleFunc("/token/verify", s.handleVerifyToken).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start blocks serving HTTP on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("agentauth listening", "addr", addr)
	return srv.ListenAndServe()
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var opts engine.InitOptions
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			s.writeProblem(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}
	if opts.Difficulty != "" && !opts.Difficulty.Valid() {
		s.writeProblem(w, http.StatusBadRequest, "invalid request body",
			fmt.Sprintf("unknown difficulty %q", opts.Difficulty))
		return
	}

	result, err := s.engine.Init(r.Context(), &opts)
	if err != nil {
		s.writeProblem(w, http.StatusInternalServerError, "challenge initiation failed", err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	sessionToken, ok := bearerToken(r)
	if !ok {
		s.writeProblem(w, http.StatusUnauthorized, "missing session token", "expected Authorization: Bearer <session_token>")
		return
	}

	public, err := s.engine.Retrieve(r.Context(), mux.Vars(r)["id"], sessionToken)
	if err != nil {
		s.writeProblem(w, http.StatusInternalServerError, "challenge lookup failed", err.Error())
		return
	}
	if public == nil {
		// Absent record and token mismatch are indistinguishable on purpose.
		s.writeProblem(w, http.StatusNotFound, "challenge not found", "unknown id or session token mismatch")
		return
	}
	s.writeJSON(w, http.StatusOK, public)
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	var input core.SolveInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.writeProblem(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	result, err := s.engine.Solve(r.Context(), id, &input)
	if err != nil {
		s.writeProblem(w, http.StatusInternalServerError, "solve failed", err.Error())
		return
	}

	if result.Success {
		s.setSolveHeaders(w, id, result)
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	tok, ok := bearerToken(r)
	if !ok {
		s.writeProblem(w, http.StatusUnauthorized, "missing token", "expected Authorization: Bearer <token>")
		return
	}

	result := s.engine.VerifyToken(tok)
	if !result.Valid {
		s.writeJSON(w, http.StatusUnauthorized, result)
		return
	}

	w.Header().Set(core.HeaderStatus, "valid")
	w.Header().Set(core.HeaderVersion, core.ProtocolVersion)
	if result.Capabilities != nil {
		w.Header().Set(core.HeaderScore, fmt.Sprintf("%.2f", result.Capabilities.Mean()))
		w.Header().Set(core.HeaderCapabilities, core.FormatCapabilities(*result.Capabilities))
	}
	if result.ModelFamily != "" {
		w.Header().Set(core.HeaderModelFamily, result.ModelFamily)
	}
	w.Header().Set(core.HeaderTokenExpires, strconv.FormatInt(result.ExpiresAt, 10))
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"version": core.ProtocolVersion,
	}
	if s.minScore > 0 {
		body["min_score"] = s.minScore
	}
	if s.limiter != nil {
		body["rate_limiter"] = s.limiter.Stats()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) setSolveHeaders(w http.ResponseWriter, id string, result *core.VerifyResult) {
	h := w.Header()
	h.Set(core.HeaderStatus, "verified")
	h.Set(core.HeaderVersion, core.ProtocolVersion)
	h.Set(core.HeaderChallengeID, id)
	h.Set(core.HeaderScore, fmt.Sprintf("%.2f", result.Score.Mean()))
	h.Set(core.HeaderCapabilities, core.FormatCapabilities(result.Score))
	if result.ModelIdentity != nil {
		h.Set(core.HeaderModelFamily, result.ModelIdentity.Family)
		h.Set(core.HeaderPoMIConfidence, fmt.Sprintf("%.2f", result.ModelIdentity.Confidence))
	}
	if exp := s.engine.TokenExpiry(result.Token); exp > 0 {
		h.Set(core.HeaderTokenExpires, strconv.FormatInt(exp, 10))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// problemDetails is the RFC 7807 shape used for transport faults only.
type problemDetails struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problemDetails{Title: title, Status: status, Detail: detail}); err != nil {
		s.logger.Error("encode problem response", "error", err)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(auth[len(prefix):])
	if tok == "" {
		return "", false
	}
	return tok, true
}
