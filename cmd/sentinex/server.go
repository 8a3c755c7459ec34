package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Aidin1998/sentinex/internal/audit"
	"github.com/Aidin1998/sentinex/internal/decision"
	"github.com/Aidin1998/sentinex/pkg/models"
	"github.com/Aidin1998/sentinex/pkg/validation"
)

const maxRequestBody = 1 << 20

// readyCheck probes one hard dependency for the readiness endpoint.
type readyCheck struct {
	name  string
	probe func(ctx context.Context) error
}

// adminServer is the daemon's operational surface: metrics, health probes,
// audit chain verification and a reference assessment endpoint. The
// platform's full client-facing API fronts this engine elsewhere.
type adminServer struct {
	engine *decision.Engine
	store  *audit.Store
	checks []readyCheck
	logger *zap.Logger
}

func (s *adminServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("POST /v1/assessments", s.handleAssess)
	mux.HandleFunc("GET /v1/audit/verify", s.handleAuditVerify)
	return mux
}

func (s *adminServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *adminServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, check := range s.checks {
		if err := check.probe(ctx); err != nil {
			s.logger.Warn("readiness probe failed",
				zap.String("check", check.name), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"check":  check.name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleAssess evaluates one assessment request. The engine never fails a
// request for provider trouble, so anything but a validation error is a 500.
func (s *adminServer) handleAssess(w http.ResponseWriter, r *http.Request) {
	var req models.AssessmentRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "malformed request body",
		})
		return
	}

	dec, err := s.engine.Evaluate(r.Context(), &req)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":      "validation failed",
				"violations": verrs.Violations(),
			})
			return
		}
		s.logger.Error("assessment failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal error",
		})
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *adminServer) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.VerifyChain(r.Context())
	if err != nil {
		s.logger.Error("audit chain verification failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "verification failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
