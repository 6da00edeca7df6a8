package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/escalation"
	"github.com/Mindburn-Labs/keel/pkg/pipeline"
)

// Server exposes the pipeline over HTTP: case intake, review resolution,
// and audit trail export.
type Server struct {
	pipeline *pipeline.Pipeline
	log      audit.Log
	limiter  *RateLimiter
	logger   *slog.Logger
	clock    func() time.Time
}

// NewServer creates the HTTP surface over the pipeline and its audit log.
func NewServer(p *pipeline.Pipeline, log audit.Log) *Server {
	return &Server{
		pipeline: p,
		log:      log,
		limiter:  NewRateLimiter(50, 100),
		logger:   slog.Default().With("component", "api"),
		clock:    time.Now,
	}
}

// Routes returns the rate-limited handler for all endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/cases", s.handleSubmit)
	mux.HandleFunc("POST /v1/cases/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /v1/cases/{id}/audit", s.handleAuditExport)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.limiter.Middleware(mux)
}

// handleSubmit runs a submitted case through the pipeline and returns its
// safety report. A run that could not record its disposition returns 503;
// the case is held and may be resubmitted.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var cs contracts.Case
	if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	if cs.CaseID == "" || cs.SubjectID == "" {
		WriteBadRequest(w, "Missing required fields: case_id, subject_id")
		return
	}
	if !contracts.ValidFilingStatus(cs.FilingStatus) {
		WriteBadRequest(w, "Unknown filing_status "+string(cs.FilingStatus))
		return
	}
	if len(cs.ClaimedItems) == 0 {
		WriteBadRequest(w, "claimed_items must not be empty")
		return
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = s.clock().UTC()
	}

	report, err := s.pipeline.Process(r.Context(), &cs)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "case submission failed",
			"case_id", cs.CaseID, "error", err)
		WriteServiceUnavailable(w, "Case held pending: disposition could not be recorded")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if report.State == contracts.StateEscalated {
		// Queued for human review: an acknowledgment, not a final disposition.
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(report)
}

type resolveRequest struct {
	Decision contracts.ReviewDecision `json:"decision"`
	Reviewer string                   `json:"reviewer"`
}

// handleResolve records a human reviewer's decision on an escalated case.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Reviewer == "" {
		WriteBadRequest(w, "Missing required field: reviewer")
		return
	}

	record, err := s.pipeline.Escalation().Resolve(r.Context(), caseID, req.Decision, req.Reviewer)
	switch {
	case errors.Is(err, escalation.ErrUnknownCase):
		WriteNotFound(w, "No such case "+caseID)
		return
	case errors.Is(err, escalation.ErrInvalidTransition):
		WriteConflict(w, err.Error())
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "resolve failed",
			"case_id", caseID, "error", err)
		WriteBadRequest(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(record)
}

// handleAuditExport returns the verified evidence bundle for a case.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")

	bundle, err := audit.ExportBundle(r.Context(), s.log, caseID)
	switch {
	case errors.Is(err, audit.ErrEntryNotFound):
		WriteNotFound(w, "No audit entries for case "+caseID)
		return
	case errors.Is(err, audit.ErrChainBroken):
		s.logger.ErrorContext(r.Context(), "audit chain verification failed",
			"case_id", caseID, "error", err)
		WriteInternal(w)
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "audit export failed",
			"case_id", caseID, "error", err)
		WriteInternal(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(bundle)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
