package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/escalation"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/pipeline"
	"github.com/Mindburn-Labs/keel/pkg/rules"
)

type stubEngine struct {
	res *contracts.EngineResult
	err error
}

func (s *stubEngine) Result(ctx context.Context, engineRef string) (*contracts.EngineResult, error) {
	return s.res, s.err
}

func ptr[T any](v T) *T { return &v }

func newTestServer(t *testing.T, engine *stubEngine) *httptest.Server {
	t.Helper()
	provider := rules.NewProvider()
	provider.Set(rules.MustDefaultTable())
	log := audit.NewMemoryLog()
	obs, err := observability.New(context.Background(), nil)
	require.NoError(t, err)

	p := pipeline.New(provider, log, engine, time.Second, escalation.NewMemoryQueue(), obs)
	ts := httptest.NewServer(NewServer(p, log).Routes())
	t.Cleanup(ts.Close)
	return ts
}

func matchingEngine() *stubEngine {
	return &stubEngine{res: &contracts.EngineResult{
		TaxableIncome: ptr(50000.0),
		BracketIndex:  ptr(2),
		TotalTax:      ptr(10000.0),
	}}
}

func submitBody(caseID string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"case_id":       caseID,
		"subject_id":    "subject-1",
		"filing_status": "single",
		"claimed_items": map[string]float64{"wages": 50000},
		"engine_ref":    "calc-1",
	})
	return body
}

func postJSON(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSubmit_ReturnsSafetyReport(t *testing.T) {
	ts := newTestServer(t, matchingEngine())

	resp := postJSON(t, ts.URL+"/v1/cases", submitBody("case-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report contracts.SafetyReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "case-1", report.CaseID)
	assert.Equal(t, contracts.StateAutoApproved, report.State)
	assert.Len(t, report.AuditSeqs, 4)
}

func TestSubmit_RejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, matchingEngine())

	resp := postJSON(t, ts.URL+"/v1/cases", []byte(`{"case_id": `))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestSubmit_RejectsMissingFields(t *testing.T) {
	ts := newTestServer(t, matchingEngine())

	body, _ := json.Marshal(map[string]interface{}{
		"case_id":       "case-1",
		"filing_status": "single",
		"claimed_items": map[string]float64{"wages": 1},
	})
	resp := postJSON(t, ts.URL+"/v1/cases", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmit_RejectsUnknownFilingStatus(t *testing.T) {
	ts := newTestServer(t, matchingEngine())

	body, _ := json.Marshal(map[string]interface{}{
		"case_id":       "case-1",
		"subject_id":    "subject-1",
		"filing_status": "common_law",
		"claimed_items": map[string]float64{"wages": 1},
	})
	resp := postJSON(t, ts.URL+"/v1/cases", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// An engine outage still yields a report: the case escalates rather than
// erroring out, acknowledged as queued for review.
func TestSubmit_EngineOutageEscalates(t *testing.T) {
	ts := newTestServer(t, &stubEngine{err: errors.New("engine offline")})

	resp := postJSON(t, ts.URL+"/v1/cases", submitBody("case-1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var report contracts.SafetyReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, contracts.StateEscalated, report.State)
}

func TestResolve_EscalatedCase(t *testing.T) {
	ts := newTestServer(t, &stubEngine{err: errors.New("engine offline")})

	resp := postJSON(t, ts.URL+"/v1/cases", submitBody("case-1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body, _ := json.Marshal(map[string]string{"decision": "approved", "reviewer": "reviewer-7"})
	resp = postJSON(t, ts.URL+"/v1/cases/case-1/resolve", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var record contracts.EscalationRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&record))
	assert.Equal(t, contracts.StateResolvedApproved, record.State)
	assert.Equal(t, "reviewer-7", record.Reviewer)
}

func TestResolve_UnknownCaseIs404(t *testing.T) {
	ts := newTestServer(t, matchingEngine())

	body, _ := json.Marshal(map[string]string{"decision": "approved", "reviewer": "reviewer-7"})
	resp := postJSON(t, ts.URL+"/v1/cases/no-such-case/resolve", body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolve_AutoApprovedCaseIs409(t *testing.T) {
	ts := newTestServer(t, matchingEngine())

	resp := postJSON(t, ts.URL+"/v1/cases", submitBody("case-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := json.Marshal(map[string]string{"decision": "approved", "reviewer": "reviewer-7"})
	resp = postJSON(t, ts.URL+"/v1/cases/case-1/resolve", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestResolve_RequiresReviewer(t *testing.T) {
	ts := newTestServer(t, matchingEngine())

	body, _ := json.Marshal(map[string]string{"decision": "approved"})
	resp := postJSON(t, ts.URL+"/v1/cases/case-1/resolve", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuditExport_ReturnsVerifiableBundle(t *testing.T) {
	ts := newTestServer(t, matchingEngine())

	resp := postJSON(t, ts.URL+"/v1/cases", submitBody("case-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/v1/cases/case-1/audit")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var bundle audit.EvidenceBundle
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bundle))
	assert.Equal(t, "case-1", bundle.CaseID)
	assert.Equal(t, 4, bundle.EntryCount)
	assert.NoError(t, audit.VerifyBundle(&bundle))
}

func TestAuditExport_UnknownCaseIs404(t *testing.T) {
	ts := newTestServer(t, matchingEngine())

	resp, err := http.Get(ts.URL + "/v1/cases/no-such-case/audit")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, matchingEngine())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimiter_Returns429WhenExhausted(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var limited bool
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			break
		}
	}
	assert.True(t, limited, fmt.Sprintf("expected a 429 within burst+%d requests", 8))
}
