// Package consistency cross-checks the calculation engine's output against
// figures re-derived independently from the published rule tables.
//
// Missing, partial, or timed-out engine output is a first-class safety
// signal, reported as a blocking missing-data finding rather than raised
// as a fault.
package consistency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/rules"
)

const stageName = "consistency"

// Engine is the read interface onto the external calculation engine.
// Implementations must honor context cancellation; the checker bounds
// every call with a timeout.
type Engine interface {
	Result(ctx context.Context, engineRef string) (*contracts.EngineResult, error)
}

// Result is the checker's output for one case.
type Result struct {
	Findings    []contracts.Finding `json:"findings"`
	Confidence  float64             `json:"confidence"`
	MissingData bool                `json:"missing_data"`
}

// Confidence penalties per deviation severity.
const (
	penaltyInfo     = 0.05
	penaltyWarning  = 0.15
	penaltyBlocking = 0.40
)

// Checker is the second pipeline stage.
type Checker struct {
	log     audit.Log
	engine  Engine
	timeout time.Duration
}

// New creates a Checker. timeout bounds each engine read; zero means 2s.
func New(log audit.Log, engine Engine, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{log: log, engine: engine, timeout: timeout}
}

// Check fetches the engine output for the case and compares it against the
// independently derived bracket, tax, and credit figures.
func (c *Checker) Check(ctx context.Context, table *rules.Table, cs *contracts.Case) (*Result, error) {
	result, engineOut := c.compare(ctx, table, cs)
	if err := c.record(ctx, table, cs, result, engineOut); err != nil {
		return nil, err
	}
	return result, nil
}

// compare returns the checker's result alongside the raw engine output it
// examined, nil when no output was obtained.
func (c *Checker) compare(ctx context.Context, table *rules.Table, cs *contracts.Case) (*Result, *contracts.EngineResult) {
	engineCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.engine.Result(engineCtx, cs.EngineRef)
	if err != nil {
		reason := contracts.ReasonEngineMissing
		detail := fmt.Sprintf("engine output unavailable: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			// A timeout is treated identically to missing data.
			reason = contracts.ReasonEngineTimeout
			detail = fmt.Sprintf("engine read timed out after %s", c.timeout)
		}
		return missingData(reason, detail), nil
	}
	if res == nil {
		return missingData(contracts.ReasonEngineMissing, "engine returned no output for reference "+cs.EngineRef), nil
	}
	if !res.Complete() {
		return missingData(contracts.ReasonEnginePartial, "engine output is missing headline figures"), res
	}

	out := &Result{Findings: make([]contracts.Finding, 0), Confidence: 1.0}

	c.compareBracket(table, cs, res, out)
	c.compareTax(table, cs, res, out)
	c.compareCredit(table, cs, res, out)

	if out.Confidence < 0 {
		out.Confidence = 0
	}
	return out, res
}

func (c *Checker) compareBracket(table *rules.Table, cs *contracts.Case, res *contracts.EngineResult, out *Result) {
	expected, err := table.ExpectedBracket(cs.FilingStatus, *res.TaxableIncome)
	if err != nil {
		out.add(contracts.Finding{
			Kind:       contracts.KindConfigurationError,
			Severity:   contracts.SeverityBlocking,
			ReasonCode: contracts.ReasonRulesetUnavailable,
			Detail:     err.Error(),
		}, penaltyBlocking)
		return
	}
	if expected != *res.BracketIndex {
		out.add(contracts.Finding{
			Kind:       contracts.KindDeviationFromExpected,
			Severity:   contracts.SeverityBlocking,
			ReasonCode: contracts.ReasonBracketMismatch,
			Detail:     fmt.Sprintf("engine reports bracket %d, derived bracket %d for taxable income %.2f", *res.BracketIndex, expected, *res.TaxableIncome),
		}, penaltyBlocking)
	}
}

func (c *Checker) compareTax(table *rules.Table, cs *contracts.Case, res *contracts.EngineResult, out *Result) {
	expected, err := table.ProgressiveTax(cs.FilingStatus, *res.TaxableIncome)
	if err != nil {
		out.add(contracts.Finding{
			Kind:       contracts.KindConfigurationError,
			Severity:   contracts.SeverityBlocking,
			ReasonCode: contracts.ReasonRulesetUnavailable,
			Detail:     err.Error(),
		}, penaltyBlocking)
		return
	}

	deviation := math.Abs(expected - *res.TotalTax)
	if deviation == 0 {
		return
	}
	severity, penalty := grade(deviation, table.Tolerances)
	out.add(contracts.Finding{
		Kind:       contracts.KindDeviationFromExpected,
		Severity:   severity,
		ReasonCode: contracts.ReasonTaxDeviation,
		Detail:     fmt.Sprintf("engine tax %.2f deviates %.2f from derived %.2f", *res.TotalTax, deviation, expected),
	}, penalty)
}

func (c *Checker) compareCredit(table *rules.Table, cs *contracts.Case, res *contracts.EngineResult, out *Result) {
	agi := table.Income(cs.ClaimedItems)
	expected, err := table.ExpectedChildTaxCredit(cs.FilingStatus, agi, cs.Dependents)
	if err != nil {
		out.add(contracts.Finding{
			Kind:       contracts.KindConfigurationError,
			Severity:   contracts.SeverityBlocking,
			ReasonCode: contracts.ReasonRulesetUnavailable,
			Detail:     err.Error(),
		}, penaltyBlocking)
		return
	}

	applied := res.Credits["child_tax_credit"]
	if deviation := math.Abs(expected - applied); deviation != 0 {
		severity, penalty := grade(deviation, table.Tolerances)
		out.add(contracts.Finding{
			Kind:       contracts.KindDeviationFromExpected,
			Severity:   severity,
			ReasonCode: contracts.ReasonCreditMismatch,
			Detail:     fmt.Sprintf("engine applied child tax credit %.2f, derived %.2f for %d dependents", applied, expected, cs.Dependents),
		}, penalty)
	}

	refundable, ok := res.Credits["child_tax_credit_refundable"]
	if !ok {
		return
	}
	expectedRefundable, err := table.ExpectedRefundableChildTaxCredit(cs.FilingStatus, agi, cs.Dependents)
	if err != nil {
		// Same threshold lookup as the full credit; already reported above.
		return
	}
	if deviation := math.Abs(expectedRefundable - refundable); deviation != 0 {
		severity, penalty := grade(deviation, table.Tolerances)
		out.add(contracts.Finding{
			Kind:       contracts.KindDeviationFromExpected,
			Severity:   severity,
			ReasonCode: contracts.ReasonCreditMismatch,
			Detail:     fmt.Sprintf("engine reports refundable child tax credit %.2f, derived cap is %.2f", refundable, expectedRefundable),
		}, penalty)
	}
}

// grade maps an absolute deviation to severity: within rounding tolerance
// is informational, within the warn ceiling is a warning, beyond it is
// blocking.
func grade(deviation float64, tol rules.Tolerances) (contracts.Severity, float64) {
	switch {
	case deviation <= tol.Rounding:
		return contracts.SeverityInfo, penaltyInfo
	case deviation <= tol.Warn:
		return contracts.SeverityWarning, penaltyWarning
	default:
		return contracts.SeverityBlocking, penaltyBlocking
	}
}

func (r *Result) add(f contracts.Finding, penalty float64) {
	r.Findings = append(r.Findings, f)
	r.Confidence -= penalty
}

func missingData(reasonCode, detail string) *Result {
	return &Result{
		Findings: []contracts.Finding{{
			Kind:       contracts.KindMissingData,
			Severity:   contracts.SeverityBlocking,
			ReasonCode: reasonCode,
			Detail:     detail,
		}},
		Confidence:  0,
		MissingData: true,
	}
}

func (c *Checker) record(ctx context.Context, table *rules.Table, cs *contracts.Case, result *Result, engineOut *contracts.EngineResult) error {
	inputsHash, err := canonicalize.Digest(struct {
		EngineRef string                  `json:"engine_ref"`
		Engine    *contracts.EngineResult `json:"engine,omitempty"`
	}{cs.EngineRef, engineOut})
	if err != nil {
		return fmt.Errorf("consistency: hash inputs: %w", err)
	}

	summary, err := json.Marshal(struct {
		RuleVersion string  `json:"rule_version"`
		Findings    int     `json:"findings"`
		Confidence  float64 `json:"confidence"`
		MissingData bool    `json:"missing_data"`
	}{table.Version, len(result.Findings), result.Confidence, result.MissingData})
	if err != nil {
		return fmt.Errorf("consistency: marshal summary: %w", err)
	}

	if _, err := c.log.Append(ctx, audit.Entry{
		CaseID:      cs.CaseID,
		Revision:    cs.Revision(),
		Stage:       stageName,
		RuleVersion: table.Version,
		InputsHash:  inputsHash,
		Summary:     summary,
	}); err != nil {
		return fmt.Errorf("consistency: audit append: %w", err)
	}
	return nil
}
