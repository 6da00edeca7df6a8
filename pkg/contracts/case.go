// Package contracts defines the shared data contracts of the safety
// pipeline: cases, findings, risk scores, escalation records, and the
// safety report handed back to the advice layer.
package contracts

import (
	"time"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
)

// FilingStatus classifies a filer for bracket and credit purposes.
type FilingStatus string

const (
	FilingSingle          FilingStatus = "single"
	FilingMarriedJoint    FilingStatus = "married_joint"
	FilingMarriedSeparate FilingStatus = "married_separate"
	FilingHeadOfHousehold FilingStatus = "head_of_household"
)

// ValidFilingStatus reports whether s is one of the supported statuses.
func ValidFilingStatus(s FilingStatus) bool {
	switch s {
	case FilingSingle, FilingMarriedJoint, FilingMarriedSeparate, FilingHeadOfHousehold:
		return true
	}
	return false
}

// PriorHistory summarizes a subject's prior adverse signals. It is an
// explicit scoring input, not something the pipeline looks up itself.
type PriorHistory struct {
	PriorAuditFlags     int     `json:"prior_audit_flags"`
	PriorYearDeductions float64 `json:"prior_year_deductions"`
}

// Case is one unit of work: a filing or a single piece of machine-generated
// advice awaiting safety clearance.
//
// ClaimedItems and EngineRef are immutable for a revision: Revision() is a
// content hash over them, so any change to the inputs yields a new revision
// key rather than a mutation of an existing one.
type Case struct {
	CaseID        string              `json:"case_id"`
	SubjectID     string              `json:"subject_id"`
	FilingStatus  FilingStatus        `json:"filing_status"`
	Dependents    int                 `json:"dependents"`
	ClaimedItems  map[string]float64  `json:"claimed_items"`
	Documentation map[string][]string `json:"documentation,omitempty"` // item -> doc classes supplied
	EngineRef     string              `json:"engine_ref"`
	PriorHistory  *PriorHistory       `json:"prior_history,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Revision returns the content-addressed revision key for the case inputs.
// Two cases with identical inputs share a revision; a changed claimed item
// or engine reference produces a new one.
func (c *Case) Revision() string {
	hash, err := canonicalize.Hash(struct {
		CaseID       string             `json:"case_id"`
		FilingStatus FilingStatus       `json:"filing_status"`
		Dependents   int                `json:"dependents"`
		ClaimedItems map[string]float64 `json:"claimed_items"`
		EngineRef    string             `json:"engine_ref"`
	}{c.CaseID, c.FilingStatus, c.Dependents, c.ClaimedItems, c.EngineRef})
	if err != nil {
		// Canonicalization of plain maps and strings cannot fail; guard anyway.
		return c.CaseID + "@invalid"
	}
	return c.CaseID + "@" + hash[:16]
}

// EngineResult is the calculation engine's structured output for a case.
// Pointer fields model partial output: a nil headline figure is a
// safety-relevant condition the consistency checker reports as missing data.
type EngineResult struct {
	TaxableIncome *float64           `json:"taxable_income,omitempty"`
	BracketIndex  *int               `json:"bracket_index,omitempty"`
	TotalTax      *float64           `json:"total_tax,omitempty"`
	Credits       map[string]float64 `json:"credits,omitempty"`
}

// Complete reports whether all headline figures are present.
func (r *EngineResult) Complete() bool {
	return r != nil && r.TaxableIncome != nil && r.BracketIndex != nil && r.TotalTax != nil
}
