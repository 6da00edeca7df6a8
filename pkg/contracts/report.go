package contracts

import "time"

// RiskBand is the coarse bucket derived from the numeric risk score.
type RiskBand string

const (
	BandLow      RiskBand = "low"
	BandMedium   RiskBand = "medium"
	BandHigh     RiskBand = "high"
	BandCritical RiskBand = "critical"
)

// AtLeast reports whether b is at or above floor in the band ordering.
func (b RiskBand) AtLeast(floor RiskBand) bool {
	return bandRank(b) >= bandRank(floor)
}

func bandRank(b RiskBand) int {
	switch b {
	case BandLow:
		return 0
	case BandMedium:
		return 1
	case BandHigh:
		return 2
	case BandCritical:
		return 3
	}
	return -1
}

// Contribution is one weighted signal feeding the risk score, kept so the
// score stays explainable per finding.
type Contribution struct {
	ReasonCode string `json:"reason_code"`
	Kind       string `json:"kind,omitempty"`
	Weight     int    `json:"weight"`
}

// RiskScore is the scorer's output: a clamped 0-100 value, its band, and
// the ordered contributions that produced it. Re-scoring identical inputs
// yields an identical RiskScore.
type RiskScore struct {
	Value         int            `json:"value"`
	Band          RiskBand       `json:"band"`
	Contributions []Contribution `json:"contributions"`
	RuleVersion   string         `json:"rule_version"`
}

// EscalationState is the lifecycle state of a case's human-review record.
type EscalationState string

const (
	StatePending          EscalationState = "pending"
	StateAutoApproved     EscalationState = "auto_approved"
	StateEscalated        EscalationState = "escalated"
	StateResolvedApproved EscalationState = "resolved_approved"
	StateResolvedRejected EscalationState = "resolved_rejected"
	StateResolvedModified EscalationState = "resolved_modified"
)

// Terminal reports whether s admits no further transition.
func (s EscalationState) Terminal() bool {
	switch s {
	case StateResolvedApproved, StateResolvedRejected, StateResolvedModified:
		return true
	}
	return false
}

// ReviewDecision is a human reviewer's verdict on an escalated case.
type ReviewDecision string

const (
	DecisionApproved ReviewDecision = "approved"
	DecisionRejected ReviewDecision = "rejected"
	DecisionModified ReviewDecision = "modified"
)

// EscalationRecord tracks one case revision through the review lifecycle.
// Only the escalation manager mutates it.
type EscalationRecord struct {
	CaseID      string          `json:"case_id"`
	Revision    string          `json:"revision"`
	State       EscalationState `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	Reviewer    string          `json:"reviewer,omitempty"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// SafetyReport is the externally visible result of a pipeline run.
// Read-only once produced.
type SafetyReport struct {
	ReportID    string           `json:"report_id"`
	CaseID      string           `json:"case_id"`
	Revision    string           `json:"revision"`
	State       EscalationState  `json:"state"`
	Score       *RiskScore       `json:"score"`
	Findings    []Finding        `json:"findings"`
	AuditSeqs   []uint64         `json:"audit_seqs"`
	RuleVersion string           `json:"rule_version"`
	GeneratedAt time.Time        `json:"generated_at"`
}
