// Package scorer reduces the check stages' findings plus case metadata to
// a single numeric risk score with per-contribution reason codes.
//
// The combination is additive-then-clamp: adding any finding never lowers
// the score, and every point on the score is attributable to a named
// contribution. A blocking finding floors the band at high regardless of
// the numeric sum, so one severe issue cannot be diluted by many minor
// ones.
package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/rules"
)

const stageName = "scorer"

// ErrScoreOutOfRange reports a computed score outside 0-100 before
// clamping could apply, which indicates a scorer or weight-table defect
// rather than risky user data.
var ErrScoreOutOfRange = errors.New("risk score out of range")

const (
	scoreMin = 0
	scoreMax = 100
)

// Thresholds for the behavioral metadata signals, from the deduction risk
// rules the pipeline inherited.
const (
	deductionSpikeRatio = 3.0
	roundNumberStep     = 1000.0
)

// Scorer is the third pipeline stage.
type Scorer struct {
	log audit.Log
}

// New creates a Scorer recording to log.
func New(log audit.Log) *Scorer {
	return &Scorer{log: log}
}

// Score computes the risk score for the findings and case metadata under
// the given rule table. It is a pure function of its inputs apart from the
// audit append: identical inputs always produce an identical score.
func (s *Scorer) Score(ctx context.Context, table *rules.Table, cs *contracts.Case, findings []contracts.Finding) (*contracts.RiskScore, error) {
	contributions := make([]contracts.Contribution, 0, len(findings))
	total := 0

	for _, f := range findings {
		base := table.Risk.BaseWeights[string(f.Kind)]
		mult := table.Risk.SeverityMultipliers[string(f.Severity)]
		weight := base * mult
		contributions = append(contributions, contracts.Contribution{
			ReasonCode: f.ReasonCode,
			Kind:       string(f.Kind),
			Weight:     weight,
		})
		total += weight
	}

	for _, c := range metadataContributions(table, cs) {
		contributions = append(contributions, c)
		total += c.Weight
	}

	if total < scoreMin {
		return nil, fmt.Errorf("%w: computed %d", ErrScoreOutOfRange, total)
	}
	value := total
	if value > scoreMax {
		value = scoreMax
	}

	band := bandFor(table.Risk.BandCuts, value)
	if contracts.HasBlocking(findings) && !band.AtLeast(contracts.BandHigh) {
		band = contracts.BandHigh
	}

	score := &contracts.RiskScore{
		Value:         value,
		Band:          band,
		Contributions: contributions,
		RuleVersion:   table.Version,
	}

	if err := s.record(ctx, table, cs, findings, score); err != nil {
		return nil, err
	}
	return score, nil
}

// metadataContributions derives the behavioral signals from case metadata.
// These are contributions, not findings: the finding set stays a pure
// record of what the check stages observed.
func metadataContributions(table *rules.Table, cs *contracts.Case) []contracts.Contribution {
	var out []contracts.Contribution

	if cs.PriorHistory != nil && cs.PriorHistory.PriorAuditFlags > 0 {
		out = append(out, contracts.Contribution{
			ReasonCode: contracts.ReasonPriorAuditHistory,
			Weight:     table.Risk.PriorHistoryBonus,
		})
	}

	if cs.PriorHistory != nil && cs.PriorHistory.PriorYearDeductions > 0 {
		current := table.Deductions(cs.ClaimedItems)
		if current/cs.PriorHistory.PriorYearDeductions > deductionSpikeRatio {
			if w := table.Risk.MetadataWeights[contracts.ReasonDeductionSpike]; w > 0 {
				out = append(out, contracts.Contribution{
					ReasonCode: contracts.ReasonDeductionSpike,
					Weight:     w,
				})
			}
		}
	}

	if income := cs.ClaimedItems["business_income"]; income != 0 && math.Mod(income, roundNumberStep) == 0 {
		if w := table.Risk.MetadataWeights[contracts.ReasonRoundNumberIncome]; w > 0 {
			out = append(out, contracts.Contribution{
				ReasonCode: contracts.ReasonRoundNumberIncome,
				Weight:     w,
			})
		}
	}
	return out
}

func bandFor(cuts rules.BandCuts, value int) contracts.RiskBand {
	switch {
	case value >= cuts.Critical:
		return contracts.BandCritical
	case value >= cuts.High:
		return contracts.BandHigh
	case value >= cuts.Medium:
		return contracts.BandMedium
	default:
		return contracts.BandLow
	}
}

func (s *Scorer) record(ctx context.Context, table *rules.Table, cs *contracts.Case, findings []contracts.Finding, score *contracts.RiskScore) error {
	inputsHash, err := canonicalize.Digest(struct {
		Findings     []contracts.Finding     `json:"findings"`
		ClaimedItems map[string]float64      `json:"claimed_items"`
		PriorHistory *contracts.PriorHistory `json:"prior_history,omitempty"`
	}{findings, cs.ClaimedItems, cs.PriorHistory})
	if err != nil {
		return fmt.Errorf("scorer: hash inputs: %w", err)
	}

	summary, err := json.Marshal(struct {
		RuleVersion   string            `json:"rule_version"`
		Value         int               `json:"value"`
		Band          contracts.RiskBand `json:"band"`
		Contributions int               `json:"contributions"`
	}{table.Version, score.Value, score.Band, len(score.Contributions)})
	if err != nil {
		return fmt.Errorf("scorer: marshal summary: %w", err)
	}

	if _, err := s.log.Append(ctx, audit.Entry{
		CaseID:      cs.CaseID,
		Revision:    cs.Revision(),
		Stage:       stageName,
		RuleVersion: table.Version,
		InputsHash:  inputsHash,
		Summary:     summary,
	}); err != nil {
		return fmt.Errorf("scorer: audit append: %w", err)
	}
	return nil
}
