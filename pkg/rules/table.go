// Package rules loads and serves the versioned compliance rule table.
//
// Limits, documentation requirements, bracket and credit tables, and risk
// policy parameters change annually, so they live in external configuration
// rather than pipeline code. Every decision records the rule version it was
// made under; a later rule change never reinterprets an old decision.
package rules

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Limit rule kinds.
const (
	LimitAbsoluteCap     = "absolute_cap"
	LimitPercentOfIncome = "percent_of_income"
)

// LimitRule is one absolute rule over a claimed item.
type LimitRule struct {
	Item       string             `yaml:"item" json:"item"`
	Kind       string             `yaml:"kind" json:"kind"`
	Cap        float64            `yaml:"cap,omitempty" json:"cap,omitempty"`
	Ceiling    float64            `yaml:"ceiling,omitempty" json:"ceiling,omitempty"` // fraction of income
	Severity   contracts.Severity `yaml:"severity" json:"severity"`
	ReasonCode string             `yaml:"reason_code" json:"reason_code"`
	Guard      string             `yaml:"guard,omitempty" json:"guard,omitempty"` // optional CEL expression; false means violated
}

// Bracket is one progressive tax bracket. A nil Upper marks the top bracket.
type Bracket struct {
	Upper *float64 `yaml:"upper" json:"upper"`
	Rate  float64  `yaml:"rate" json:"rate"`
}

// CTCRule parameterizes the child tax credit re-derivation.
type CTCRule struct {
	PerChild        float64            `yaml:"per_child" json:"per_child"`
	RefundableCap   float64            `yaml:"refundable_cap" json:"refundable_cap"`
	PhaseoutPer1000 float64            `yaml:"phaseout_per_1000" json:"phaseout_per_1000"`
	Thresholds      map[string]float64 `yaml:"thresholds" json:"thresholds"` // filing status -> AGI threshold
}

// Tolerances bound acceptable deviation between the engine's figures and
// the independently derived ones, in absolute dollars.
type Tolerances struct {
	Rounding float64 `yaml:"rounding" json:"rounding"` // at or below: informational
	Warn     float64 `yaml:"warn" json:"warn"`         // at or below: warning; above: blocking
}

// BandCuts are the lower bounds of each band above low.
type BandCuts struct {
	Medium   int `yaml:"medium" json:"medium"`
	High     int `yaml:"high" json:"high"`
	Critical int `yaml:"critical" json:"critical"`
}

// RiskPolicy carries the scorer's policy parameters. The shipped defaults
// are illustrative; production values arrive through the rule feed.
type RiskPolicy struct {
	BaseWeights         map[string]int `yaml:"base_weights" json:"base_weights"`                 // finding kind -> weight
	SeverityMultipliers map[string]int `yaml:"severity_multipliers" json:"severity_multipliers"` // severity -> multiplier
	MetadataWeights     map[string]int `yaml:"metadata_weights" json:"metadata_weights"`         // reason code -> weight
	PriorHistoryBonus   int            `yaml:"prior_history_bonus" json:"prior_history_bonus"`
	BandCuts            BandCuts       `yaml:"band_cuts" json:"band_cuts"`
}

// Table is one immutable, versioned rule set. All lookups are local reads.
type Table struct {
	Version         string               `yaml:"version" json:"version"`
	IncomeItems     []string             `yaml:"income_items" json:"income_items"`
	DeductionItems  []string             `yaml:"deduction_items" json:"deduction_items"`
	RecognizedItems []string             `yaml:"recognized_items" json:"recognized_items"`
	Limits          []LimitRule          `yaml:"limits" json:"limits"`
	RequiredDocs    map[string][]string  `yaml:"required_documentation" json:"required_documentation"`
	Brackets        map[string][]Bracket `yaml:"brackets" json:"brackets"`
	ChildTaxCredit  CTCRule              `yaml:"child_tax_credit" json:"child_tax_credit"`
	Tolerances      Tolerances           `yaml:"tolerances" json:"tolerances"`
	ConfidenceFloor float64              `yaml:"confidence_floor" json:"confidence_floor"`
	Risk            RiskPolicy           `yaml:"risk" json:"risk"`

	guards     *guardSet       // compiled CEL guards, built at load
	recognized map[string]bool // lookup set over RecognizedItems
}

// validate checks invariants a malformed table could break at decision time.
// A table that fails here is a configuration error and must not be served.
func (t *Table) validate() error {
	if _, err := semver.NewVersion(t.Version); err != nil {
		return fmt.Errorf("rule table version %q is not semver: %w", t.Version, err)
	}
	for _, kind := range contracts.AllFindingKinds {
		if _, ok := t.Risk.BaseWeights[string(kind)]; !ok {
			return fmt.Errorf("risk.base_weights missing finding kind %q", kind)
		}
	}
	for _, sev := range []contracts.Severity{contracts.SeverityInfo, contracts.SeverityWarning, contracts.SeverityBlocking} {
		m, ok := t.Risk.SeverityMultipliers[string(sev)]
		if !ok {
			return fmt.Errorf("risk.severity_multipliers missing severity %q", sev)
		}
		if m < 1 {
			return fmt.Errorf("risk.severity_multipliers[%s] = %d; multipliers must be >= 1", sev, m)
		}
	}
	for kind, w := range t.Risk.BaseWeights {
		if w < 0 {
			return fmt.Errorf("risk.base_weights[%s] = %d; weights must be non-negative", kind, w)
		}
	}
	for code, w := range t.Risk.MetadataWeights {
		if w < 0 {
			return fmt.Errorf("risk.metadata_weights[%s] = %d; weights must be non-negative", code, w)
		}
	}
	if t.Risk.PriorHistoryBonus < 0 {
		return fmt.Errorf("risk.prior_history_bonus must be non-negative")
	}
	cuts := t.Risk.BandCuts
	if !(0 < cuts.Medium && cuts.Medium < cuts.High && cuts.High < cuts.Critical && cuts.Critical <= 100) {
		return fmt.Errorf("risk.band_cuts must satisfy 0 < medium < high < critical <= 100")
	}
	for status, brackets := range t.Brackets {
		if !contracts.ValidFilingStatus(contracts.FilingStatus(status)) {
			return fmt.Errorf("brackets: unknown filing status %q", status)
		}
		if len(brackets) == 0 {
			return fmt.Errorf("brackets[%s] is empty", status)
		}
		if brackets[len(brackets)-1].Upper != nil {
			return fmt.Errorf("brackets[%s]: top bracket must be unbounded", status)
		}
		var prev float64
		for i, b := range brackets[:len(brackets)-1] {
			if b.Upper == nil {
				return fmt.Errorf("brackets[%s][%d]: only the top bracket may be unbounded", status, i)
			}
			if *b.Upper <= prev {
				return fmt.Errorf("brackets[%s][%d]: upper bounds must increase", status, i)
			}
			prev = *b.Upper
		}
	}
	for _, rule := range t.Limits {
		switch rule.Kind {
		case LimitAbsoluteCap, LimitPercentOfIncome:
		default:
			return fmt.Errorf("limits[%s]: unknown kind %q", rule.Item, rule.Kind)
		}
		if rule.ReasonCode == "" {
			return fmt.Errorf("limits[%s]: reason_code is required", rule.Item)
		}
	}
	return nil
}

func (t *Table) buildIndexes() {
	t.recognized = make(map[string]bool, len(t.RecognizedItems))
	for _, item := range t.RecognizedItems {
		t.recognized[item] = true
	}
}

// Recognized reports whether the rule set knows the claimed item.
func (t *Table) Recognized(item string) bool {
	return t.recognized[item]
}

// LimitsFor returns the limit rules applying to an item, in table order.
func (t *Table) LimitsFor(item string) []LimitRule {
	var out []LimitRule
	for _, rule := range t.Limits {
		if rule.Item == item {
			out = append(out, rule)
		}
	}
	return out
}

// SortedItems returns the claimed item names in lexical order, the fixed
// evaluation order that keeps finding sequences deterministic.
func SortedItems(claimed map[string]float64) []string {
	items := make([]string, 0, len(claimed))
	for item := range claimed {
		items = append(items, item)
	}
	sort.Strings(items)
	return items
}

// Income sums the claimed items the table classifies as income.
func (t *Table) Income(claimed map[string]float64) float64 {
	var total float64
	for _, item := range t.IncomeItems {
		total += claimed[item]
	}
	return total
}

// Deductions sums the claimed items the table classifies as deductions.
func (t *Table) Deductions(claimed map[string]float64) float64 {
	var total float64
	for _, item := range t.DeductionItems {
		total += claimed[item]
	}
	return total
}

// EvalGuard evaluates the compiled CEL guard for a limit rule. A false
// result means the guard is violated. Rules without guards pass.
func (t *Table) EvalGuard(rule LimitRule, item string, value, income float64) (bool, error) {
	if rule.Guard == "" || t.guards == nil {
		return true, nil
	}
	return t.guards.eval(rule.Guard, item, value, income)
}
