// Package validator checks a case's claimed items against the absolute
// rules of the current rule table: caps, percentage-of-income ceilings,
// guard expressions, and documentation presence.
//
// Every applicable rule is evaluated; the validator never stops at the
// first violation. Unknown items are flagged, not fatal.
package validator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/rules"
)

const stageName = "validator"

// Validator is the first pipeline stage.
type Validator struct {
	log audit.Log
}

// New creates a Validator recording to log.
func New(log audit.Log) *Validator {
	return &Validator{log: log}
}

// Check evaluates every claimed item against the rule table and returns
// all findings in deterministic (item-sorted, rule-table) order. The audit
// entry is written before returning; an audit failure fails the stage.
func (v *Validator) Check(ctx context.Context, table *rules.Table, c *contracts.Case) ([]contracts.Finding, error) {
	findings := make([]contracts.Finding, 0)
	income := table.Income(c.ClaimedItems)

	for _, item := range rules.SortedItems(c.ClaimedItems) {
		value := c.ClaimedItems[item]

		if value < 0 {
			findings = append(findings, contracts.Finding{
				Kind:       contracts.KindCrossFieldInconsistency,
				Severity:   contracts.SeverityBlocking,
				Item:       item,
				ReasonCode: contracts.ReasonItemNegative,
				Detail:     fmt.Sprintf("claimed value %.2f is negative", value),
			})
		}

		if !table.Recognized(item) {
			findings = append(findings, contracts.Finding{
				Kind:       contracts.KindUnrecognizedItem,
				Severity:   contracts.SeverityWarning,
				Item:       item,
				ReasonCode: contracts.ReasonItemUnknown,
				Detail:     fmt.Sprintf("item %q is not in rule set %s", item, table.Version),
			})
			continue
		}

		for _, rule := range table.LimitsFor(item) {
			findings = append(findings, v.applyLimit(table, rule, item, value, income)...)
		}

		findings = append(findings, checkDocumentation(table, c, item, value)...)
	}

	if deductions := table.Deductions(c.ClaimedItems); deductions > income {
		findings = append(findings, contracts.Finding{
			Kind:       contracts.KindCrossFieldInconsistency,
			Severity:   contracts.SeverityBlocking,
			ReasonCode: contracts.ReasonDeductionsOverIncome,
			Detail:     fmt.Sprintf("total deductions %.2f exceed total income %.2f", deductions, income),
		})
	}

	if err := v.record(ctx, table, c, findings); err != nil {
		return nil, err
	}
	return findings, nil
}

func (v *Validator) applyLimit(table *rules.Table, rule rules.LimitRule, item string, value, income float64) []contracts.Finding {
	var findings []contracts.Finding

	switch rule.Kind {
	case rules.LimitAbsoluteCap:
		if value > rule.Cap {
			findings = append(findings, contracts.Finding{
				Kind:       contracts.KindLimitExceeded,
				Severity:   rule.Severity,
				Item:       item,
				ReasonCode: rule.ReasonCode,
				Detail:     fmt.Sprintf("claimed %.2f exceeds cap %.2f", value, rule.Cap),
			})
		}
	case rules.LimitPercentOfIncome:
		// A nonzero claim against zero income exceeds any ceiling.
		switch {
		case value <= 0:
		case income <= 0:
			findings = append(findings, contracts.Finding{
				Kind:       contracts.KindLimitExceeded,
				Severity:   rule.Severity,
				Item:       item,
				ReasonCode: rule.ReasonCode,
				Detail:     fmt.Sprintf("claimed %.2f with no reported income, ceiling is %.0f%% of income", value, 100*rule.Ceiling),
			})
		case value/income > rule.Ceiling:
			findings = append(findings, contracts.Finding{
				Kind:       contracts.KindLimitExceeded,
				Severity:   rule.Severity,
				Item:       item,
				ReasonCode: rule.ReasonCode,
				Detail:     fmt.Sprintf("claimed %.2f is %.0f%% of income, ceiling is %.0f%%", value, 100*value/income, 100*rule.Ceiling),
			})
		}
	}

	ok, err := table.EvalGuard(rule, item, value, income)
	if err != nil {
		// A guard that compiled but cannot evaluate is a rule-set defect.
		findings = append(findings, contracts.Finding{
			Kind:       contracts.KindConfigurationError,
			Severity:   contracts.SeverityBlocking,
			Item:       item,
			ReasonCode: contracts.ReasonRulesetUnavailable,
			Detail:     fmt.Sprintf("guard evaluation failed: %v", err),
		})
		return findings
	}
	if !ok {
		findings = append(findings, contracts.Finding{
			Kind:       contracts.KindLimitExceeded,
			Severity:   rule.Severity,
			Item:       item,
			ReasonCode: contracts.ReasonGuardFailed,
			Detail:     fmt.Sprintf("guard %q rejected claimed value %.2f", rule.Guard, value),
		})
	}
	return findings
}

// checkDocumentation flags required documentation classes the case did not
// supply for a claimed item. Zero-valued items need no documentation.
func checkDocumentation(table *rules.Table, c *contracts.Case, item string, value float64) []contracts.Finding {
	required, ok := table.RequiredDocs[item]
	if !ok || value == 0 {
		return nil
	}

	supplied := make(map[string]bool)
	for _, class := range c.Documentation[item] {
		supplied[class] = true
	}

	var findings []contracts.Finding
	for _, class := range required {
		if !supplied[class] {
			findings = append(findings, contracts.Finding{
				Kind:       contracts.KindMissingDocumentation,
				Severity:   contracts.SeverityWarning,
				Item:       item,
				ReasonCode: contracts.ReasonDocMissing,
				Detail:     fmt.Sprintf("required documentation %q not supplied for %s", class, item),
			})
		}
	}
	return findings
}

func (v *Validator) record(ctx context.Context, table *rules.Table, c *contracts.Case, findings []contracts.Finding) error {
	inputsHash, err := canonicalize.Digest(c.ClaimedItems)
	if err != nil {
		return fmt.Errorf("validator: hash inputs: %w", err)
	}

	summary, err := json.Marshal(struct {
		RuleVersion string   `json:"rule_version"`
		Findings    int      `json:"findings"`
		ReasonCodes []string `json:"reason_codes"`
	}{table.Version, len(findings), reasonCodes(findings)})
	if err != nil {
		return fmt.Errorf("validator: marshal summary: %w", err)
	}

	if _, err := v.log.Append(ctx, audit.Entry{
		CaseID:      c.CaseID,
		Revision:    c.Revision(),
		Stage:       stageName,
		RuleVersion: table.Version,
		InputsHash:  inputsHash,
		Summary:     summary,
	}); err != nil {
		return fmt.Errorf("validator: audit append: %w", err)
	}
	return nil
}

func reasonCodes(findings []contracts.Finding) []string {
	codes := make([]string, 0, len(findings))
	for _, f := range findings {
		codes = append(codes, f.ReasonCode)
	}
	return codes
}
