package rules

import (
	"fmt"
	"math"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// ExpectedBracket returns the index of the bracket containing taxable
// income for the filing status.
func (t *Table) ExpectedBracket(status contracts.FilingStatus, taxable float64) (int, error) {
	brackets, ok := t.Brackets[string(status)]
	if !ok {
		return 0, fmt.Errorf("no bracket table for filing status %q", status)
	}
	for i, b := range brackets {
		if b.Upper == nil || taxable <= *b.Upper {
			return i, nil
		}
	}
	// Unreachable: validate() guarantees an unbounded top bracket.
	return len(brackets) - 1, nil
}

// ProgressiveTax re-derives total tax on taxable income. Each bracket's
// rate applies only to the income portion within that bracket; the result
// is rounded to cents.
func (t *Table) ProgressiveTax(status contracts.FilingStatus, taxable float64) (float64, error) {
	brackets, ok := t.Brackets[string(status)]
	if !ok {
		return 0, fmt.Errorf("no bracket table for filing status %q", status)
	}
	if taxable <= 0 {
		return 0, nil
	}

	var tax, previousUpper float64
	for _, b := range brackets {
		if b.Upper == nil || taxable <= *b.Upper {
			tax += (taxable - previousUpper) * b.Rate
			break
		}
		tax += (*b.Upper - previousUpper) * b.Rate
		previousUpper = *b.Upper
	}
	return math.Round(tax*100) / 100, nil
}

// ExpectedChildTaxCredit re-derives the expected child tax credit for the
// filing status, AGI, and number of qualifying children: per-child amount,
// phased out by a fixed step per $1,000 of AGI over the status threshold.
func (t *Table) ExpectedChildTaxCredit(status contracts.FilingStatus, agi float64, children int) (float64, error) {
	if children <= 0 {
		return 0, nil
	}
	threshold, ok := t.ChildTaxCredit.Thresholds[string(status)]
	if !ok {
		return 0, fmt.Errorf("no child tax credit threshold for filing status %q", status)
	}

	credit := float64(children) * t.ChildTaxCredit.PerChild
	if agi > threshold {
		steps := math.Floor((agi - threshold) / 1000)
		credit = math.Max(0, credit-steps*t.ChildTaxCredit.PhaseoutPer1000)
	}
	return math.Round(credit*100) / 100, nil
}

// ExpectedRefundableChildTaxCredit re-derives the refundable portion of the
// child tax credit: the phased-out credit, bounded by the per-child
// refundable cap.
func (t *Table) ExpectedRefundableChildTaxCredit(status contracts.FilingStatus, agi float64, children int) (float64, error) {
	credit, err := t.ExpectedChildTaxCredit(status, agi, children)
	if err != nil || credit == 0 {
		return 0, err
	}
	return math.Min(credit, float64(children)*t.ChildTaxCredit.RefundableCap), nil
}
