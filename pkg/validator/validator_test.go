package validator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/rules"
)

type failingLog struct{}

func (failingLog) Append(context.Context, audit.Entry) (*audit.Entry, error) {
	return nil, errors.New("sink unavailable")
}
func (failingLog) ReadAll(context.Context, string) ([]audit.Entry, error) { return nil, nil }
func (failingLog) VerifyChain(context.Context, string) error              { return nil }

func testCase(claimed map[string]float64, docs map[string][]string) *contracts.Case {
	return &contracts.Case{
		CaseID:        "case-1",
		SubjectID:     "subject-1",
		FilingStatus:  contracts.FilingSingle,
		ClaimedItems:  claimed,
		Documentation: docs,
		EngineRef:     "calc-1",
	}
}

func reasonCodesOf(findings []contracts.Finding) []string {
	codes := make([]string, 0, len(findings))
	for _, f := range findings {
		codes = append(codes, f.ReasonCode)
	}
	return codes
}

func findByReason(t *testing.T, findings []contracts.Finding, code string) contracts.Finding {
	t.Helper()
	for _, f := range findings {
		if f.ReasonCode == code {
			return f
		}
	}
	t.Fatalf("no finding with reason code %s in %v", code, reasonCodesOf(findings))
	return contracts.Finding{}
}

func TestCheck_CleanCaseHasNoFindings(t *testing.T) {
	v := New(audit.NewMemoryLog())
	c := testCase(map[string]float64{
		"wages":                    100000,
		"charitable_contributions": 5000,
	}, map[string][]string{
		"charitable_contributions": {"receipt"},
	})

	findings, err := v.Check(context.Background(), rules.MustDefaultTable(), c)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

// A charitable claim over the percent-of-income ceiling is blocking even
// when fully documented: documentation does not cure a limit violation.
func TestCheck_CharitableOverCeilingBlocks(t *testing.T) {
	v := New(audit.NewMemoryLog())
	c := testCase(map[string]float64{
		"wages":                    100000,
		"charitable_contributions": 80000,
	}, map[string][]string{
		"charitable_contributions": {"receipt"},
	})

	findings, err := v.Check(context.Background(), rules.MustDefaultTable(), c)
	require.NoError(t, err)

	f := findByReason(t, findings, contracts.ReasonCharityPctLimit)
	assert.Equal(t, contracts.KindLimitExceeded, f.Kind)
	assert.Equal(t, contracts.SeverityBlocking, f.Severity)
	assert.Equal(t, "charitable_contributions", f.Item)
}

func TestCheck_SaltOverCapWarns(t *testing.T) {
	v := New(audit.NewMemoryLog())
	c := testCase(map[string]float64{
		"wages": 200000,
		"salt":  15000,
	}, nil)

	findings, err := v.Check(context.Background(), rules.MustDefaultTable(), c)
	require.NoError(t, err)

	f := findByReason(t, findings, contracts.ReasonSaltCapExceeded)
	assert.Equal(t, contracts.SeverityWarning, f.Severity)
	assert.False(t, contracts.HasBlocking(findings))
}

func TestCheck_NegativeItemBlocks(t *testing.T) {
	v := New(audit.NewMemoryLog())
	c := testCase(map[string]float64{
		"wages": 50000,
		"salt":  -100,
	}, nil)

	findings, err := v.Check(context.Background(), rules.MustDefaultTable(), c)
	require.NoError(t, err)

	f := findByReason(t, findings, contracts.ReasonItemNegative)
	assert.Equal(t, contracts.KindCrossFieldInconsistency, f.Kind)
	assert.Equal(t, contracts.SeverityBlocking, f.Severity)
}

// Unknown items warn and are excluded from every other rule, rather than
// failing the case outright.
func TestCheck_UnrecognizedItemWarns(t *testing.T) {
	v := New(audit.NewMemoryLog())
	c := testCase(map[string]float64{
		"wages":         50000,
		"crypto_losses": 30000,
	}, nil)

	findings, err := v.Check(context.Background(), rules.MustDefaultTable(), c)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	assert.Equal(t, contracts.KindUnrecognizedItem, findings[0].Kind)
	assert.Equal(t, contracts.SeverityWarning, findings[0].Severity)
	assert.Equal(t, "crypto_losses", findings[0].Item)
}

func TestCheck_MissingDocumentationWarns(t *testing.T) {
	v := New(audit.NewMemoryLog())
	c := testCase(map[string]float64{
		"wages":                    100000,
		"charitable_contributions": 5000,
	}, nil)

	findings, err := v.Check(context.Background(), rules.MustDefaultTable(), c)
	require.NoError(t, err)

	f := findByReason(t, findings, contracts.ReasonDocMissing)
	assert.Equal(t, contracts.KindMissingDocumentation, f.Kind)
	assert.Equal(t, contracts.SeverityWarning, f.Severity)
}

func TestCheck_ZeroValuedItemNeedsNoDocumentation(t *testing.T) {
	v := New(audit.NewMemoryLog())
	c := testCase(map[string]float64{
		"wages":                    100000,
		"charitable_contributions": 0,
	}, nil)

	findings, err := v.Check(context.Background(), rules.MustDefaultTable(), c)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestCheck_DeductionsOverIncomeBlocks(t *testing.T) {
	v := New(audit.NewMemoryLog())
	c := testCase(map[string]float64{
		"wages":                    10000,
		"charitable_contributions": 4000,
		"salt":                     8000,
	}, map[string][]string{
		"charitable_contributions": {"receipt"},
	})

	findings, err := v.Check(context.Background(), rules.MustDefaultTable(), c)
	require.NoError(t, err)

	f := findByReason(t, findings, contracts.ReasonDeductionsOverIncome)
	assert.Equal(t, contracts.SeverityBlocking, f.Severity)
}

// Zero reported income does not exempt a case from the income-ratio rules:
// a nonzero claim against no income exceeds any percent ceiling and the
// deductions-over-income cross check still fires.
func TestCheck_ZeroIncomeNonzeroClaimBlocks(t *testing.T) {
	v := New(audit.NewMemoryLog())
	c := testCase(map[string]float64{
		"wages":                    0,
		"charitable_contributions": 40000,
	}, map[string][]string{
		"charitable_contributions": {"receipt"},
	})

	findings, err := v.Check(context.Background(), rules.MustDefaultTable(), c)
	require.NoError(t, err)

	f := findByReason(t, findings, contracts.ReasonCharityPctLimit)
	assert.Equal(t, contracts.KindLimitExceeded, f.Kind)
	assert.Equal(t, contracts.SeverityBlocking, f.Severity)

	f = findByReason(t, findings, contracts.ReasonDeductionsOverIncome)
	assert.Equal(t, contracts.KindCrossFieldInconsistency, f.Kind)
	assert.Equal(t, contracts.SeverityBlocking, f.Severity)
}

func TestCheck_GuardRejectsSection179OverIncome(t *testing.T) {
	v := New(audit.NewMemoryLog())
	c := testCase(map[string]float64{
		"wages":      50000,
		"section179": 60000,
	}, map[string][]string{
		"section179": {"asset_schedule"},
	})

	findings, err := v.Check(context.Background(), rules.MustDefaultTable(), c)
	require.NoError(t, err)

	f := findByReason(t, findings, contracts.ReasonGuardFailed)
	assert.Equal(t, contracts.KindLimitExceeded, f.Kind)
	assert.Equal(t, contracts.SeverityBlocking, f.Severity)
}

// TestCheck_DeterministicOrder verifies two runs over the same case yield
// the same findings in the same order.
func TestCheck_DeterministicOrder(t *testing.T) {
	v := New(audit.NewMemoryLog())
	c := testCase(map[string]float64{
		"wages":                    10000,
		"salt":                     15000,
		"charitable_contributions": 9000,
		"crypto_losses":            1,
	}, nil)
	table := rules.MustDefaultTable()

	first, err := v.Check(context.Background(), table, c)
	require.NoError(t, err)
	second, err := v.Check(context.Background(), table, c)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCheck_RecordsAuditEntry(t *testing.T) {
	log := audit.NewMemoryLog()
	v := New(log)
	c := testCase(map[string]float64{"wages": 50000}, nil)

	_, err := v.Check(context.Background(), rules.MustDefaultTable(), c)
	require.NoError(t, err)

	entries, err := log.ReadAll(context.Background(), "case-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "validator", entries[0].Stage)
	assert.Equal(t, c.Revision(), entries[0].Revision)
	assert.Contains(t, entries[0].InputsHash, "sha256:")
	assert.NoError(t, log.VerifyChain(context.Background(), "case-1"))
}

// The stage fails when its audit entry cannot be recorded.
func TestCheck_AuditFailureFailsStage(t *testing.T) {
	v := New(failingLog{})
	c := testCase(map[string]float64{"wages": 50000}, nil)

	_, err := v.Check(context.Background(), rules.MustDefaultTable(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit append")
}
