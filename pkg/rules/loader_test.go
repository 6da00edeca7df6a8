package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable_Parses(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)

	assert.Equal(t, "2024.1.0", table.Version)
	assert.InDelta(t, 0.60, table.ConfidenceFloor, 1e-9)
	assert.True(t, table.Recognized("charitable_contributions"))
	assert.False(t, table.Recognized("crypto_losses"))
	assert.Len(t, table.LimitsFor("salt"), 1)
	assert.Len(t, table.Brackets, 4)
}

func TestParse_RejectsMissingRiskSection(t *testing.T) {
	yaml := strings.Replace(string(defaultsYAML), "risk:", "risk_disabled:", 1)

	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestParse_RejectsNonSemverVersion(t *testing.T) {
	yaml := strings.Replace(string(defaultsYAML), `version: "2024.1.0"`, `version: "latest-and-greatest"`, 1)

	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "semver")
}

func TestParse_RejectsDisorderedBandCuts(t *testing.T) {
	yaml := strings.Replace(string(defaultsYAML), "high: 50", "high: 90", 1)

	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "band_cuts")
}

func TestParse_RejectsUncompilableGuard(t *testing.T) {
	yaml := strings.Replace(string(defaultsYAML),
		`guard: "income == 0.0 || value <= income"`,
		`guard: "income == ||"`, 1)

	_, err := Parse([]byte(yaml))
	require.Error(t, err)
}

func TestParse_RejectsBoundedTopBracket(t *testing.T) {
	yaml := strings.Replace(string(defaultsYAML), "- {upper: null, rate: 0.40}", "- {upper: 999999, rate: 0.40}", 1)

	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unbounded")
}

// Every finding kind must carry a base weight, so a new kind cannot slip
// into scoring with an implicit zero.
func TestParse_RejectsMissingBaseWeight(t *testing.T) {
	yaml := strings.Replace(string(defaultsYAML), "    missing-data: 8\n", "", 1)

	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-data")
}

func TestEvalGuard_Defaults(t *testing.T) {
	table := MustDefaultTable()
	rule := table.LimitsFor("section179")[0]
	require.NotEmpty(t, rule.Guard)

	ok, err := table.EvalGuard(rule, "section179", 40000, 50000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = table.EvalGuard(rule, "section179", 60000, 50000)
	require.NoError(t, err)
	assert.False(t, ok)

	// Zero income short-circuits the guard.
	ok, err = table.EvalGuard(rule, "section179", 60000, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProvider_FailsClosedBeforeLoad(t *testing.T) {
	p := NewProvider()

	_, err := p.Current()
	assert.ErrorIs(t, err, ErrNotLoaded)
}

// TestProvider_FailedReloadKeepsPrevious verifies a broken feed update
// never evicts the table in service.
func TestProvider_FailedReloadKeepsPrevious(t *testing.T) {
	p := NewProvider()
	require.NoError(t, p.Load(defaultsYAML))

	err := p.Load([]byte("version: [broken"))
	require.Error(t, err)

	table, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, "2024.1.0", table.Version)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, defaultsYAML, 0o600))

	table, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2024.1.0", table.Version)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
