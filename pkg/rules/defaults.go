package rules

import (
	_ "embed"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// DefaultTable parses the embedded default rule table. It goes through the
// same Parse path as an external feed so defaults cannot bypass validation.
func DefaultTable() (*Table, error) {
	return Parse(defaultsYAML)
}

// MustDefaultTable is DefaultTable for tests and wiring where the embedded
// defaults are known-good.
func MustDefaultTable() *Table {
	t, err := DefaultTable()
	if err != nil {
		panic("rules: embedded defaults invalid: " + err.Error())
	}
	return t
}
