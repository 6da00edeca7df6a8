package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrNotLoaded is returned when a decision is requested before any rule
// table has been loaded. Callers must fail closed on it.
var ErrNotLoaded = errors.New("no rule table loaded")

// tableSchema structurally validates a rule table before it is trusted.
// YAML that parses but is missing a required section is a configuration
// error, not a half-usable table.
const tableSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "limits", "brackets", "risk", "tolerances"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "income_items": {"type": "array", "items": {"type": "string"}},
    "deduction_items": {"type": "array", "items": {"type": "string"}},
    "recognized_items": {"type": "array", "items": {"type": "string"}},
    "limits": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["item", "kind", "severity", "reason_code"],
        "properties": {
          "item": {"type": "string"},
          "kind": {"enum": ["absolute_cap", "percent_of_income"]},
          "cap": {"type": "number"},
          "ceiling": {"type": "number", "minimum": 0, "maximum": 1},
          "severity": {"enum": ["info", "warning", "blocking"]},
          "reason_code": {"type": "string"},
          "guard": {"type": "string"}
        }
      }
    },
    "required_documentation": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"type": "string"}}
    },
    "brackets": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "minItems": 1,
        "items": {
          "type": "object",
          "required": ["rate"],
          "properties": {
            "upper": {"type": ["number", "null"]},
            "rate": {"type": "number", "minimum": 0, "maximum": 1}
          }
        }
      }
    },
    "child_tax_credit": {
      "type": "object",
      "properties": {
        "per_child": {"type": "number", "minimum": 0},
        "refundable_cap": {"type": "number", "minimum": 0},
        "phaseout_per_1000": {"type": "number", "minimum": 0},
        "thresholds": {"type": "object", "additionalProperties": {"type": "number"}}
      }
    },
    "tolerances": {
      "type": "object",
      "required": ["rounding", "warn"],
      "properties": {
        "rounding": {"type": "number", "minimum": 0},
        "warn": {"type": "number", "minimum": 0}
      }
    },
    "confidence_floor": {"type": "number", "minimum": 0, "maximum": 1},
    "risk": {
      "type": "object",
      "required": ["base_weights", "severity_multipliers", "band_cuts"],
      "properties": {
        "base_weights": {"type": "object", "additionalProperties": {"type": "integer"}},
        "severity_multipliers": {"type": "object", "additionalProperties": {"type": "integer"}},
        "metadata_weights": {"type": "object", "additionalProperties": {"type": "integer"}},
        "prior_history_bonus": {"type": "integer", "minimum": 0},
        "band_cuts": {
          "type": "object",
          "required": ["medium", "high", "critical"],
          "properties": {
            "medium": {"type": "integer"},
            "high": {"type": "integer"},
            "critical": {"type": "integer"}
          }
        }
      }
    }
  }
}`

var compiledSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://keel.schemas.local/rules.schema.json"
	if err := c.AddResource(url, strings.NewReader(tableSchema)); err != nil {
		panic(fmt.Sprintf("rules: schema resource: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("rules: schema compile: %v", err))
	}
	return s
}()

// Parse validates and builds a rule table from YAML bytes.
func Parse(data []byte) (*Table, error) {
	// Schema validation runs on the generic decoding so structural errors
	// are reported before any typed defaulting can mask them.
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse rule table: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("rule table failed schema validation: %w", err)
	}

	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode rule table: %w", err)
	}
	if err := table.validate(); err != nil {
		return nil, fmt.Errorf("invalid rule table: %w", err)
	}

	guards, err := newGuardSet(table.Limits)
	if err != nil {
		return nil, fmt.Errorf("invalid rule table: %w", err)
	}
	table.guards = guards
	table.buildIndexes()
	return &table, nil
}

// LoadFile reads and parses a rule table from disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule table %s: %w", path, err)
	}
	return Parse(data)
}

// Provider serves the current rule table as process-wide, read-mostly
// state with an explicit load/reload lifecycle. A failed reload keeps the
// previous table in service.
type Provider struct {
	mu      sync.RWMutex
	current *Table
}

// NewProvider creates an empty provider; Current fails until a load
// succeeds.
func NewProvider() *Provider {
	return &Provider{}
}

// Load parses data and, on success, atomically swaps it in.
func (p *Provider) Load(data []byte) error {
	table, err := Parse(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.current = table
	p.mu.Unlock()
	return nil
}

// LoadFile is Load from a file path.
func (p *Provider) LoadFile(path string) error {
	table, err := LoadFile(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.current = table
	p.mu.Unlock()
	return nil
}

// Set installs an already-built table (used by tests and embedded defaults).
func (p *Provider) Set(table *Table) {
	p.mu.Lock()
	p.current = table
	p.mu.Unlock()
}

// Current returns the table in service.
func (p *Provider) Current() (*Table, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return nil, ErrNotLoaded
	}
	return p.current, nil
}
