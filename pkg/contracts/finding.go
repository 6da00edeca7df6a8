package contracts

// FindingKind is the closed set of issue categories the check stages can
// raise. The scorer's weight table is keyed on this set, so adding a kind
// requires a matching weight entry.
type FindingKind string

const (
	KindLimitExceeded           FindingKind = "limit-exceeded"
	KindMissingDocumentation    FindingKind = "missing-documentation"
	KindCrossFieldInconsistency FindingKind = "cross-field-inconsistency"
	KindDeviationFromExpected   FindingKind = "deviation-from-expected"
	KindMissingData             FindingKind = "missing-data"
	KindUnrecognizedItem        FindingKind = "unrecognized-item"
	KindConfigurationError      FindingKind = "configuration-error"
	KindInternalFault           FindingKind = "internal-fault"
)

// AllFindingKinds enumerates every kind, in scoring order.
var AllFindingKinds = []FindingKind{
	KindLimitExceeded,
	KindMissingDocumentation,
	KindCrossFieldInconsistency,
	KindDeviationFromExpected,
	KindMissingData,
	KindUnrecognizedItem,
	KindConfigurationError,
	KindInternalFault,
}

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityBlocking Severity = "blocking"
)

// Fixed reason codes. Tests and reviewers match on these, never on free
// text, so they are append-only: a code is never renamed or reused.
const (
	ReasonCharityPctLimit    = "CHARITY_PCT_LIMIT"
	ReasonMealsCapExceeded   = "MEALS_CAP_EXCEEDED"
	ReasonSec179Limit        = "SEC179_LIMIT_EXCEEDED"
	ReasonSaltCapExceeded    = "SALT_CAP_EXCEEDED"
	ReasonItemNegative       = "ITEM_NEGATIVE"
	ReasonDeductionsOverIncome = "DED_GT_INCOME"
	ReasonDocMissing         = "DOC_REQUIRED_MISSING"
	ReasonItemUnknown        = "ITEM_UNKNOWN"
	ReasonGuardFailed        = "RULE_GUARD_FAILED"
	ReasonBracketMismatch    = "BRACKET_MISMATCH"
	ReasonTaxDeviation       = "TAX_DEVIATION"
	ReasonCreditMismatch     = "CTC_MISMATCH"
	ReasonEngineMissing      = "ENGINE_OUTPUT_MISSING"
	ReasonEnginePartial      = "ENGINE_OUTPUT_PARTIAL"
	ReasonEngineTimeout      = "ENGINE_TIMEOUT"
	ReasonRulesetUnavailable = "RULESET_UNAVAILABLE"
	ReasonScoreOutOfRange    = "SCORE_OUT_OF_RANGE"
	ReasonPriorAuditHistory  = "PRIOR_AUDIT_HISTORY"
	ReasonDeductionSpike     = "YOY_DED_SPIKE"
	ReasonRoundNumberIncome  = "ROUND_NUM_INCOME"
)

// Finding is one issue raised by a check stage. Findings are immutable and
// attached to exactly one case revision.
type Finding struct {
	Kind       FindingKind `json:"kind"`
	Severity   Severity    `json:"severity"`
	Item       string      `json:"item,omitempty"`
	ReasonCode string      `json:"reason_code"`
	Detail     string      `json:"detail,omitempty"`
}

// HasBlocking reports whether any finding in the set is blocking.
func HasBlocking(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}
