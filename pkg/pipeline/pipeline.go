// Package pipeline runs a case through the full safety sequence: validator,
// consistency checker, risk scorer, escalation decision, and produces the
// SafetyReport.
//
// The pipeline fails closed. A stage that cannot record its audit entry
// stops the run and the case stays pending; an unavailable rule table or a
// defective score escalates at maximum severity instead of guessing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/consistency"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/escalation"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/rules"
	"github.com/Mindburn-Labs/keel/pkg/scorer"
	"github.com/Mindburn-Labs/keel/pkg/validator"
)

// Pipeline wires the stages over a shared audit log and rule provider.
type Pipeline struct {
	rules       *rules.Provider
	validator   *validator.Validator
	consistency *consistency.Checker
	scorer      *scorer.Scorer
	escalation  *escalation.Manager
	log         audit.Log
	obs         *observability.Provider
	logger      *slog.Logger
	clock       func() time.Time

	locks revisionLocks
}

// New assembles a pipeline. All stages record to log; obs may be the
// disabled provider.
func New(provider *rules.Provider, log audit.Log, engine consistency.Engine, engineTimeout time.Duration, queue escalation.Queue, obs *observability.Provider) *Pipeline {
	return &Pipeline{
		rules:       provider,
		validator:   validator.New(log),
		consistency: consistency.New(log, engine, engineTimeout),
		scorer:      scorer.New(log),
		escalation:  escalation.NewManager(queue, log),
		log:         log,
		obs:         obs,
		logger:      slog.Default().With("component", "pipeline"),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for testing.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	p.escalation.WithClock(clock)
	return p
}

// Escalation exposes the escalation manager for the resolve surface.
func (p *Pipeline) Escalation() *escalation.Manager {
	return p.escalation
}

// Process runs one case revision through every stage and returns its
// SafetyReport. Runs are serialized per revision: concurrent submissions of
// the same revision produce one evaluation, and re-running a decided
// revision returns the existing disposition unchanged.
func (p *Pipeline) Process(ctx context.Context, cs *contracts.Case) (*contracts.SafetyReport, error) {
	revision := cs.Revision()
	unlock := p.locks.lock(revision)
	defer unlock()

	ctx, done := p.obs.TrackStage(ctx, "process")
	report, err := p.process(ctx, cs, revision)
	done(err)

	if err != nil {
		p.obs.RecordAuditFailure(ctx, "process")
		p.logger.ErrorContext(ctx, "pipeline run failed, case held pending",
			"case_id", cs.CaseID, "revision", revision, "error", err)
		return nil, err
	}

	p.obs.RecordDisposition(ctx, string(report.State))
	p.logger.InfoContext(ctx, "pipeline run complete",
		"case_id", cs.CaseID,
		"revision", revision,
		"state", report.State,
		"score", report.Score.Value,
		"band", report.Score.Band,
		"findings", len(report.Findings),
	)
	return report, nil
}

func (p *Pipeline) process(ctx context.Context, cs *contracts.Case, revision string) (*contracts.SafetyReport, error) {
	table, err := p.rules.Current()
	if err != nil {
		return p.escalateWithoutRules(ctx, cs, revision, err)
	}

	findings, err := p.runValidator(ctx, table, cs)
	if err != nil {
		return nil, err
	}

	consistencyResult, err := p.runConsistency(ctx, table, cs)
	if err != nil {
		return nil, err
	}
	findings = append(findings, consistencyResult.Findings...)

	score, err := p.runScorer(ctx, table, cs, findings)
	if errors.Is(err, scorer.ErrScoreOutOfRange) {
		// A scorer defect is itself a maximum-severity safety condition.
		findings = append(findings, contracts.Finding{
			Kind:       contracts.KindInternalFault,
			Severity:   contracts.SeverityBlocking,
			ReasonCode: contracts.ReasonScoreOutOfRange,
			Detail:     err.Error(),
		})
		score = maxSeverityScore(table.Version, contracts.KindInternalFault, contracts.ReasonScoreOutOfRange)
		err = nil
	}
	if err != nil {
		return nil, err
	}

	record, err := p.escalation.Evaluate(ctx, cs, escalation.Input{
		Findings:             findings,
		Score:                score,
		MissingData:          consistencyResult.MissingData,
		ConfidenceBelowFloor: consistencyResult.Confidence < table.ConfidenceFloor,
	})
	if err != nil {
		return nil, err
	}

	return p.assemble(ctx, cs, revision, table.Version, record, score, findings)
}

// escalateWithoutRules handles the no-rule-table path: one configuration
// finding, a pinned critical score, and a forced escalation.
func (p *Pipeline) escalateWithoutRules(ctx context.Context, cs *contracts.Case, revision string, cause error) (*contracts.SafetyReport, error) {
	findings := []contracts.Finding{{
		Kind:       contracts.KindConfigurationError,
		Severity:   contracts.SeverityBlocking,
		ReasonCode: contracts.ReasonRulesetUnavailable,
		Detail:     fmt.Sprintf("rule table unavailable: %v", cause),
	}}
	score := maxSeverityScore("", contracts.KindConfigurationError, contracts.ReasonRulesetUnavailable)

	record, err := p.escalation.Evaluate(ctx, cs, escalation.Input{
		Findings: findings,
		Score:    score,
	})
	if err != nil {
		return nil, err
	}
	return p.assemble(ctx, cs, revision, "", record, score, findings)
}

func maxSeverityScore(ruleVersion string, kind contracts.FindingKind, reasonCode string) *contracts.RiskScore {
	return &contracts.RiskScore{
		Value: 100,
		Band:  contracts.BandCritical,
		Contributions: []contracts.Contribution{{
			ReasonCode: reasonCode,
			Kind:       string(kind),
			Weight:     100,
		}},
		RuleVersion: ruleVersion,
	}
}

func (p *Pipeline) runValidator(ctx context.Context, table *rules.Table, cs *contracts.Case) ([]contracts.Finding, error) {
	ctx, done := p.obs.TrackStage(ctx, "validator")
	findings, err := p.validator.Check(ctx, table, cs)
	done(err)
	return findings, err
}

func (p *Pipeline) runConsistency(ctx context.Context, table *rules.Table, cs *contracts.Case) (*consistency.Result, error) {
	ctx, done := p.obs.TrackStage(ctx, "consistency")
	result, err := p.consistency.Check(ctx, table, cs)
	done(err)
	return result, err
}

func (p *Pipeline) runScorer(ctx context.Context, table *rules.Table, cs *contracts.Case, findings []contracts.Finding) (*contracts.RiskScore, error) {
	ctx, done := p.obs.TrackStage(ctx, "scorer")
	score, err := p.scorer.Score(ctx, table, cs, findings)
	done(err)
	return score, err
}

// assemble builds the SafetyReport, linking every audit entry written for
// this revision by sequence number.
func (p *Pipeline) assemble(ctx context.Context, cs *contracts.Case, revision, ruleVersion string, record *contracts.EscalationRecord, score *contracts.RiskScore, findings []contracts.Finding) (*contracts.SafetyReport, error) {
	entries, err := p.log.ReadAll(ctx, cs.CaseID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read audit trail: %w", err)
	}
	seqs := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.Revision == revision {
			seqs = append(seqs, e.Seq)
		}
	}

	return &contracts.SafetyReport{
		ReportID:    uuid.NewString(),
		CaseID:      cs.CaseID,
		Revision:    revision,
		State:       record.State,
		Score:       score,
		Findings:    findings,
		AuditSeqs:   seqs,
		RuleVersion: ruleVersion,
		GeneratedAt: p.clock().UTC(),
	}, nil
}

// revisionLocks serializes pipeline runs per case revision.
type revisionLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *revisionLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[string]*lockEntry)
	}
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}
