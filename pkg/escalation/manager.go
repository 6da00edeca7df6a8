package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

var (
	ErrInvalidTransition = errors.New("invalid escalation state transition")
	ErrUnknownCase       = errors.New("unknown case")
	ErrHeldPending       = errors.New("case held pending: disposition not recorded")
)

// allowedTransitions is the full state machine. Anything not listed is
// rejected.
var allowedTransitions = map[contracts.EscalationState][]contracts.EscalationState{
	contracts.StatePending: {
		contracts.StateAutoApproved,
		contracts.StateEscalated,
	},
	contracts.StateEscalated: {
		contracts.StateResolvedApproved,
		contracts.StateResolvedRejected,
		contracts.StateResolvedModified,
	},
}

func transitionAllowed(from, to contracts.EscalationState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Input is everything the decision policy looks at for one case revision.
type Input struct {
	Findings             []contracts.Finding
	Score                *contracts.RiskScore
	MissingData          bool
	ConfidenceBelowFloor bool
}

// digest is the canonical hash of the decision inputs, recorded on the
// stage's audit entry.
func (in Input) digest() (string, error) {
	return canonicalize.Digest(struct {
		Findings             []contracts.Finding  `json:"findings"`
		Score                *contracts.RiskScore `json:"score,omitempty"`
		MissingData          bool                 `json:"missing_data"`
		ConfidenceBelowFloor bool                 `json:"confidence_below_floor"`
	}{in.Findings, in.Score, in.MissingData, in.ConfidenceBelowFloor})
}

// Manager exclusively owns EscalationRecord state. No other component
// mutates a record.
type Manager struct {
	mu           sync.Mutex
	records      map[string]*contracts.EscalationRecord // keyed by revision
	latestByCase map[string]string                      // caseID -> revision
	queue        Queue
	log          audit.Log
	clock        func() time.Time
}

// NewManager creates a Manager publishing to queue and recording to log.
func NewManager(queue Queue, log audit.Log) *Manager {
	return &Manager{
		records:      make(map[string]*contracts.EscalationRecord),
		latestByCase: make(map[string]string),
		queue:        queue,
		log:          log,
		clock:        time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Evaluate applies the decision policy to one case revision, in order:
//
//  1. any blocking finding escalates;
//  2. a high or critical risk band escalates;
//  3. missing engine data or sub-floor consistency confidence escalates;
//  4. otherwise the case is auto-approved.
//
// Hard rule violations dominate the numeric score by construction: scoring
// informs borderline cases, known-bad conditions bypass it.
//
// Re-evaluating a revision that already reached a decision is a no-op
// returning the existing record. Escalation and enqueue are atomic: on
// enqueue or audit failure the record stays pending and the queue is left
// without the revision.
func (m *Manager) Evaluate(ctx context.Context, cs *contracts.Case, in Input) (*contracts.EscalationRecord, error) {
	revision := cs.Revision()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[revision]; ok && existing.State != contracts.StatePending {
		out := *existing
		return &out, nil
	}

	record := m.records[revision]
	if record == nil {
		record = &contracts.EscalationRecord{
			CaseID:   cs.CaseID,
			Revision: revision,
			State:    contracts.StatePending,
		}
		m.records[revision] = record
		m.latestByCase[cs.CaseID] = revision
	}

	escalate, reason := decide(in)
	if escalate {
		if err := m.commitEscalation(ctx, cs, record, reason, in); err != nil {
			return nil, err
		}
	} else {
		if err := m.commitAutoApproval(ctx, cs, record, in); err != nil {
			return nil, err
		}
	}

	out := *record
	return &out, nil
}

func decide(in Input) (bool, string) {
	if contracts.HasBlocking(in.Findings) {
		return true, "blocking finding"
	}
	if in.Score != nil && in.Score.Band.AtLeast(contracts.BandHigh) {
		return true, fmt.Sprintf("risk band %s", in.Score.Band)
	}
	if in.MissingData {
		return true, "calculation engine output missing"
	}
	if in.ConfidenceBelowFloor {
		return true, "consistency confidence below floor"
	}
	return false, ""
}

// commitEscalation enqueues first and records the transition only once the
// disposition is in the audit log. Failure at either step rolls back to
// pending, preserving state == escalated iff queued.
func (m *Manager) commitEscalation(ctx context.Context, cs *contracts.Case, record *contracts.EscalationRecord, reason string, in Input) error {
	inputsHash, err := in.digest()
	if err != nil {
		return fmt.Errorf("%w: hash inputs: %v", ErrHeldPending, err)
	}

	var band contracts.RiskBand
	if in.Score != nil {
		band = in.Score.Band
	}

	if err := m.queue.Enqueue(ctx, Item{
		CaseID:     cs.CaseID,
		Revision:   record.Revision,
		Reason:     reason,
		Band:       band,
		EnqueuedAt: m.clock().UTC(),
	}); err != nil {
		return fmt.Errorf("%w: enqueue failed: %v", ErrHeldPending, err)
	}

	if err := m.record(ctx, record, "escalate", audit.ActorSystem, contracts.StateEscalated, reason, inputsHash); err != nil {
		if rbErr := m.queue.Remove(ctx, record.Revision); rbErr != nil {
			return fmt.Errorf("%w: audit failed (%v) and queue rollback failed: %v", ErrHeldPending, err, rbErr)
		}
		return fmt.Errorf("%w: audit append failed: %v", ErrHeldPending, err)
	}

	record.State = contracts.StateEscalated
	record.Reason = reason
	record.EvaluatedAt = m.clock().UTC()
	return nil
}

func (m *Manager) commitAutoApproval(ctx context.Context, cs *contracts.Case, record *contracts.EscalationRecord, in Input) error {
	inputsHash, err := in.digest()
	if err != nil {
		return fmt.Errorf("%w: hash inputs: %v", ErrHeldPending, err)
	}
	if err := m.record(ctx, record, "auto_approve", audit.ActorSystem, contracts.StateAutoApproved, "", inputsHash); err != nil {
		return fmt.Errorf("%w: audit append failed: %v", ErrHeldPending, err)
	}
	record.State = contracts.StateAutoApproved
	record.EvaluatedAt = m.clock().UTC()
	return nil
}

// Resolve moves an escalated case to a terminal state on an explicit human
// decision, recording the acting reviewer. It is the only way out of
// escalated; resolving a terminal case is an invalid transition.
func (m *Manager) Resolve(ctx context.Context, caseID string, decision contracts.ReviewDecision, reviewer string) (*contracts.EscalationRecord, error) {
	target, err := stateFor(decision)
	if err != nil {
		return nil, err
	}
	if reviewer == "" {
		return nil, fmt.Errorf("reviewer identity is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	revision, ok := m.latestByCase[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCase, caseID)
	}
	record := m.records[revision]

	if !transitionAllowed(record.State, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.State, target)
	}

	inputsHash, err := canonicalize.Digest(struct {
		Decision contracts.ReviewDecision `json:"decision"`
		Reviewer string                   `json:"reviewer"`
	}{decision, reviewer})
	if err != nil {
		return nil, fmt.Errorf("resolve: hash inputs: %w", err)
	}

	// Dequeue before recording: the immutable log must never show a
	// resolution that left the case queued. An audit failure restores the
	// queue entry and the record stays escalated.
	if err := m.queue.Remove(ctx, revision); err != nil {
		return nil, fmt.Errorf("resolve: queue remove failed: %w", err)
	}
	if err := m.record(ctx, record, "resolve", reviewer, target, string(decision), inputsHash); err != nil {
		restore := Item{
			CaseID:     caseID,
			Revision:   revision,
			Reason:     record.Reason,
			EnqueuedAt: m.clock().UTC(),
		}
		if rbErr := m.queue.Enqueue(ctx, restore); rbErr != nil {
			return nil, fmt.Errorf("resolve: audit append failed (%v) and queue restore failed: %v", err, rbErr)
		}
		return nil, fmt.Errorf("resolve: audit append failed: %w", err)
	}

	now := m.clock().UTC()
	record.State = target
	record.Reviewer = reviewer
	record.ResolvedAt = &now

	out := *record
	return &out, nil
}

// Get returns the current record for a case, or ErrUnknownCase.
func (m *Manager) Get(caseID string) (*contracts.EscalationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	revision, ok := m.latestByCase[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCase, caseID)
	}
	out := *m.records[revision]
	return &out, nil
}

func stateFor(decision contracts.ReviewDecision) (contracts.EscalationState, error) {
	switch decision {
	case contracts.DecisionApproved:
		return contracts.StateResolvedApproved, nil
	case contracts.DecisionRejected:
		return contracts.StateResolvedRejected, nil
	case contracts.DecisionModified:
		return contracts.StateResolvedModified, nil
	}
	return "", fmt.Errorf("unknown review decision %q", decision)
}

func (m *Manager) record(ctx context.Context, rec *contracts.EscalationRecord, action, actor string, to contracts.EscalationState, detail, inputsHash string) error {
	summary, err := json.Marshal(struct {
		Action string                    `json:"action"`
		From   contracts.EscalationState `json:"from"`
		To     contracts.EscalationState `json:"to"`
		Detail string                    `json:"detail,omitempty"`
	}{action, rec.State, to, detail})
	if err != nil {
		return err
	}
	_, err = m.log.Append(ctx, audit.Entry{
		CaseID:     rec.CaseID,
		Revision:   rec.Revision,
		Stage:      "escalation",
		Actor:      actor,
		InputsHash: inputsHash,
		Summary:    summary,
	})
	return err
}
