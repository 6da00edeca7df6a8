// Package audit implements the append-only record of every check, score,
// and escalation decision the pipeline makes.
//
// Entries are hash-chained per case and ordered by a per-case sequence
// number. The log is fail-closed: a stage whose entry cannot be appended
// must not take effect.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
)

var (
	ErrChainBroken   = errors.New("audit chain is broken")
	ErrEntryNotFound = errors.New("audit entry not found")
)

// Actor values recorded on entries.
const (
	ActorSystem = "system"
)

// Entry is a single immutable audit fact.
type Entry struct {
	EntryID     string          `json:"entry_id"`
	CaseID      string          `json:"case_id"`
	Revision    string          `json:"revision"`
	Seq         uint64          `json:"seq"`
	Stage       string          `json:"stage"`
	Actor       string          `json:"actor"`
	RuleVersion string          `json:"rule_version,omitempty"`
	InputsHash  string          `json:"inputs_hash"`
	Summary     json.RawMessage `json:"summary"`
	Timestamp   time.Time       `json:"timestamp"`
	PrevHash    string          `json:"prev_hash"`
	EntryHash   string          `json:"entry_hash"`
}

// Log is the append-only audit log contract. Append assigns the per-case
// sequence number and chain hashes; ReadAll returns a case's entries in
// sequence order and may be called repeatedly (full replay).
type Log interface {
	Append(ctx context.Context, e Entry) (*Entry, error)
	ReadAll(ctx context.Context, caseID string) ([]Entry, error)
	VerifyChain(ctx context.Context, caseID string) error
}

const genesisHash = "genesis"

// computeEntryHash hashes the chain-relevant fields of an entry. The
// EntryID is excluded so the hash covers what was decided, not the random
// identifier assigned to the record.
func computeEntryHash(e *Entry) (string, error) {
	hash, err := canonicalize.Digest(struct {
		CaseID      string          `json:"case_id"`
		Revision    string          `json:"revision"`
		Seq         uint64          `json:"seq"`
		Stage       string          `json:"stage"`
		Actor       string          `json:"actor"`
		RuleVersion string          `json:"rule_version"`
		InputsHash  string          `json:"inputs_hash"`
		Summary     json.RawMessage `json:"summary"`
		Timestamp   string          `json:"timestamp"`
		PrevHash    string          `json:"prev_hash"`
	}{
		e.CaseID, e.Revision, e.Seq, e.Stage, e.Actor, e.RuleVersion,
		e.InputsHash, e.Summary, e.Timestamp.UTC().Format(time.RFC3339Nano), e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("hash entry: %w", err)
	}
	return hash, nil
}

// verifyEntries walks a case's chain and recomputes every hash.
func verifyEntries(entries []Entry) error {
	expectedPrev := genesisHash
	var expectedSeq uint64 = 1
	for i := range entries {
		e := &entries[i]
		if e.Seq != expectedSeq {
			return fmt.Errorf("%w: entry %d has seq %d, expected %d", ErrChainBroken, i, e.Seq, expectedSeq)
		}
		if e.PrevHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has prev_hash %s, expected %s", ErrChainBroken, i, e.PrevHash, expectedPrev)
		}
		computed, err := computeEntryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChainBroken, i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = e.EntryHash
		expectedSeq++
	}
	return nil
}
