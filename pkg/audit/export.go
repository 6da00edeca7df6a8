package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
)

// EvidenceBundle is an exportable, self-verifying slice of a case's audit
// trail for compliance review.
type EvidenceBundle struct {
	BundleID   string    `json:"bundle_id"`
	CaseID     string    `json:"case_id"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_seq"`
	EndSeq     uint64    `json:"end_seq"`
	EntryCount int       `json:"entry_count"`
	Entries    []Entry   `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// ExportBundle replays a case from the log and packages it.
func ExportBundle(ctx context.Context, log Log, caseID string) (*EvidenceBundle, error) {
	entries, err := log.ReadAll(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries for case %s", ErrEntryNotFound, caseID)
	}
	if err := verifyEntries(entries); err != nil {
		return nil, err
	}

	bundle := &EvidenceBundle{
		BundleID:   uuid.New().String(),
		CaseID:     caseID,
		CreatedAt:  time.Now().UTC(),
		StartSeq:   entries[0].Seq,
		EndSeq:     entries[len(entries)-1].Seq,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].EntryHash,
	}

	hash, err := canonicalize.Digest(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("bundle hash: %w", err)
	}
	bundle.BundleHash = hash
	return bundle, nil
}

// VerifyBundle checks a bundle's hash and internal chain consistency.
func VerifyBundle(bundle *EvidenceBundle) error {
	if len(bundle.Entries) == 0 {
		return fmt.Errorf("bundle is empty")
	}
	hash, err := canonicalize.Digest(bundle.Entries)
	if err != nil {
		return err
	}
	if hash != bundle.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}
	return verifyEntries(bundle.Entries)
}
