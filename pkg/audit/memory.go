package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog is an in-process Log for tests and single-node runs. Entries
// live in append order; per-case chains are tracked separately so unrelated
// cases never contend on ordering.
type MemoryLog struct {
	mu       sync.RWMutex
	entries  []Entry
	byCase   map[string][]int // caseID -> indexes into entries
	caseSeq  map[string]uint64
	caseHead map[string]string
	clock    func() time.Time
}

// NewMemoryLog creates an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		byCase:   make(map[string][]int),
		caseSeq:  make(map[string]uint64),
		caseHead: make(map[string]string),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

// Append assigns the next per-case sequence number, chains the entry to the
// case's head hash, and stores it. The returned entry is a copy; stored
// entries are never handed out mutably.
func (l *MemoryLog) Append(ctx context.Context, e Entry) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e.EntryID = uuid.New().String()
	e.Seq = l.caseSeq[e.CaseID] + 1
	e.Timestamp = l.clock().UTC()
	e.PrevHash = l.caseHead[e.CaseID]
	if e.PrevHash == "" {
		e.PrevHash = genesisHash
	}
	if e.Actor == "" {
		e.Actor = ActorSystem
	}

	hash, err := computeEntryHash(&e)
	if err != nil {
		return nil, err
	}
	e.EntryHash = hash

	l.entries = append(l.entries, e)
	l.byCase[e.CaseID] = append(l.byCase[e.CaseID], len(l.entries)-1)
	l.caseSeq[e.CaseID] = e.Seq
	l.caseHead[e.CaseID] = e.EntryHash

	out := e
	return &out, nil
}

// ReadAll returns the case's entries in sequence order.
func (l *MemoryLog) ReadAll(ctx context.Context, caseID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	idxs := l.byCase[caseID]
	out := make([]Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, l.entries[i])
	}
	return out, nil
}

// VerifyChain recomputes the full hash chain for a case.
func (l *MemoryLog) VerifyChain(ctx context.Context, caseID string) error {
	entries, err := l.ReadAll(ctx, caseID)
	if err != nil {
		return err
	}
	return verifyEntries(entries)
}

// Size returns the total number of entries across all cases.
func (l *MemoryLog) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
