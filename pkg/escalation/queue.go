// Package escalation owns the case lifecycle: auto-approval, routing to
// the human-review queue, and resolution by reviewer decision.
package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Item is one escalated case revision on the review queue. The queue is
// drained by the external review interface; the pipeline only enqueues and
// removes.
type Item struct {
	CaseID     string             `json:"case_id"`
	Revision   string             `json:"revision"`
	Reason     string             `json:"reason"`
	Band       contracts.RiskBand `json:"band,omitempty"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

// Queue is the review queue contract. Enqueue is idempotent per revision:
// a revision appears at most once regardless of retries.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Remove(ctx context.Context, revision string) error
	Contains(ctx context.Context, revision string) (bool, error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is an in-process Queue for tests and single-node runs.
type MemoryQueue struct {
	mu    sync.Mutex
	order []string
	items map[string]Item
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]Item)}
}

// Enqueue appends the item unless its revision is already queued.
func (q *MemoryQueue) Enqueue(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[item.Revision]; ok {
		return nil
	}
	q.order = append(q.order, item.Revision)
	q.items[item.Revision] = item
	return nil
}

// Remove deletes the revision from the queue if present.
func (q *MemoryQueue) Remove(ctx context.Context, revision string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[revision]; !ok {
		return nil
	}
	delete(q.items, revision)
	for i, rev := range q.order {
		if rev == revision {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

// Contains reports whether the revision is queued.
func (q *MemoryQueue) Contains(ctx context.Context, revision string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[revision]
	return ok, nil
}

// Len returns the number of queued items.
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order), nil
}

// Items returns a snapshot of queued items in order (for the drain side).
func (q *MemoryQueue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.order))
	for _, rev := range q.order {
		out = append(out, q.items[rev])
	}
	return out
}
