package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyLog fails the first failures appends, then delegates.
type flakyLog struct {
	inner    Log
	failures int
	attempts int
}

func (f *flakyLog) Append(ctx context.Context, e Entry) (*Entry, error) {
	f.attempts++
	if f.attempts <= f.failures {
		return nil, errors.New("sink unavailable")
	}
	return f.inner.Append(ctx, e)
}

func (f *flakyLog) ReadAll(ctx context.Context, caseID string) ([]Entry, error) {
	return f.inner.ReadAll(ctx, caseID)
}

func (f *flakyLog) VerifyChain(ctx context.Context, caseID string) error {
	return f.inner.VerifyChain(ctx, caseID)
}

// TestRetryingLog_RecoversFromTransientFailure verifies an append that
// fails transiently still lands exactly once.
func TestRetryingLog_RecoversFromTransientFailure(t *testing.T) {
	flaky := &flakyLog{inner: NewMemoryLog(), failures: 2}
	log := NewRetryingLog(flaky, 5, 10*time.Second)

	e, err := log.Append(context.Background(), Entry{CaseID: "case-a", Stage: "validator", Summary: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Seq)
	assert.Equal(t, 3, flaky.attempts)

	entries, err := log.ReadAll(context.Background(), "case-a")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestRetryingLog_GivesUpAfterMaxTries verifies a persistent failure
// surfaces an error instead of looping forever. Fail-closed: the caller
// holds the case.
func TestRetryingLog_GivesUpAfterMaxTries(t *testing.T) {
	flaky := &flakyLog{inner: NewMemoryLog(), failures: 100}
	log := NewRetryingLog(flaky, 2, 5*time.Second)

	_, err := log.Append(context.Background(), Entry{CaseID: "case-a", Stage: "validator", Summary: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, 2, flaky.attempts)
}

// TestRetryingLog_StopsOnCanceledContext verifies cancellation is not
// retried.
func TestRetryingLog_StopsOnCanceledContext(t *testing.T) {
	flaky := &flakyLog{inner: NewMemoryLog(), failures: 100}
	log := NewRetryingLog(flaky, 0, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := log.Append(ctx, Entry{CaseID: "case-a", Stage: "validator", Summary: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.LessOrEqual(t, flaky.attempts, 1)
}
