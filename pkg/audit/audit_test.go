package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

// TestAppend_PerCaseSequence verifies sequence numbers start at 1 and
// increment independently per case.
func TestAppend_PerCaseSequence(t *testing.T) {
	log := NewMemoryLog().WithClock(fixedClock)
	ctx := context.Background()

	a1, err := log.Append(ctx, Entry{CaseID: "case-a", Stage: "validator", Summary: json.RawMessage(`{}`)})
	require.NoError(t, err)
	b1, err := log.Append(ctx, Entry{CaseID: "case-b", Stage: "validator", Summary: json.RawMessage(`{}`)})
	require.NoError(t, err)
	a2, err := log.Append(ctx, Entry{CaseID: "case-a", Stage: "scorer", Summary: json.RawMessage(`{}`)})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a1.Seq)
	assert.Equal(t, uint64(1), b1.Seq)
	assert.Equal(t, uint64(2), a2.Seq)
}

// TestAppend_ChainsFromGenesis verifies the first entry links to the
// genesis marker and later entries link to their predecessor's hash.
func TestAppend_ChainsFromGenesis(t *testing.T) {
	log := NewMemoryLog().WithClock(fixedClock)
	ctx := context.Background()

	first, err := log.Append(ctx, Entry{CaseID: "case-a", Stage: "validator", Summary: json.RawMessage(`{}`)})
	require.NoError(t, err)
	second, err := log.Append(ctx, Entry{CaseID: "case-a", Stage: "consistency", Summary: json.RawMessage(`{}`)})
	require.NoError(t, err)

	assert.Equal(t, "genesis", first.PrevHash)
	assert.Equal(t, first.EntryHash, second.PrevHash)
	assert.Contains(t, first.EntryHash, "sha256:")
}

func TestAppend_DefaultsActorToSystem(t *testing.T) {
	log := NewMemoryLog().WithClock(fixedClock)

	e, err := log.Append(context.Background(), Entry{CaseID: "case-a", Stage: "validator", Summary: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, ActorSystem, e.Actor)
}

func TestVerifyChain_CleanTrail(t *testing.T) {
	log := NewMemoryLog().WithClock(fixedClock)
	ctx := context.Background()

	for _, stage := range []string{"validator", "consistency", "scorer", "escalation"} {
		_, err := log.Append(ctx, Entry{CaseID: "case-a", Stage: stage, Summary: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}

	assert.NoError(t, log.VerifyChain(ctx, "case-a"))
	assert.NoError(t, log.VerifyChain(ctx, "no-such-case"))
}

// TestVerifyEntries_DetectsTampering verifies that editing a recorded
// summary after the fact breaks chain verification.
func TestVerifyEntries_DetectsTampering(t *testing.T) {
	log := NewMemoryLog().WithClock(fixedClock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, Entry{CaseID: "case-a", Stage: "validator", Summary: json.RawMessage(`{"findings":0}`)})
		require.NoError(t, err)
	}

	entries, err := log.ReadAll(ctx, "case-a")
	require.NoError(t, err)
	entries[1].Summary = json.RawMessage(`{"findings":99}`)

	err = verifyEntries(entries)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyEntries_DetectsSequenceGap(t *testing.T) {
	log := NewMemoryLog().WithClock(fixedClock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, Entry{CaseID: "case-a", Stage: "validator", Summary: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}

	entries, err := log.ReadAll(ctx, "case-a")
	require.NoError(t, err)

	err = verifyEntries(append(entries[:1], entries[2:]...))
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestReadAll_ReturnsCopies(t *testing.T) {
	log := NewMemoryLog().WithClock(fixedClock)
	ctx := context.Background()

	_, err := log.Append(ctx, Entry{CaseID: "case-a", Stage: "validator", Summary: json.RawMessage(`{}`)})
	require.NoError(t, err)

	entries, err := log.ReadAll(ctx, "case-a")
	require.NoError(t, err)
	entries[0].Stage = "tampered"

	require.NoError(t, log.VerifyChain(ctx, "case-a"))
}
