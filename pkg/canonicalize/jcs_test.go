package canonicalize_test

import (
	"testing"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJCS_KeyOrderIndependence verifies that maps with the same content
// canonicalize to identical bytes regardless of insertion order.
// Invariant: input hashes in the audit log are order-independent.
func TestJCS_KeyOrderIndependence(t *testing.T) {
	a := map[string]float64{"wages": 50000, "charitable_contributions": 40000}
	b := map[string]float64{"charitable_contributions": 40000, "wages": 50000}

	ca, err := canonicalize.JCS(a)
	require.NoError(t, err)
	cb, err := canonicalize.JCS(b)
	require.NoError(t, err)

	assert.Equal(t, ca, cb)
}

func TestJCS_SortsKeys(t *testing.T) {
	out, err := canonicalize.JCS(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestHash_Deterministic(t *testing.T) {
	v := struct {
		ID    string  `json:"id"`
		Value float64 `json:"value"`
	}{"case-1", 1234.56}

	h1, err := canonicalize.Hash(v)
	require.NoError(t, err)
	h2, err := canonicalize.Hash(v)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestDigest_Prefix(t *testing.T) {
	d, err := canonicalize.Digest("payload")
	require.NoError(t, err)
	assert.Contains(t, d, "sha256:")
}
