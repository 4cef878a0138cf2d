package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_Deterministic(t *testing.T) {
	a := Compute("hello world", "kokoro", "af_heart", 1.0, "pcm")
	b := Compute("hello world", "kokoro", "af_heart", 1.0, "pcm")
	assert.Equal(t, a, b)
	require.Len(t, a, 64, "blake2b-256 hex digest should be 64 chars")
}

func TestCompute_SpeedRoundingIsStable(t *testing.T) {
	a := Compute("hello", "kokoro", "af_heart", 1.0, "pcm")
	b := Compute("hello", "kokoro", "af_heart", 1.00, "pcm")
	assert.Equal(t, a, b, "1.0 and 1.00 must hash identically")
}

func TestCompute_DistinctInputsDiffer(t *testing.T) {
	base := Compute("hello", "kokoro", "af_heart", 1.0, "pcm")

	assert.NotEqual(t, base, Compute("goodbye", "kokoro", "af_heart", 1.0, "pcm"))
	assert.NotEqual(t, base, Compute("hello", "premium", "af_heart", 1.0, "pcm"))
	assert.NotEqual(t, base, Compute("hello", "kokoro", "af_bella", 1.0, "pcm"))
	assert.NotEqual(t, base, Compute("hello", "kokoro", "af_heart", 1.25, "pcm"))
	assert.NotEqual(t, base, Compute("hello", "kokoro", "af_heart", 1.0, "opus"))
}

func TestCompute_SeparatorPreventsFieldConfusion(t *testing.T) {
	// Without a separator, ("a|b", "c", ...) and ("a", "b|c", ...) could
	// collide on naive concatenation.
	a := Compute("a|b", "c", "voice", 1.0, "pcm")
	b := Compute("a", "b|c", "voice", 1.0, "pcm")
	assert.NotEqual(t, a, b)
}
