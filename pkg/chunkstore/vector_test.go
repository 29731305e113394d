package chunkstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVector(t *testing.T) {
	assert.Equal(t, "[1,-0.5,0.25]", formatVector([]float32{1, -0.5, 0.25}))
	assert.Equal(t, "[]", formatVector(nil))
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.75, 3, 0, 1e-7}

	parsed, err := parseVector(formatVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, parsed)
}

func TestParseVectorRejectsMalformed(t *testing.T) {
	for _, input := range []string{"", "1,2,3", "[1,2", "[a,b]", "[1;2]"} {
		_, err := parseVector(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestParseVectorEmpty(t *testing.T) {
	parsed, err := parseVector("[]")
	require.NoError(t, err)
	assert.Empty(t, parsed)
}
