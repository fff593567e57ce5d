package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey_HasStablePrefix(t *testing.T) {
	plaintext, _, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, KeyPrefix))
}

func TestGenerateAPIKey_HashMatchesHashKey(t *testing.T) {
	plaintext, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Equal(t, HashKey(plaintext), hash)
}

func TestGenerateAPIKey_UniquePerCall(t *testing.T) {
	p1, h1, err := GenerateAPIKey()
	require.NoError(t, err)
	p2, h2, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.NotEqual(t, h1, h2)
}

func TestHashKey_Deterministic(t *testing.T) {
	assert.Equal(t, HashKey("ci_abc"), HashKey("ci_abc"))
	assert.NotEqual(t, HashKey("ci_abc"), HashKey("ci_def"))
}
