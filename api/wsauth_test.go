package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()
	token, err := EncryptToken("super-secret", "relay")
	require.NoError(t, err)
	assert.NotContains(t, token, "=")

	plaintext, err := DecryptToken("super-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "relay", plaintext)
}

func TestTokenUniqueIVs(t *testing.T) {
	t.Parallel()
	first, err := EncryptToken("super-secret", "relay")
	require.NoError(t, err)
	second, err := EncryptToken("super-secret", "relay")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestTokenWrongKey(t *testing.T) {
	t.Parallel()
	token, err := EncryptToken("super-secret", "relay")
	require.NoError(t, err)

	plaintext, err := DecryptToken("other-key", token)
	if err == nil {
		assert.NotEqual(t, "relay", plaintext)
	}
}

func TestTokenGarbage(t *testing.T) {
	t.Parallel()
	for _, token := range []string{"", "!!!", "AAAA", "YWJjZGVmZ2hpamtsbW5vcA"} {
		_, err := DecryptToken("super-secret", token)
		assert.ErrorIs(t, err, errBadToken, "token %q", token)
	}
}
