package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	k1, err := GenerateAPIKey()
	require.NoError(t, err)
	k2, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.Len(t, k1, APIKeyLen)
	assert.NotEqual(t, k1, k2)
	for _, c := range k1 {
		assert.True(t, strings.ContainsRune(base62Alphabet, c), "character %q outside base62 alphabet", c)
	}
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)

	hash, err := HashAPIKey(key)
	require.NoError(t, err)

	ok, err := VerifyAPIKey(key, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAPIKeyBadFormat(t *testing.T) {
	_, err := VerifyAPIKey("key", "not-a-hash")
	assert.Error(t, err)
}

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "abcdefgh", KeyPrefix("abcdefghijkl"))
	assert.Equal(t, "ab", KeyPrefix("ab"))
}

func TestAdminTokenRoundTrip(t *testing.T) {
	mgr := NewAdminTokenManager("test-secret", time.Minute)
	token, err := mgr.IssueToken("ops@checkmate")
	require.NoError(t, err)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@checkmate", claims.Operator)
}

func TestAdminTokenWrongSecret(t *testing.T) {
	token, err := NewAdminTokenManager("secret-a", time.Minute).IssueToken("ops")
	require.NoError(t, err)

	_, err = NewAdminTokenManager("secret-b", time.Minute).ValidateToken(token)
	assert.Error(t, err)
}

func TestAdminTokenDisabled(t *testing.T) {
	mgr := NewAdminTokenManager("", time.Minute)
	assert.False(t, mgr.Enabled())
	_, err := mgr.ValidateToken("anything")
	assert.Error(t, err)
}
