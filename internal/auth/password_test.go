package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyRoundTrip(t *testing.T) {
	hash, err := HashPassword("Sterile123")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))
	assert.True(t, VerifyPassword(hash, "Sterile123"))
	assert.False(t, VerifyPassword(hash, "sterile123"))
}

func TestHashesAreSalted(t *testing.T) {
	h1, err := HashPassword("Sterile123")
	require.NoError(t, err)
	h2, err := HashPassword("Sterile123")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	assert.False(t, VerifyPassword("", "x"))
	assert.False(t, VerifyPassword("$md5$whatever", "x"))
	assert.False(t, VerifyPassword("$argon2id$v=19$m=65536,t=3,p=4$not-base64!$zzz", "x"))
}
