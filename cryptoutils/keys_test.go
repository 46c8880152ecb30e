package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyKey(t *testing.T) {
	encoded, err := HashKey("correct horse")
	require.NoError(t, err)

	ok, err := VerifyKey("correct horse", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyKey("battery staple", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := HashKey("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, encoded, again, "salts must differ")
}

func TestVerifyKeyMalformed(t *testing.T) {
	for _, encoded := range []string{"", "bcrypt$x$y", "argon2id$!!$abc", "argon2id$abc"} {
		_, err := VerifyKey("k", encoded)
		assert.ErrorIs(t, err, ErrMalformedKeyHash, encoded)
	}
}

func TestHashKeyRejectsEmpty(t *testing.T) {
	_, err := HashKey("")
	assert.Error(t, err)
}
