package cryptoutils

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSASCodeValidate(t *testing.T) {
	tests := []struct {
		code    SASCode
		wantErr bool
	}{
		{"AB23", false},
		{"ZZZZ", false},
		{"AB1", true},
		{"AB12", true}, // 1 is not in the alphabet
		{"ab23", true},
		{"ABCDE", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := tt.code.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSAS)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDeriveSASCodesDeterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, 32)
	c1, g1, err := DeriveSASCodes(secret, []byte("claimer"), []byte("greeter"))
	require.NoError(t, err)
	c2, g2, err := DeriveSASCodes(secret, []byte("claimer"), []byte("greeter"))
	require.NoError(t, err)

	assert.Equal(t, c1, c2)
	assert.Equal(t, g1, g2)
	assert.NoError(t, c1.Validate())
	assert.NoError(t, g1.Validate())
}

func TestExchangeKeyAgreement(t *testing.T) {
	a, err := GenerateExchangeKey(rand.Reader)
	require.NoError(t, err)
	b, err := GenerateExchangeKey(rand.Reader)
	require.NoError(t, err)

	ab, err := a.SharedSecret(b.Public())
	require.NoError(t, err)
	ba, err := b.SharedSecret(a.Public())
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestNegotiateSAS(t *testing.T) {
	pair, err := NegotiateSAS(nil)
	require.NoError(t, err)
	assert.NoError(t, pair.Greeter.Validate())
	assert.NoError(t, pair.Claimer.Validate())
}

func TestGenerateSASCandidates(t *testing.T) {
	for i := 0; i < 200; i++ {
		pair, err := NegotiateSAS(rand.Reader)
		require.NoError(t, err)

		candidates, err := GenerateSASCandidates(pair.Claimer, 4, rand.Reader)
		require.NoError(t, err)
		require.Len(t, candidates, 4)

		genuine := 0
		seen := map[SASCode]bool{}
		for _, c := range candidates {
			assert.NoError(t, c.Validate())
			assert.False(t, seen[c], "duplicate candidate %s", c)
			seen[c] = true
			if c == pair.Claimer {
				genuine++
			}
		}
		assert.Equal(t, 1, genuine)
	}
}

func TestGenerateSASCandidatesRejectsInvalidGenuine(t *testing.T) {
	_, err := GenerateSASCandidates("nope", 4, rand.Reader)
	assert.ErrorIs(t, err, ErrInvalidSAS)

	_, err = GenerateSASCandidates("AB23", 0, rand.Reader)
	assert.Error(t, err)
}

func TestSASCodeEqual(t *testing.T) {
	assert.True(t, SASCode("AB23").Equal("AB23"))
	assert.False(t, SASCode("AB23").Equal("AB24"))
	assert.False(t, SASCode("AB23").Equal("AB2"))
}
