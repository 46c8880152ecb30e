package cryptoutils

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltSize     = 16
)

var ErrMalformedKeyHash = errors.New("malformed key hash")

// HashKey derives an argon2id verifier for a device key, encoded as
// "argon2id$<salt>$<hash>" with unpadded base64.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty key")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return strings.Join([]string{
		"argon2id",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	}, "$"), nil
}

// VerifyKey checks key against a verifier produced by HashKey.
func VerifyKey(key, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false, ErrMalformedKeyHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedKeyHash, err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedKeyHash, err)
	}
	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(hash, expected) == 1, nil
}
