package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SASAlphabet has 32 symbols without the easily confused 0/O and 1/I.
const SASAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	SASLength     = 4
	sasBits       = 5 * SASLength
	nonceSize     = 32
	sasInfoString = "enrollment-gateway sas v1"
)

// SASCode is a 4-character short authentication string.
type SASCode string

var ErrInvalidSAS = errors.New("invalid SAS code")

func (c SASCode) Validate() error {
	if len(c) != SASLength {
		return fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidSAS, SASLength, len(c))
	}
	for _, r := range string(c) {
		if !strings.ContainsRune(SASAlphabet, r) {
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidSAS, r)
		}
	}
	return nil
}

// Equal compares in constant time.
func (c SASCode) Equal(other SASCode) bool {
	return subtle.ConstantTimeCompare([]byte(c), []byte(other)) == 1
}

func (c SASCode) String() string {
	return string(c)
}

func sasFromBits(v uint64) SASCode {
	var out [SASLength]byte
	for i := SASLength - 1; i >= 0; i-- {
		out[i] = SASAlphabet[v&0x1f]
		v >>= 5
	}
	return SASCode(out[:])
}

// ExchangeKey is an ephemeral X25519 key pair.
type ExchangeKey struct {
	private [32]byte
	public  [32]byte
}

func GenerateExchangeKey(rnd io.Reader) (*ExchangeKey, error) {
	k := &ExchangeKey{}
	if _, err := io.ReadFull(rnd, k.private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate exchange key: %w", err)
	}
	pub, err := curve25519.X25519(k.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(k.public[:], pub)
	return k, nil
}

func (k *ExchangeKey) Public() []byte {
	return k.public[:]
}

// SharedSecret runs X25519 against the peer public key.
func (k *ExchangeKey) SharedSecret(peerPublic []byte) ([]byte, error) {
	secret, err := curve25519.X25519(k.private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	return secret, nil
}

// DeriveSASCodes expands the shared secret into the claimer and greeter codes.
func DeriveSASCodes(sharedSecret, claimerNonce, greeterNonce []byte) (claimerSAS, greeterSAS SASCode, err error) {
	salt := make([]byte, 0, len(claimerNonce)+len(greeterNonce))
	salt = append(salt, claimerNonce...)
	salt = append(salt, greeterNonce...)

	var buf [5]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt, []byte(sasInfoString)), buf[:]); err != nil {
		return "", "", fmt.Errorf("failed to expand shared secret: %w", err)
	}

	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	mask := uint64(1)<<sasBits - 1
	return sasFromBits(v >> sasBits & mask), sasFromBits(v & mask), nil
}

// SASPair is the outcome of a greeter/claimer key agreement.
type SASPair struct {
	Greeter SASCode
	Claimer SASCode
}

// NegotiateSAS runs both halves of the key agreement on behalf of the paired
// greeter and claimer and derives their codes.
func NegotiateSAS(rnd io.Reader) (SASPair, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	greeterKey, err := GenerateExchangeKey(rnd)
	if err != nil {
		return SASPair{}, err
	}
	claimerKey, err := GenerateExchangeKey(rnd)
	if err != nil {
		return SASPair{}, err
	}

	greeterNonce := make([]byte, nonceSize)
	claimerNonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rnd, greeterNonce); err != nil {
		return SASPair{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	if _, err := io.ReadFull(rnd, claimerNonce); err != nil {
		return SASPair{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	greeterSecret, err := greeterKey.SharedSecret(claimerKey.Public())
	if err != nil {
		return SASPair{}, err
	}
	claimerSecret, err := claimerKey.SharedSecret(greeterKey.Public())
	if err != nil {
		return SASPair{}, err
	}
	if subtle.ConstantTimeCompare(greeterSecret, claimerSecret) != 1 {
		return SASPair{}, errors.New("key agreement mismatch")
	}

	claimerSAS, greeterSAS, err := DeriveSASCodes(greeterSecret, claimerNonce, greeterNonce)
	if err != nil {
		return SASPair{}, err
	}
	return SASPair{Greeter: greeterSAS, Claimer: claimerSAS}, nil
}

// GenerateSASCandidates returns size codes in random order: the genuine one
// exactly once and size-1 distinct decoys.
func GenerateSASCandidates(genuine SASCode, size int, rnd io.Reader) ([]SASCode, error) {
	if err := genuine.Validate(); err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, errors.New("candidate list must not be empty")
	}
	if rnd == nil {
		rnd = rand.Reader
	}

	space := big.NewInt(1 << sasBits)
	seen := map[SASCode]bool{genuine: true}
	candidates := []SASCode{genuine}
	for len(candidates) < size {
		n, err := rand.Int(rnd, space)
		if err != nil {
			return nil, fmt.Errorf("failed to draw decoy: %w", err)
		}
		decoy := sasFromBits(n.Uint64())
		if seen[decoy] {
			continue
		}
		seen[decoy] = true
		candidates = append(candidates, decoy)
	}

	// Fisher-Yates
	for i := len(candidates) - 1; i > 0; i-- {
		j, err := rand.Int(rnd, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, fmt.Errorf("failed to shuffle candidates: %w", err)
		}
		candidates[i], candidates[j.Int64()] = candidates[j.Int64()], candidates[i]
	}
	return candidates, nil
}
