// Package auth issues and checks the bearer tokens members obtain from
// POST /auth.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruteri/enrollment-gateway/interfaces"
)

const DefaultTTL = 12 * time.Hour

var errInvalidToken = errors.New("invalid token")

// Issuer signs session tokens with HS256. The subject is the member email.
type Issuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer uses secret as the signing key. An empty secret is replaced by a
// random one, so tokens do not survive a restart.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{key: secret, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

func (i *Issuer) Issue(email string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)

	claims := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   interfaces.NormalizeEmail(email),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify returns the email the token was issued to.
func (i *Issuer) Verify(token string) (string, error) {
	keyFunc := func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.key, nil
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyFunc,
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}
