package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid session token")

// TokenConfig signs and checks session tokens: HS256 JWTs whose subject is
// the decimal user id.
type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 24 * time.Hour,
		Issuer: "termchat",
	}
}

func (tc TokenConfig) check() error {
	switch {
	case tc.Secret == "":
		return fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	case tc.Expiry <= 0:
		return fmt.Errorf("%w: token lifetime %s is not positive", ErrInvalidToken, tc.Expiry)
	}
	return nil
}

func (tc TokenConfig) key(*jwt.Token) (interface{}, error) {
	return []byte(tc.Secret), nil
}

// Sign issues a token for userID. The jti is random, so two logins by the
// same user never share a token.
func (tc TokenConfig) Sign(userID uint64) (string, error) {
	if err := tc.check(); err != nil {
		return "", err
	}
	if userID == 0 {
		return "", fmt.Errorf("%w: user id 0", ErrInvalidToken)
	}

	issued := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    tc.Issuer,
		Subject:   strconv.FormatUint(userID, 10),
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(tc.Expiry)),
	}).SignedString([]byte(tc.Secret))
}

// UserID checks signature, algorithm, issuer and expiry of token and returns
// the user it was issued to.
func (tc TokenConfig) UserID(token string) (uint64, error) {
	if err := tc.check(); err != nil {
		return 0, err
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, tc.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tc.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	uid, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || uid == 0 {
		return 0, fmt.Errorf("%w: bad subject %q", ErrInvalidToken, claims.Subject)
	}
	return uid, nil
}
