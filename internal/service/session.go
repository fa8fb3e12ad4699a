package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sumire/signin/internal/domain"
)

// MinSecretBytes is the shortest HS256 secret accepted for session tokens.
const MinSecretBytes = 32

// SessionClaims are the claims carried by a session token. The subject is the
// local user ID; email is informational only.
type SessionClaims struct {
	Email      string `json:"email,omitempty"`
	ProviderID string `json:"pid"`
	jwt.RegisteredClaims
}

// Session is a signed session token and its expiry.
type Session struct {
	Token     string    `json:"session_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionIssuer signs stateless session tokens.
type SessionIssuer struct {
	secret []byte
	issuer string
}

// NewSessionIssuer fails closed on a missing or weak secret.
func NewSessionIssuer(secret []byte, issuer string) (*SessionIssuer, error) {
	if err := checkSessionKey(secret, issuer); err != nil {
		return nil, err
	}
	return &SessionIssuer{secret: append([]byte(nil), secret...), issuer: issuer}, nil
}

// Issue signs a token for user valid from now until now+ttl.
func (s *SessionIssuer) Issue(user *domain.User, now time.Time, ttl time.Duration) (*Session, error) {
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("%w: issue session: user has no id", domain.ErrConfiguration)
	}
	// NumericDate has second precision; shorter lifetimes could round to the past.
	if ttl < time.Second {
		return nil, fmt.Errorf("%w: session ttl must be at least 1s, got %s", domain.ErrConfiguration, ttl)
	}

	claims := SessionClaims{
		Email:      user.Email,
		ProviderID: user.ProviderID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}

	return &Session{
		Token:     signed,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// SessionVerifier checks session tokens produced by SessionIssuer.
type SessionVerifier struct {
	secret []byte
	issuer string
}

// NewSessionVerifier creates a verifier for the given secret and issuer.
func NewSessionVerifier(secret []byte, issuer string) (*SessionVerifier, error) {
	if err := checkSessionKey(secret, issuer); err != nil {
		return nil, err
	}
	return &SessionVerifier{secret: append([]byte(nil), secret...), issuer: issuer}, nil
}

// Verify validates signature, issuer and expiry as of now.
func (v *SessionVerifier) Verify(tokenString string, now time.Time) (*SessionClaims, error) {
	var claims SessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims,
		func(t *jwt.Token) (any, error) {
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, domain.ErrUnauthorized
	}
	return &claims, nil
}

func checkSessionKey(secret []byte, issuer string) error {
	if len(secret) < MinSecretBytes {
		return fmt.Errorf("%w: session secret must be at least %d bytes, got %d",
			domain.ErrConfiguration, MinSecretBytes, len(secret))
	}
	if issuer == "" {
		return fmt.Errorf("%w: session issuer is required", domain.ErrConfiguration)
	}
	return nil
}
