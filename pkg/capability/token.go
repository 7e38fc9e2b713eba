// Package capability issues and verifies the signed, time-bounded tokens
// that authorize every agent action. A token binds one task to one phase and
// one tool set; the signature covers every claim field, so nothing can be
// altered without invalidating it.
//
// Verification is a pure function of the token, the key, and the clock. The
// cross-check of a token's phase against the task's current recorded phase
// is deliberately the engine's job: that live comparison is what makes a
// token for a phase the task has already left fail even before expiry.
package capability

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenInvalid = errors.New("capability token invalid")
	ErrTokenExpired = errors.New("capability token expired")
)

// Claims are the capability token claims. Subject carries the task id and
// ID the unique token id recorded in transition history.
type Claims struct {
	jwt.RegisteredClaims
	SessionID    string   `json:"session_id,omitempty"`
	Phase        string   `json:"phase"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// TaskID returns the task the token was issued for.
func (c *Claims) TaskID() string {
	return c.Subject
}

// AllowsTool reports whether the token carries the tool in its scope. The
// phase allowlist remains authoritative; this only lets callers reject
// plainly out-of-scope requests early.
func (c *Claims) AllowsTool(name string) bool {
	for _, t := range c.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// Service signs and verifies capability tokens.
type Service struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	clock     func() time.Time
}

// NewHMACService builds a service using HS256 with a shared secret.
func NewHMACService(secret []byte, issuer string) (*Service, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("hmac secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Service{
		method:    jwt.SigningMethodHS256,
		signKey:   secret,
		verifyKey: secret,
		issuer:    issuer,
		clock:     time.Now,
	}, nil
}

// NewEd25519Service builds a service using EdDSA with the given private key.
func NewEd25519Service(priv ed25519.PrivateKey, issuer string) (*Service, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size %d", len(priv))
	}
	return &Service{
		method:    jwt.SigningMethodEdDSA,
		signKey:   priv,
		verifyKey: priv.Public(),
		issuer:    issuer,
		clock:     time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Issue creates a new token for (taskID, phase) scoped to the given tools.
// Each issuance is a new value with a fresh token id.
func (s *Service) Issue(sessionID, taskID, phase string, tools []string, ttl time.Duration) (string, *Claims, error) {
	if taskID == "" || phase == "" {
		return "", nil, fmt.Errorf("issue token: task id and phase are required")
	}
	if ttl <= 0 {
		return "", nil, fmt.Errorf("issue token: ttl must be positive")
	}

	now := s.clock()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   taskID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID:    sessionID,
		Phase:        phase,
		AllowedTools: append([]string(nil), tools...),
	}

	token := jwt.NewWithClaims(s.method, claims)
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a token string. Expiry is enforced with zero
// leeway, independently of signature validity; a well-signed but expired
// token reports ErrTokenExpired so callers can distinguish re-claim from
// forgery.
func (s *Service) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) { return s.verifyKey, nil },
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(s.clock),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" || claims.Phase == "" {
		return nil, fmt.Errorf("%w: missing task or phase claim", ErrTokenInvalid)
	}
	return claims, nil
}
