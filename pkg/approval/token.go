package approval

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DecisionClaims are the JWT claims carried by a signed decision token.
// Subject holds the approver identity, RequestID binds the token to one
// specific request so a token cannot release a different held call.
type DecisionClaims struct {
	jwt.RegisteredClaims
	RequestID string `json:"request_id"`
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// Signer issues and verifies decision tokens with an HMAC key. Decisions
// arriving from outside the process are accepted only with a valid token.
type Signer struct {
	key    []byte
	issuer string
	clock  func() time.Time
}

// NewSigner creates a signer. The key must not be empty.
func NewSigner(key []byte, issuer string) (*Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("decision signing key is empty")
	}
	return &Signer{key: key, issuer: issuer, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Signer) WithClock(clock func() time.Time) *Signer {
	s.clock = clock
	return s
}

// Sign issues a token asserting a decision for a request. The token is
// valid for ttl from now.
func (s *Signer) Sign(d *Decision, ttl time.Duration) (string, error) {
	now := s.clock()
	claims := DecisionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   d.DecidedBy,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		RequestID: d.RequestID,
		Status:    d.Status,
		Reason:    d.Reason,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// Verify parses a decision token and checks its signature, expiry, and
// binding to the expected request.
func (s *Signer) Verify(tokenStr, expectRequestID string) (*DecisionClaims, error) {
	claims := &DecisionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.key, nil
	}, jwt.WithTimeFunc(s.clock))
	if err != nil {
		return nil, fmt.Errorf("decision token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid decision token")
	}
	if claims.RequestID != expectRequestID {
		return nil, fmt.Errorf("decision token bound to request %q, want %q", claims.RequestID, expectRequestID)
	}
	return claims, nil
}
