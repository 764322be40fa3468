package gateway

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer = "auditrail/gateway"
	nonceTTL    = 5 * time.Minute
)

var (
	errNoNonce      = errors.New("no pending nonce for identity")
	errMissingToken = errors.New("missing bearer token")
)

// SessionClaims are the claims of a gateway session token. The subject is
// the authenticated identity id.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// tokens issues and validates HS256 session tokens.
type tokens struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

func (t *tokens) issue(identityID string) (string, error) {
	now := t.clock().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identityID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// validate returns the identity id of a valid token.
func (t *tokens) validate(raw string) (string, error) {
	var claims SessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", jwt.ErrTokenInvalidSubject
	}
	return claims.Subject, nil
}

func bearer(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", errMissingToken
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}

// nonces holds one outstanding challenge per identity.
type nonces struct {
	mu      sync.Mutex
	pending map[string]nonce
	clock   func() time.Time
}

type nonce struct {
	value   string
	expires time.Time
}

func newNonces(clock func() time.Time) *nonces {
	return &nonces{pending: make(map[string]nonce), clock: clock}
}

// issue replaces any outstanding nonce for identityID and drops expired
// ones left by identities that never proved ownership.
func (n *nonces) issue(identityID string) string {
	v := strings.ReplaceAll(uuid.NewString(), "-", "")
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock()
	for id, p := range n.pending {
		if now.After(p.expires) {
			delete(n.pending, id)
		}
	}
	n.pending[identityID] = nonce{value: v, expires: now.Add(nonceTTL)}
	return v
}

// take consumes the outstanding nonce; it can be used once.
func (n *nonces) take(identityID string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pending[identityID]
	delete(n.pending, identityID)
	if !ok || n.clock().After(p.expires) {
		return "", errNoNonce
	}
	return p.value, nil
}
