// Package auth authenticates callers of the HTTP delivery endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the authenticated user or service ID.
	Subject string `json:"subject"`

	// Scopes defines what operations are permitted.
	// Examples: "event:write", "run:read", "*"
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope returns true if the identity has the given scope.
// A wildcard "*" scope grants all permissions.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// Authenticator validates credentials and returns an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ── Scope constants ─────────────────────────────────

const (
	ScopeEventWrite = "event:write"
	ScopeRunRead    = "run:read"
	ScopeRunWrite   = "run:write"
	ScopeJobRead    = "job:read"
	ScopeAll        = "*"
)

// ── API Key authenticator ───────────────────────────

// APIKeyEntry maps a token to an identity.
type APIKeyEntry struct {
	Token    string
	Identity Identity
}

// APIKeyAuthenticator validates API keys against a static list.
type APIKeyAuthenticator struct {
	keys map[string]*Identity
}

// NewAPIKeyAuthenticator creates an API key authenticator.
func NewAPIKeyAuthenticator(entries ...APIKeyEntry) *APIKeyAuthenticator {
	keys := make(map[string]*Identity, len(entries))
	for _, e := range entries {
		id := e.Identity
		keys[e.Token] = &id
	}
	return &APIKeyAuthenticator{keys: keys}
}

func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	id, ok := a.keys[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return id, nil
}

// ── JWT authenticator ───────────────────────────────

// Claims are the JWT claims accepted by JWTAuthenticator.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HMAC-SHA256 signed bearer tokens.
type JWTAuthenticator struct {
	key       []byte
	issuer    string
	clockSkew time.Duration
	now       func() time.Time
}

// JWTOption configures a JWTAuthenticator.
type JWTOption func(*JWTAuthenticator)

// WithIssuer requires tokens to carry iss.
func WithIssuer(iss string) JWTOption {
	return func(a *JWTAuthenticator) { a.issuer = iss }
}

// WithClockSkew sets the leeway applied to exp and nbf.
func WithClockSkew(d time.Duration) JWTOption {
	return func(a *JWTAuthenticator) { a.clockSkew = d }
}

// WithJWTClock overrides the time source used to validate tokens.
func WithJWTClock(now func() time.Time) JWTOption {
	return func(a *JWTAuthenticator) { a.now = now }
}

// MinSecretLength is the shortest accepted HMAC secret.
const MinSecretLength = 32

// NewJWTAuthenticator creates a JWT authenticator for secret.
func NewJWTAuthenticator(secret string, opts ...JWTOption) (*JWTAuthenticator, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: jwt secret must be at least %d characters", MinSecretLength)
	}
	a := &JWTAuthenticator{
		key:       []byte(secret),
		clockSkew: time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(a.clockSkew),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.key, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	if claims.Subject == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{Subject: claims.Subject, Scopes: claims.Scopes}, nil
}

// Sign issues a token for id valid for ttl. It is used by the CLI to mint
// tokens for local development and by tests.
func (a *JWTAuthenticator) Sign(id Identity, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Scopes: id.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ── No-op authenticator ─────────────────────────────

// NoopAuthenticator accepts all tokens with a wildcard identity.
// Use for development only.
type NoopAuthenticator struct{}

func (a *NoopAuthenticator) Authenticate(_ context.Context, _ string) (*Identity, error) {
	return &Identity{
		Subject: "anonymous",
		Scopes:  []string{ScopeAll},
	}, nil
}

// DenyAuthenticator rejects every token. It is the API's default until an
// authenticator is configured.
type DenyAuthenticator struct{}

func (DenyAuthenticator) Authenticate(_ context.Context, _ string) (*Identity, error) {
	return nil, ErrUnauthorized
}

// ── Composite authenticator ─────────────────────────

// CompositeAuthenticator tries multiple authenticators in order.
// The first successful authentication wins.
type CompositeAuthenticator struct {
	authenticators []Authenticator
}

// NewCompositeAuthenticator chains multiple authenticators.
func NewCompositeAuthenticator(auths ...Authenticator) *CompositeAuthenticator {
	return &CompositeAuthenticator{authenticators: auths}
}

func (c *CompositeAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	for _, auth := range c.authenticators {
		id, err := auth.Authenticate(ctx, token)
		if err == nil {
			return id, nil
		}
	}
	return nil, ErrUnauthorized
}

// ── Context ─────────────────────────────────────────

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored in ctx, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}
