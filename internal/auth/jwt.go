package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrUnauthenticated is returned when a request carries no usable bearer token.
var ErrUnauthenticated = errors.New("unauthenticated")

// User represents an authenticated user from JWT token
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier validates bearer tokens against a JWKS endpoint or a shared
// HMAC secret.
type JWTVerifier struct {
	opts []jwt.ParseOption
}

// VerifierOption adds a validation constraint.
type VerifierOption func(*JWTVerifier)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) VerifierOption {
	return func(v *JWTVerifier) {
		if iss != "" {
			v.opts = append(v.opts, jwt.WithIssuer(iss))
		}
	}
}

// WithClock replaces the time source used for exp/nbf checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *JWTVerifier) {
		v.opts = append(v.opts, jwt.WithClock(jwt.ClockFunc(now)))
	}
}

// NewJWTVerifier creates a verifier backed by a cached JWKS. Keys refresh in
// the background until ctx is cancelled, so token checks never block on the
// network after the initial fetch.
func NewJWTVerifier(ctx context.Context, jwksURL string, opts ...VerifierOption) (*JWTVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(fetchCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return newVerifier(jwt.WithKeySet(jwk.NewCachedSet(cache, jwksURL)), opts), nil
}

// NewHMACVerifier creates a verifier for HS256 tokens signed with secret.
func NewHMACVerifier(secret []byte, opts ...VerifierOption) *JWTVerifier {
	return newVerifier(jwt.WithKey(jwa.HS256, secret), opts)
}

func newVerifier(key jwt.ParseOption, opts []VerifierOption) *JWTVerifier {
	v := &JWTVerifier{opts: []jwt.ParseOption{key, jwt.WithValidate(true), jwt.WithAcceptableSkew(30 * time.Second)}}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// UserFromRequest extracts and validates the JWT token from the request
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	if r.Header.Get("Authorization") == "" {
		return nil, ErrUnauthenticated
	}
	// jwt.ParseRequest handles the "Bearer " prefix
	token, err := jwt.ParseRequest(r, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse JWT: %v", ErrUnauthenticated, err)
	}
	return userFromToken(token)
}

// UserFromToken validates a raw token, for transports that cannot send an
// Authorization header (browser WebSocket and EventSource).
func (v *JWTVerifier) UserFromToken(raw string) (*User, error) {
	if raw == "" {
		return nil, ErrUnauthenticated
	}
	token, err := jwt.Parse([]byte(raw), v.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse JWT: %v", ErrUnauthenticated, err)
	}
	return userFromToken(token)
}

func userFromToken(token jwt.Token) (*User, error) {
	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("%w: token missing user ID (subject)", ErrUnauthenticated)
	}

	var email, name string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}
	if nameClaim, ok := token.Get("name"); ok {
		name, _ = nameClaim.(string)
	}

	return &User{
		ID:    userID,
		Email: email,
		Name:  name,
	}, nil
}
