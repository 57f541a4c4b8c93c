package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrInvalidState is returned for a tampered, expired or foreign OAuth state.
var ErrInvalidState = errors.New("invalid oauth state")

const stateAudience = "mailsync-oauth"

// StateSigner binds an OAuth round trip to the user that started it. The
// state parameter is a short-lived HS256 token, so the unauthenticated
// callback can trust the user id it carries.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret []byte, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateSigner{secret: secret, ttl: ttl, now: time.Now}
}

// Sign returns the state value for userID connecting a provider mailbox.
func (s *StateSigner) Sign(userID, provider string) (string, error) {
	now := s.now()
	tok, err := jwt.NewBuilder().
		Subject(userID).
		Audience([]string{stateAudience}).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Claim("provider", provider).
		Build()
	if err != nil {
		return "", fmt.Errorf("build state: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return string(signed), nil
}

// Verify returns the user id carried by state, checking it was issued for
// provider.
func (s *StateSigner) Verify(state, provider string) (string, error) {
	tok, err := jwt.Parse([]byte(state),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
		jwt.WithAudience(stateAudience),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	claim, _ := tok.Get("provider")
	if p, _ := claim.(string); p != provider {
		return "", fmt.Errorf("%w: issued for %q", ErrInvalidState, claim)
	}
	if tok.Subject() == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidState)
	}
	return tok.Subject(), nil
}
