package auth

import (
	"time"

	"golang.org/x/oauth2"
)

// expirySkew treats tokens that expire within this window as already expired,
// so a refresh happens before a provider call rather than after a 401.
const expirySkew = time.Minute

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Expired reports whether the access token must be refreshed before use.
// A zero expiry means the provider did not report one.
func (t Token) Expired(now time.Time) bool {
	if t.AccessToken == "" {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Add(expirySkew).Before(t.Expiry)
}

// FromOAuth2 converts an oauth2 token, keeping the previous refresh token when
// the provider omits it on refresh (Google does).
func FromOAuth2(tok *oauth2.Token, previousRefresh string) Token {
	if tok == nil {
		return Token{}
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	return Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		Expiry:       tok.Expiry,
	}
}

// OAuth2 converts the token for use with an oauth2 token source.
func (t Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
		TokenType:    "Bearer",
	}
}
