package providers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/sync"
)

type statusErr struct{ code int }

func (e statusErr) Error() string { return http.StatusText(e.code) }

func statusOf(err error) (int, bool) {
	var se statusErr
	if errors.As(err, &se) {
		return se.code, true
	}
	return 0, false
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	b := NewBreaker(sync.ProviderGmail, zerolog.Nop(), TripsOnStatus(statusOf))

	for i := 0; i < 6; i++ {
		if err := b.Do("list", func() error { return statusErr{503} }); !errors.As(err, new(statusErr)) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	calls := 0
	err := b.Do("list", func() error { calls++; return nil })
	if calls != 0 {
		t.Fatal("open breaker still ran the call")
	}
	if !sync.IsTransient(err) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want transient open-state error", err)
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	b := NewBreaker(sync.ProviderOutlook, zerolog.Nop(), TripsOnStatus(statusOf))

	for i := 0; i < 20; i++ {
		_ = b.Do("get", func() error { return statusErr{404} })
	}
	if got := b.cb.State(); got != gobreaker.StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		code      int
		msg       string
		auth      bool
		transient bool
	}{
		{http.StatusUnauthorized, "", true, false},
		{http.StatusForbidden, "User Rate Limit Exceeded", false, true},
		{http.StatusForbidden, "insufficient permissions", true, false},
		{http.StatusTooManyRequests, "", false, true},
		{http.StatusBadGateway, "", false, true},
	}
	for _, tc := range cases {
		err := ClassifyStatus(sync.ProviderGmail, "op", tc.code, tc.msg, base)
		if sync.IsAuth(err) != tc.auth || sync.IsTransient(err) != tc.transient {
			t.Errorf("%d %q: got %v", tc.code, tc.msg, err)
		}
	}
	if err := ClassifyStatus(sync.ProviderGmail, "get message", 404, "", base); !errors.Is(err, sync.ErrMessageNotFound) {
		t.Errorf("404 = %v, want ErrMessageNotFound", err)
	}
}

func TestClassifyOAuth(t *testing.T) {
	rejected := &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusBadRequest}, ErrorCode: "invalid_grant"}
	if err := ClassifyOAuth(sync.ProviderGmail, "refresh", rejected); !sync.IsAuth(err) {
		t.Fatalf("invalid_grant = %v, want auth error", err)
	}
	down := &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}}
	if err := ClassifyOAuth(sync.ProviderGmail, "refresh", down); !sync.IsTransient(err) {
		t.Fatalf("503 = %v, want transient", err)
	}
}
