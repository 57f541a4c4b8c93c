// Package providers holds the plumbing shared by the mail provider adapters.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// Breaker guards provider API calls with a circuit breaker. Only failures
// that say something about the provider's health count against it; client
// errors such as 401 or 404 pass through without tripping.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	provider sync.ProviderKind
	log      zerolog.Logger
}

// NewBreaker creates a breaker named after the provider. trips decides which
// errors count as failures.
func NewBreaker(provider sync.ProviderKind, log zerolog.Logger, trips func(error) bool) *Breaker {
	b := &Breaker{provider: provider, log: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(provider) + "-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (trips != nil && !trips(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return b
}

// Do runs fn through the breaker. An open breaker yields a transient error.
func (b *Breaker) Do(op string, fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.log.Warn().Str("op", op).Str("state", b.cb.State().String()).Msg("provider call rejected by circuit breaker")
		return sync.TransientError(b.provider, op, err)
	}
	return err
}

// TripsOnStatus is the default trip rule: throttling, server errors and
// network failures count; everything else is the caller's problem.
func TripsOnStatus(status func(error) (int, bool)) func(error) bool {
	return func(err error) bool {
		if code, ok := status(err); ok {
			return code == http.StatusTooManyRequests || code >= 500
		}
		return true
	}
}

// ClassifyStatus maps an HTTP status from a provider API onto the sync error
// taxonomy.
func ClassifyStatus(provider sync.ProviderKind, op string, code int, msg string, err error) error {
	switch {
	case code == http.StatusUnauthorized:
		return sync.AuthError(provider, op, err)
	case code == http.StatusForbidden && isRateLimitMessage(msg):
		return sync.TransientError(provider, op, err)
	case code == http.StatusForbidden:
		return sync.AuthError(provider, op, err)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w: %v", provider, op, sync.ErrMessageNotFound, err)
	case code == http.StatusTooManyRequests, code >= 500:
		return sync.TransientError(provider, op, err)
	}
	return fmt.Errorf("%s %s: %w", provider, op, err)
}

func isRateLimitMessage(msg string) bool {
	for _, s := range []string{"Rate Limit", "rateLimitExceeded", "userRateLimitExceeded", "ApplicationThrottled"} {
		if strings.Contains(strings.ToLower(msg), strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// ClassifyOAuth maps a token endpoint failure. Rejections by the endpoint are
// auth errors; the endpoint being unreachable or failing is transient.
func ClassifyOAuth(provider sync.ProviderKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && (re.Response.StatusCode >= 500 || re.Response.StatusCode == http.StatusTooManyRequests) {
			return sync.TransientError(provider, op, err)
		}
		return sync.AuthError(provider, op, err)
	}
	if IsNetworkError(err) {
		return sync.TransientError(provider, op, err)
	}
	return sync.AuthError(provider, op, err)
}

// IsNetworkError reports connection-level failures and timeouts.
func IsNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
