package sync

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for the retry policy.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindTransient   ErrorKind = "transient"
	KindParse       ErrorKind = "parse"
	KindFactory     ErrorKind = "factory"
	KindPersistence ErrorKind = "persistence"
)

var (
	ErrFactoryNotInitialized = errors.New("provider factory not initialized")
	ErrUnknownProvider       = errors.New("unknown provider")
	ErrAccountNotFound       = errors.New("account not found")
	ErrCredentialNotFound    = errors.New("credential not found")
	ErrMessageNotFound       = errors.New("message not found")
	ErrAlreadySyncing        = errors.New("account sync already in progress")
	ErrReauthRequired        = errors.New("account requires re-authentication")
	ErrEngineStopped         = errors.New("sync engine stopped")
)

// Error is a classified failure from a provider or the datastore.
type Error struct {
	Kind     ErrorKind
	Provider ProviderKind
	Op       string
	Err      error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Provider != "" {
		prefix = fmt.Sprintf("%s %s", e.Provider, e.Kind)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", prefix, e.Op)
	}
	return fmt.Sprintf("%s error: %s: %v", prefix, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AuthError marks token exchange or refresh failures. Not retried.
func AuthError(provider ProviderKind, op string, err error) error {
	return &Error{Kind: KindAuth, Provider: provider, Op: op, Err: err}
}

// TransientError marks network failures, 429 and 5xx responses.
func TransientError(provider ProviderKind, op string, err error) error {
	return &Error{Kind: KindTransient, Provider: provider, Op: op, Err: err}
}

// ParseError marks a malformed provider message. The message is skipped.
func ParseError(provider ProviderKind, op string, err error) error {
	return &Error{Kind: KindParse, Provider: provider, Op: op, Err: err}
}

// PersistenceError marks a datastore write failure.
func PersistenceError(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) (ErrorKind, bool) {
	switch {
	case errors.Is(err, ErrFactoryNotInitialized), errors.Is(err, ErrUnknownProvider):
		return KindFactory, true
	case errors.Is(err, ErrReauthRequired):
		return KindAuth, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func IsAuth(err error) bool        { return isKind(err, KindAuth) }
func IsTransient(err error) bool   { return isKind(err, KindTransient) }
func IsParse(err error) bool       { return isKind(err, KindParse) }
func IsPersistence(err error) bool { return isKind(err, KindPersistence) }

func isKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether the engine should schedule a backoff retry.
// Unclassified errors are treated as transient; auth and wiring errors are not.
func Retryable(err error) bool {
	if err == nil || permanent(err) {
		return false
	}
	kind, ok := KindOf(err)
	if !ok {
		return true
	}
	switch kind {
	case KindAuth, KindFactory:
		return false
	default:
		return true
	}
}

// permanent reports errors that no amount of retrying fixes.
func permanent(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrCredentialNotFound)
}
