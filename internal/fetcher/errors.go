package fetcher

import (
	"errors"
	"fmt"
)

// Kind classifies provider failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindNotFound
	KindUnavailable
	KindMalformed
)

var (
	// ErrRateLimited indicates the upstream throttled the request.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrNotFound indicates the upstream does not know the symbol.
	ErrNotFound = errors.New("symbol not found")
	// ErrUnavailable indicates a transport failure, timeout, or server error.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrMalformed indicates a response that violates the expected schema.
	ErrMalformed = errors.New("malformed provider response")
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindNotFound:
		return ErrNotFound
	case KindMalformed:
		return ErrMalformed
	default:
		return ErrUnavailable
	}
}

// ProviderError carries the failure kind and upstream detail.
type ProviderError struct {
	Provider string
	Kind     Kind
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func newError(provider string, kind Kind, status int, err error) error {
	return &ProviderError{Provider: provider, Kind: kind, Status: status, Err: err}
}

func notFound(provider, format string, args ...any) error {
	return newError(provider, KindNotFound, 0, fmt.Errorf(format, args...))
}

func malformed(provider, format string, args ...any) error {
	return newError(provider, KindMalformed, 0, fmt.Errorf(format, args...))
}

func unavailable(provider string, err error) error {
	return newError(provider, KindUnavailable, 0, err)
}

// KindOf classifies err. Unclassified errors count as unavailable.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrMalformed):
		return KindMalformed
	default:
		return KindUnavailable
	}
}

// IsTransient reports whether err is worth retrying against the same provider.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

// IsRateLimited reports whether err is an upstream throttle.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
