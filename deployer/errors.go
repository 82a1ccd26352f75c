package deployer

import (
	"fmt"
	"strings"
)

// Kind classifies a failure. Kinds are errors so callers can match them with errors.Is.
type Kind string

func (k Kind) Error() string {
	return string(k)
}

const (
	// KindValidation is a malformed manifest or secret. Never retried.
	KindValidation Kind = "validation"
	// KindTransient is a timeout, reset or 5xx/429 response. Retried with backoff.
	KindTransient Kind = "transient transport"
	// KindProviderUnavailable is a provider that is unreachable or rejecting leases.
	KindProviderUnavailable Kind = "provider unavailable"
	// KindProtocol is a marketplace outcome that ends a run.
	KindProtocol Kind = "marketplace protocol"
	// KindConfiguration is a missing or invalid setting of the daemon itself.
	KindConfiguration Kind = "configuration"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Errorf returns a new error of the given kind.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// ErrNoBids is returned when bid collection ends without any bid.
var ErrNoBids = Errorf(KindProtocol, "no bids received")

// AllProvidersFailedError is returned when no ranked bid produced a lease.
type AllProvidersFailedError struct {
	Providers []string
	Last      error
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed (%s): %s", strings.Join(e.Providers, ", "), e.Last)
}

// Unwrap returns the last error observed.
func (e *AllProvidersFailedError) Unwrap() error {
	return e.Last
}

// Is reports the error as a marketplace protocol failure.
func (e *AllProvidersFailedError) Is(target error) bool {
	return target == KindProtocol
}
