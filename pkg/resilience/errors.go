package resilience

import "errors"

var (
	// ErrPoolExhausted is returned when no key is eligible and none is cooling down,
	// which only happens when the pool was built without keys.
	ErrPoolExhausted = errors.New("keypool: no keys available")

	// ErrRateLimited marks a failure caused by the provider throttling a key.
	ErrRateLimited = errors.New("rate limited")

	// ErrQuotaExceeded marks a failure caused by a key running out of quota.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrAttemptsExhausted wraps the last recoverable error once every attempt failed.
	ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

	// ErrTransport marks a network, protocol or server failure that is not the key's fault.
	ErrTransport = errors.New("transport error")
)

// IsRecoverable reports whether err should put the key into cooldown and be retried
// on another key.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrQuotaExceeded)
}

// OutcomeOf classifies an error returned by a keyed call.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrQuotaExceeded):
		return OutcomeQuotaExceeded
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	default:
		return OutcomeFailed
	}
}
