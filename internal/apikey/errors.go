package apikey

import "errors"

var (
	// ErrInvalidKey covers malformed presented tokens and unknown
	// fingerprints; the two are deliberately indistinguishable to callers.
	ErrInvalidKey = errors.New("apikey: invalid key")
	// ErrKeyRevoked is returned for a well-formed, known key that has been
	// administratively revoked.
	ErrKeyRevoked = errors.New("apikey: key revoked")
	// ErrQuotaExceeded is returned when a key's credit balance has reached
	// zero.
	ErrQuotaExceeded = errors.New("apikey: quota exceeded")
	// ErrRequestQuotaExceeded is returned when a key's sliding request-rate
	// window is exhausted.
	ErrRequestQuotaExceeded = errors.New("apikey: request rate quota exceeded")
	// ErrTokenQuotaExceeded is returned when a key's sliding token-rate
	// window is exhausted.
	ErrTokenQuotaExceeded = errors.New("apikey: token rate quota exceeded")
	// ErrConcurrencyLimitExceeded is returned when a key already has
	// MaxConcurrent requests in flight.
	ErrConcurrencyLimitExceeded = errors.New("apikey: concurrency limit exceeded")
	// ErrDailyCostExceeded is returned when a key has spent its daily cost
	// ceiling.
	ErrDailyCostExceeded = errors.New("apikey: daily cost limit exceeded")
	// ErrModelNotAllowed is returned when a key's AllowedModelPatterns does
	// not cover the requested model.
	ErrModelNotAllowed = errors.New("apikey: model not allowed for this key")
)
