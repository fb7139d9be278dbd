// Package apierr provides structured API error types and HTTP status
// mapping for the broker's client-facing surface, in the OpenAI error
// envelope shape so OpenAI-compatible clients parse errors without special
// casing (spec §4.4, §7 error taxonomy).
package apierr

import "github.com/gin-gonic/gin"

// Error type constants, mirrored in the JSON envelope's "type" field.
const (
	TypeAuthenticationError = "authentication_error"
	TypePermissionError     = "permission_error"
	TypeRateLimitError      = "rate_limit_error"
	TypeInvalidRequest      = "invalid_request_error"
	TypeUpstreamError       = "upstream_error"
	TypeUnavailableError    = "unavailable_error"
	TypeServerError         = "server_error"
)

// Kind enumerates the broker's own error taxonomy (spec §7), each bound to
// exactly one HTTP status and error type.
type Kind string

const (
	KindAuthMissing          Kind = "auth_missing"
	KindAuthInvalid          Kind = "auth_invalid"
	KindKeyDisabled          Kind = "key_disabled"
	KindKeyExpired           Kind = "key_expired"
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindNoAccountAvailable   Kind = "no_account_available"
	KindUpstreamUnauthorized Kind = "upstream_unauthorized"
	KindUpstreamRateLimited  Kind = "upstream_rate_limited"
	KindUpstreamError        Kind = "upstream_error"
	KindBadRequest           Kind = "bad_request"
)

var mapping = map[Kind]struct {
	status int
	typ    string
	code   string
}{
	KindAuthMissing:          {401, TypeAuthenticationError, "auth_missing"},
	KindAuthInvalid:          {401, TypeAuthenticationError, "auth_invalid"},
	KindKeyDisabled:          {403, TypePermissionError, "key_disabled"},
	KindKeyExpired:           {403, TypePermissionError, "key_expired"},
	KindQuotaExceeded:        {429, TypeRateLimitError, "quota_exceeded"},
	KindNoAccountAvailable:   {503, TypeUnavailableError, "no_account_available"},
	KindUpstreamUnauthorized: {502, TypeUpstreamError, "upstream_unauthorized"},
	KindUpstreamRateLimited:  {429, TypeRateLimitError, "upstream_rate_limited"},
	KindUpstreamError:        {502, TypeUpstreamError, "upstream_error"},
	KindBadRequest:           {400, TypeInvalidRequest, "bad_request"},
}

// APIError is the structured payload returned to clients.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type envelope struct {
	Error APIError `json:"error"`
}

// Status returns the HTTP status code bound to kind.
func Status(kind Kind) int {
	m, ok := mapping[kind]
	if !ok {
		return 500
	}
	return m.status
}

// Write aborts the gin context with the JSON error envelope for kind.
func Write(c *gin.Context, kind Kind, message string) {
	writeWithRetryAfter(c, kind, message, 0)
}

// WriteRetryAfter is Write plus an explicit Retry-After header value in
// seconds, used once the scheduler or breaker has computed a real wait.
func WriteRetryAfter(c *gin.Context, kind Kind, message string, retryAfterSeconds int) {
	writeWithRetryAfter(c, kind, message, retryAfterSeconds)
}

func writeWithRetryAfter(c *gin.Context, kind Kind, message string, retryAfterSeconds int) {
	m, ok := mapping[kind]
	if !ok {
		m = struct {
			status int
			typ    string
			code   string
		}{500, TypeServerError, "internal_error"}
	}
	switch {
	case retryAfterSeconds > 0:
		c.Header("Retry-After", itoa(retryAfterSeconds))
	case kind == KindNoAccountAvailable || kind == KindUpstreamRateLimited || kind == KindQuotaExceeded:
		c.Header("Retry-After", "5")
	}
	c.AbortWithStatusJSON(m.status, envelope{Error: APIError{
		Message: message,
		Type:    m.typ,
		Code:    m.code,
	}})
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
