package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaybroker/ccrelay/internal/apikey"
)

// extractPresentedKey reads the caller's plaintext key from x-api-key
// (preferred) or an authorization: Bearer header (spec §6.2).
func extractPresentedKey(c *gin.Context) string {
	if v := c.GetHeader("x-api-key"); v != "" {
		return v
	}
	if v := c.GetHeader("Authorization"); v != "" {
		if rest, ok := strings.CutPrefix(v, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// authenticate validates the caller's presented key and, on success,
// returns its record; a request with no key yields errAuthMissing. Handlers
// write the error response themselves (see writeAuthError).
func (s *Server) authenticate(c *gin.Context) (*apikey.Key, error) {
	plaintext := extractPresentedKey(c)
	if plaintext == "" {
		return nil, errAuthMissing
	}
	key, err := s.APIKeys.Validate(c.Request.Context(), plaintext)
	if err != nil {
		return nil, err
	}
	return key, nil
}

var errAuthMissing = apikeyAuthMissingError{}

type apikeyAuthMissingError struct{}

func (apikeyAuthMissingError) Error() string { return "apikey: no credential presented" }
