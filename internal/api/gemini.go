package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaybroker/ccrelay/internal/constant"
)

// handleGemini relays the Gemini generateContent/streamGenerateContent
// family of calls. The upstream path is whatever the client requested
// under /gemini/v1beta/, forwarded verbatim; Gemini's own request shape
// never needs the OpenAI shim.
func (s *Server) handleGemini(c *gin.Context) {
	action := c.Param("action")
	if !strings.HasPrefix(action, "/") {
		action = "/" + action
	}
	s.relayRequest(c, constant.ProviderGemini, constant.FormatGemini, "/v1beta"+action, false)
}
