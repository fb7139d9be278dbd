// Package api wires the broker's client-facing HTTP surface: API-key
// authentication, account scheduling, and relay dispatch for the Anthropic,
// OpenAI-shaped, and Gemini endpoints, plus the read-only admin endpoints
// for models, key info, and usage (spec §6.1).
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/relaybroker/ccrelay/internal/accounting"
	"github.com/relaybroker/ccrelay/internal/apikey"
	"github.com/relaybroker/ccrelay/internal/breaker"
	"github.com/relaybroker/ccrelay/internal/config"
	"github.com/relaybroker/ccrelay/internal/relay"
	"github.com/relaybroker/ccrelay/internal/scheduler"
)

// Server holds every dependency the HTTP handlers need. It is constructed
// once by the composition root and has no mutable state of its own beyond
// what its dependencies already serialize internally.
type Server struct {
	Config       *config.Config
	APIKeys      *apikey.Manager
	Scheduler    *scheduler.Scheduler
	Engine       *relay.Engine
	Breaker      *breaker.Registry
	RateLimiter  *accounting.RateLimiter
	Calculator   *accounting.Calculator
	UsageManager *accounting.Manager
	UsageRollup  *accounting.KVRollupSink
}

// Register mounts every client-facing route onto router.
func (s *Server) Register(router *gin.Engine) {
	router.POST("/api/v1/messages", s.handleAnthropicMessages)
	router.POST("/claude/v1/messages", s.handleAnthropicMessages)
	router.POST("/openai/claude/v1/messages", s.handleOpenAIMessages)
	router.POST("/gemini/v1beta/*action", s.handleGemini)

	router.GET("/api/v1/models", s.handleModels)
	router.GET("/api/v1/key-info", s.handleKeyInfo)
	router.GET("/api/v1/usage", s.handleUsage)
}
