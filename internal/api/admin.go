package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaybroker/ccrelay/internal/apierr"
	"github.com/relaybroker/ccrelay/internal/constant"
)

// handleModels lists every model the broker has explicit pricing for, one
// entry per model id (each tagged with the claude-oauth provider), sorted
// for a stable response.
func (s *Server) handleModels(c *gin.Context) {
	_, err := s.authenticate(c)
	if err != nil {
		writeAuthError(c, err)
		return
	}

	models := s.Calculator.Models()
	sort.Strings(models)

	entries := make([]gin.H, 0, len(models))
	for _, id := range models {
		entries = append(entries, gin.H{
			"id":       id,
			"object":   "model",
			"provider": constant.ProviderClaudeOAuth,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": entries})
}

// handleKeyInfo returns the calling key's own quota and status, never any
// other key's data and never the plaintext or its fingerprint.
func (s *Server) handleKeyInfo(c *gin.Context) {
	key, err := s.authenticate(c)
	if err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                   key.ID,
		"label":                key.Label,
		"status":               key.Status,
		"credit_limit":         key.CreditLimit,
		"credit_balance":       key.CreditBalance,
		"created_at":           key.CreatedAt,
		"last_used_at":         key.LastUsedAt,
		"requests_per_window":  key.RequestsPerWindow,
		"tokens_per_window":    key.TokensPerWindow,
		"window_seconds":       key.WindowSeconds,
		"max_concurrent":       key.MaxConcurrent,
		"daily_cost_limit":     key.DailyCostLimitMicro,
		"allowed_model_patterns": key.AllowedModelPatterns,
	})
}

// handleUsage returns the calling key's metered usage for a single day,
// broken down by model. The day defaults to today (UTC) and can be
// overridden with a ?day=YYYY-MM-DD query parameter.
func (s *Server) handleUsage(c *gin.Context) {
	key, err := s.authenticate(c)
	if err != nil {
		writeAuthError(c, err)
		return
	}
	if s.UsageRollup == nil {
		c.JSON(http.StatusOK, gin.H{"day": "", "usage": []any{}})
		return
	}

	day := c.Query("day")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}

	usage, err := s.UsageRollup.QueryDaily(c.Request.Context(), day, key.ID)
	if err != nil {
		apierr.Write(c, apierr.KindUpstreamError, "failed to read usage rollup")
		return
	}
	c.JSON(http.StatusOK, gin.H{"day": day, "usage": usage})
}
