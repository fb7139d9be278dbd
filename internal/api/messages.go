package api

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/relaybroker/ccrelay/internal/accounting"
	"github.com/relaybroker/ccrelay/internal/api/middleware"
	"github.com/relaybroker/ccrelay/internal/apierr"
	"github.com/relaybroker/ccrelay/internal/apikey"
	"github.com/relaybroker/ccrelay/internal/constant"
	"github.com/relaybroker/ccrelay/internal/relay"
	"github.com/relaybroker/ccrelay/internal/scheduler"
	"github.com/relaybroker/ccrelay/internal/shim"
)

func (s *Server) handleAnthropicMessages(c *gin.Context) {
	s.relayRequest(c, constant.ProviderClaudeOAuth, constant.FormatAnthropic, "/v1/messages", false)
}

func (s *Server) handleOpenAIMessages(c *gin.Context) {
	s.relayRequest(c, constant.ProviderClaudeOAuth, constant.FormatAnthropic, "/v1/messages", true)
}

// relayRequest implements the shared dispatch path for every Messages-shaped
// route: authenticate, rate-limit, schedule an account, relay the request,
// and meter the result. openAIShim, when true, translates the inbound body
// from the OpenAI chat-completions envelope and the outbound body back to
// it; the upstream call itself always speaks the account provider's native
// format.
func (s *Server) relayRequest(c *gin.Context, provider, format, upstreamPath string, openAIShim bool) {
	key, err := s.authenticate(c)
	if err != nil {
		writeAuthError(c, err)
		return
	}

	ctx := c.Request.Context()

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.Config.MaxBodyBytes))
	if err != nil {
		apierr.Write(c, apierr.KindBadRequest, "request body exceeds maximum size")
		return
	}

	upstreamBody := body
	if openAIShim {
		upstreamBody, err = shim.ChatCompletionToMessages(body)
		if err != nil {
			apierr.Write(c, apierr.KindBadRequest, "malformed request body: "+err.Error())
			return
		}
	}

	model := gjson.GetBytes(upstreamBody, "model").String()
	if model == "" {
		model = modelFromPath(upstreamPath)
	}
	wantsStream := !openAIShim && (c.GetHeader("Accept") == "text/event-stream" ||
		gjson.GetBytes(upstreamBody, "stream").Bool() ||
		strings.Contains(upstreamPath, "streamGenerateContent"))

	estimatedTokens := accounting.EstimateInputTokens(model, upstreamBody)
	grant, err := s.APIKeys.CheckQuota(ctx, key, apikey.QuotaDeps{
		RateLimiter: s.RateLimiter,
		Rollup:      s.UsageRollup,
	}, model, estimatedTokens)
	if err != nil {
		writeQuotaError(c, err)
		return
	}
	defer grant.Release(ctx)

	sessionKey := c.GetHeader("x-relay-session")
	if sessionKey == "" {
		sessionKey = key.FingerprintHex
	}

	maxAttempts := 1
	if wantsStream && s.Config.Streaming.BootstrapRetries > 0 {
		maxAttempts += s.Config.Streaming.BootstrapRetries
	} else if !wantsStream && s.Config.Retry.MaxAttempts > 1 {
		maxAttempts = s.Config.Retry.MaxAttempts
	}

	providerCfg := s.Config.Providers[provider]

	var (
		decision *scheduler.Decision
		result   *relay.Result
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		decision, err = s.Scheduler.Pick(ctx, scheduler.Request{Provider: provider, SessionKey: sessionKey})
		if err != nil {
			var noAccount *scheduler.ErrNoAccountAvailable
			if errors.As(err, &noAccount) {
				apierr.WriteRetryAfter(c, apierr.KindNoAccountAvailable, err.Error(), int(noAccount.RetryAfter.Seconds()))
				return
			}
			apierr.Write(c, apierr.KindUpstreamError, "failed to schedule an account")
			return
		}

		target := relay.Target{
			BaseURL: providerCfg.BaseURL,
			Path:    upstreamPath,
			Account: decision.Account,
			Format:  format,
		}

		if wantsStream {
			c.Header("Content-Type", "text/event-stream")
			c.Status(http.StatusOK)
			result, err = s.Engine.ForwardStreaming(ctx, target, c.Request, upstreamBody, func(line []byte) {
				_, _ = c.Writer.Write(line)
				_, _ = c.Writer.Write([]byte("\n"))
				c.Writer.Flush()
			})
		} else {
			result, err = s.Engine.Forward(ctx, target, c.Request, upstreamBody)
		}

		retryable := err != nil || (!wantsStream && result != nil && result.StatusCode >= 500)
		if retryable && attempt < maxAttempts-1 && !middleware.HasSentBytes(c) {
			s.recordFailure(ctx, decision.Account.ID, key, model, provider)
			decision.Release(ctx)
			if !wantsStream {
				time.Sleep(s.retryDelay(attempt))
			}
			continue
		}
		break
	}
	defer decision.Release(ctx)

	c.Header("x-relay-account-id", decision.Account.ID)
	c.Header("x-relay-session", sessionKey)

	if err != nil {
		s.recordFailure(ctx, decision.Account.ID, key, model, provider)
		if !wantsStream {
			apierr.Write(c, apierr.KindUpstreamError, "upstream dispatch failed")
		}
		return
	}

	if result.StatusCode >= 300 {
		s.handleUpstreamStatus(c, decision.Account.ID, provider, result)
		if !wantsStream {
			c.Data(result.StatusCode, result.Header.Get("Content-Type"), result.Body)
		}
		s.recordUsage(ctx, key, decision.Account.ID, provider, model, accounting.UsageTokens{}, true)
		return
	}

	s.Breaker.RecordSuccess(provider, decision.Account.ID)
	usage := accounting.UsageTokens{
		InputTokens:      result.Usage.InputTokens,
		OutputTokens:     result.Usage.OutputTokens,
		CacheReadTokens:  result.Usage.CachedTokens,
		CacheWriteTokens: 0,
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = accounting.EstimateInputTokens(model, upstreamBody)
	}

	if !wantsStream {
		respBody := result.Body
		if openAIShim {
			respBody, err = shim.MessagesToChatCompletion(result.Body, model)
			if err != nil {
				apierr.Write(c, apierr.KindUpstreamError, "failed to translate upstream response")
				return
			}
		}
		c.Data(result.StatusCode, firstNonEmpty(result.Header.Get("Content-Type"), "application/json"), respBody)
	}

	s.recordUsage(ctx, key, decision.Account.ID, provider, model, usage, false)
}

// retryDelay computes the exponential-backoff-with-jitter delay before the
// given zero-indexed attempt's successor, per s.Config.Retry (spec §4.4:
// non-streaming upstream 5xx failures retry with backoff; streaming retries
// a fixed number of times with no delay since nothing has reached the
// client yet).
func (s *Server) retryDelay(attempt int) time.Duration {
	base := s.Config.Retry.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	factor := s.Config.Retry.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(base) * pow(factor, attempt)
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(delay * jitter)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func (s *Server) handleUpstreamStatus(c *gin.Context, accountID, provider string, result *relay.Result) {
	s.Breaker.RecordFailure(provider, accountID)
	if result.StatusCode == http.StatusTooManyRequests {
		retrySeconds := 60
		if v := result.Header.Get("Retry-After"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > retrySeconds {
				retrySeconds = n
			}
		}
		c.Header("Retry-After", strconv.Itoa(retrySeconds))
	}
}

func (s *Server) recordFailure(ctx context.Context, accountID string, key *apikey.Key, model, provider string) {
	s.Breaker.RecordFailure(provider, accountID)
	s.recordUsage(ctx, key, accountID, provider, model, accounting.UsageTokens{}, true)
}

func (s *Server) recordUsage(ctx context.Context, key *apikey.Key, accountID, provider, model string, tokens accounting.UsageTokens, failed bool) {
	cost := s.Calculator.Calculate(model, tokens)
	if !failed {
		if _, err := s.decrementCredit(ctx, key, cost); err != nil {
			return
		}
	}
	s.UsageManager.Publish(ctx, accounting.Record{
		APIKeyID:    key.ID,
		AccountID:   accountID,
		Provider:    provider,
		Model:       model,
		RequestedAt: time.Now(),
		Usage:       tokens,
		Cost:        cost,
		Failed:      failed,
	})
}

func (s *Server) decrementCredit(ctx context.Context, key *apikey.Key, cost accounting.Cost) (bool, error) {
	return s.APIKeys.DecrementCredit(ctx, key.FingerprintHex, cost.TotalMicro())
}

// writeQuotaError maps a CheckQuota failure to the client-facing error
// taxonomy. Every dimension reports 429 except the allowed-model-pattern
// mismatch, which is a client configuration error, not a transient limit.
func writeQuotaError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apikey.ErrModelNotAllowed):
		apierr.Write(c, apierr.KindBadRequest, "api key is not authorized for this model")
	case errors.Is(err, apikey.ErrRequestQuotaExceeded):
		apierr.WriteRetryAfter(c, apierr.KindQuotaExceeded, "request rate limit exceeded", 60)
	case errors.Is(err, apikey.ErrTokenQuotaExceeded):
		apierr.WriteRetryAfter(c, apierr.KindQuotaExceeded, "token rate limit exceeded", 60)
	case errors.Is(err, apikey.ErrConcurrencyLimitExceeded):
		apierr.WriteRetryAfter(c, apierr.KindQuotaExceeded, "concurrent request limit exceeded", 5)
	case errors.Is(err, apikey.ErrDailyCostExceeded):
		apierr.Write(c, apierr.KindQuotaExceeded, "daily cost limit exceeded")
	default:
		apierr.Write(c, apierr.KindUpstreamError, "quota check failed")
	}
}

func writeAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errAuthMissing):
		apierr.Write(c, apierr.KindAuthMissing, "missing x-api-key or authorization header")
	case errors.Is(err, apikey.ErrKeyRevoked):
		apierr.Write(c, apierr.KindKeyDisabled, "api key has been revoked")
	case errors.Is(err, apikey.ErrQuotaExceeded):
		apierr.Write(c, apierr.KindQuotaExceeded, "api key credit balance is exhausted")
	default:
		apierr.Write(c, apierr.KindAuthInvalid, "invalid api key")
	}
}

// modelFromPath extracts the model id from a Gemini-style path segment of
// the form ".../models/{model}:generateContent", since Gemini carries the
// model in the URL rather than the request body.
func modelFromPath(path string) string {
	const marker = "/models/"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return ""
	}
	rest := path[idx+len(marker):]
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		rest = rest[:colon]
	}
	return rest
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
