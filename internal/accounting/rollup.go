package accounting

import (
	"context"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/relaybroker/ccrelay/internal/kv"
)

// dailyRollupKey builds the KV key prefix a usage record's daily aggregate
// counters live under: usage:daily:{YYYY-MM-DD}:{apiKeyID}:{model}, with one
// integer counter per field at {prefix}:{field}.
func dailyRollupKey(day, apiKeyID, model string) string {
	return fmt.Sprintf("usage:daily:%s:%s:%s", day, apiKeyID, model)
}

// KVRollupSink accumulates usage records into per-day, per-key, per-model
// integer counters in the KV store, so the admin usage endpoint can answer
// "how much did this key spend today" without scanning a time-series
// store. It is a Sink and runs off the Manager's dispatch goroutine.
type KVRollupSink struct {
	store kv.Store
}

// NewKVRollupSink builds a rollup sink backed by store.
func NewKVRollupSink(store kv.Store) *KVRollupSink {
	return &KVRollupSink{store: store}
}

// HandleUsage implements Sink.
func (s *KVRollupSink) HandleUsage(ctx context.Context, record Record) {
	day := record.RequestedAt.UTC().Format("2006-01-02")
	key := dailyRollupKey(day, record.APIKeyID, record.Model)

	if _, err := s.store.IncrBy(ctx, key+":requests", 1); err != nil {
		log.WithError(err).Warn("accounting: rollup increment requests failed")
		return
	}
	if _, err := s.store.IncrBy(ctx, key+":input_tokens", record.Usage.InputTokens); err != nil {
		log.WithError(err).Warn("accounting: rollup increment input_tokens failed")
	}
	if _, err := s.store.IncrBy(ctx, key+":output_tokens", record.Usage.OutputTokens); err != nil {
		log.WithError(err).Warn("accounting: rollup increment output_tokens failed")
	}
	if _, err := s.store.IncrBy(ctx, key+":cost_micro", record.Cost.TotalMicro()); err != nil {
		log.WithError(err).Warn("accounting: rollup increment cost_micro failed")
	}
	if record.Failed {
		if _, err := s.store.IncrBy(ctx, key+":failed", 1); err != nil {
			log.WithError(err).Warn("accounting: rollup increment failed-count failed")
		}
	}
}

// DailyUsage is one (model) line of an api key's daily rollup.
type DailyUsage struct {
	Day          string `json:"day"`
	Model        string `json:"model"`
	Requests     int64  `json:"requests"`
	FailedCount  int64  `json:"failed_requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CostMicro    int64  `json:"cost_micro"`
}

// QueryDaily scans the rollup keys for apiKeyID on day and returns one
// DailyUsage entry per model that had any activity.
func (s *KVRollupSink) QueryDaily(ctx context.Context, day, apiKeyID string) ([]DailyUsage, error) {
	prefix := fmt.Sprintf("usage:daily:%s:%s:", day, apiKeyID)
	models := map[string]*DailyUsage{}

	err := s.store.Scan(ctx, prefix+"*", func(key string) bool {
		rest := key[len(prefix):]
		model, field, ok := cutLastColon(rest)
		if !ok {
			return true
		}
		u, exists := models[model]
		if !exists {
			u = &DailyUsage{Day: day, Model: model}
			models[model] = u
		}
		v, err := s.store.Get(ctx, key)
		if err != nil {
			return true
		}
		n, _ := strconv.ParseInt(v, 10, 64)
		switch field {
		case "requests":
			u.Requests = n
		case "failed":
			u.FailedCount = n
		case "input_tokens":
			u.InputTokens = n
		case "output_tokens":
			u.OutputTokens = n
		case "cost_micro":
			u.CostMicro = n
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("accounting: scan rollup keys: %w", err)
	}

	out := make([]DailyUsage, 0, len(models))
	for _, u := range models {
		out = append(out, *u)
	}
	return out, nil
}

// cutLastColon splits "model:field" on the final colon; a model id may
// itself contain colons.
func cutLastColon(s string) (model, field string, ok bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

var _ Sink = (*KVRollupSink)(nil)
