package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/relaybroker/ccrelay/internal/account"
	"github.com/relaybroker/ccrelay/internal/accounting"
	"github.com/relaybroker/ccrelay/internal/apikey"
	"github.com/relaybroker/ccrelay/internal/breaker"
	"github.com/relaybroker/ccrelay/internal/config"
	"github.com/relaybroker/ccrelay/internal/constant"
	"github.com/relaybroker/ccrelay/internal/kv"
	"github.com/relaybroker/ccrelay/internal/relay"
	"github.com/relaybroker/ccrelay/internal/scheduler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testHarness struct {
	router    *gin.Engine
	plaintext string
	upstream  *httptest.Server
}

func newTestHarness(t *testing.T, upstreamHandler http.HandlerFunc) *testHarness {
	t.Helper()

	upstream := httptest.NewServer(upstreamHandler)
	t.Cleanup(upstream.Close)

	store := kv.NewMemoryStore()
	repo := account.NewRepository(store)
	if err := repo.Create(context.Background(), &account.Account{
		ID:       "acc-1",
		Provider: constant.ProviderClaudeOAuth,
		Priority: 1,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if err := repo.Create(context.Background(), &account.Account{
		ID:       "acc-gemini",
		Provider: constant.ProviderGemini,
		Priority: 1,
	}); err != nil {
		t.Fatalf("seed gemini account: %v", err)
	}

	brk := breaker.NewRegistry(5, 30*time.Second)
	sched := scheduler.New(repo, store, brk, time.Minute)
	engine := relay.New(relay.StaticCredential("upstream-token"), 5*time.Second, 5*time.Second, 5*time.Second)

	keys := apikey.NewManager(store, 16)
	t.Cleanup(keys.Close)
	issued, err := keys.Issue(context.Background(), "key-1", "test key", 1_000_000_000, apikey.Quota{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	table := accounting.NewPriceTable("test")
	table.Set(&accounting.ModelPricing{
		ModelID:          "claude-sonnet-4-5",
		InputPriceMicro:  3_000_000,
		OutputPriceMicro: 15_000_000,
	})

	rollup := accounting.NewKVRollupSink(store)
	usageManager := accounting.NewManager()
	usageManager.Register(rollup)
	t.Cleanup(usageManager.Stop)

	cfg := &config.Config{
		MaxBodyBytes: 1 << 20,
		Providers: map[string]config.ProviderConfig{
			constant.ProviderClaudeOAuth: {BaseURL: upstream.URL},
			constant.ProviderGemini:      {BaseURL: upstream.URL},
		},
	}

	srv := &Server{
		Config:       cfg,
		APIKeys:      keys,
		Scheduler:    sched,
		Engine:       engine,
		Breaker:      brk,
		RateLimiter:  accounting.NewRateLimiter(store),
		Calculator:   accounting.NewCalculator(table),
		UsageManager: usageManager,
		UsageRollup:  rollup,
	}

	router := gin.New()
	srv.Register(router)

	return &testHarness{router: router, plaintext: issued.Plaintext, upstream: upstream}
}

func (h *testHarness) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleAnthropicMessagesForwardsAndMeters(t *testing.T) {
	h := newTestHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer upstream-token" {
			t.Errorf("Authorization = %q, want Bearer upstream-token", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`))
	})

	rec := h.do(t, http.MethodPost, "/api/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":256,"messages":[{"role":"user","content":"hello"}]}`,
		map[string]string{"x-api-key": h.plaintext})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("x-relay-account-id") != "acc-1" {
		t.Fatalf("x-relay-account-id = %q, want acc-1", rec.Header().Get("x-relay-account-id"))
	}
	if gjson.GetBytes(rec.Body.Bytes(), "content.0.text").String() != "hi" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHandleMessagesRejectsMissingAuth(t *testing.T) {
	h := newTestHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called without auth")
	})

	rec := h.do(t, http.MethodPost, "/api/v1/messages", `{}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleOpenAIMessagesTranslatesBothWays(t *testing.T) {
	h := newTestHarness(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !gjson.GetBytes(body, "system").Exists() {
			t.Errorf("expected translated request to carry a system field, got %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_2","content":[{"type":"text","text":"hi from claude"}],"stop_reason":"end_turn","usage":{"input_tokens":7,"output_tokens":3}}`))
	})

	rec := h.do(t, http.MethodPost, "/openai/claude/v1/messages",
		`{"model":"claude-sonnet-4-5","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hello"}]}`,
		map[string]string{"x-api-key": h.plaintext})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gjson.GetBytes(rec.Body.Bytes(), "choices.0.message.content").String() != "hi from claude" {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if gjson.GetBytes(rec.Body.Bytes(), "usage.total_tokens").Int() != 10 {
		t.Fatalf("usage.total_tokens = %d, want 10", gjson.GetBytes(rec.Body.Bytes(), "usage.total_tokens").Int())
	}
}

func TestHandleKeyInfoReturnsCallerOwnKey(t *testing.T) {
	h := newTestHarness(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := h.do(t, http.MethodGet, "/api/v1/key-info", "", map[string]string{"x-api-key": h.plaintext})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gjson.GetBytes(rec.Body.Bytes(), "id").String() != "key-1" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHandleModelsListsPricedModels(t *testing.T) {
	h := newTestHarness(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := h.do(t, http.MethodGet, "/api/v1/models", "", map[string]string{"x-api-key": h.plaintext})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	models := gjson.GetBytes(rec.Body.Bytes(), "data.#.id").Array()
	if len(models) != 1 || models[0].String() != "claude-sonnet-4-5" {
		t.Fatalf("models = %v", models)
	}
}

func TestHandleUsageReflectsMeteredRequest(t *testing.T) {
	h := newTestHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_3","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":100,"output_tokens":50}}`))
	})

	rec := h.do(t, http.MethodPost, "/api/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"x-api-key": h.plaintext})
	if rec.Code != http.StatusOK {
		t.Fatalf("setup request failed: %d %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	var usageRec *httptest.ResponseRecorder
	for time.Now().Before(deadline) {
		usageRec = h.do(t, http.MethodGet, "/api/v1/usage", "", map[string]string{"x-api-key": h.plaintext})
		if gjson.GetBytes(usageRec.Body.Bytes(), "usage.0.requests").Int() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if usageRec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", usageRec.Code, usageRec.Body.String())
	}
	if gjson.GetBytes(usageRec.Body.Bytes(), "usage.0.requests").Int() != 1 {
		t.Fatalf("usage = %s", usageRec.Body.String())
	}
	if gjson.GetBytes(usageRec.Body.Bytes(), "usage.0.input_tokens").Int() != 100 {
		t.Fatalf("usage = %s", usageRec.Body.String())
	}
}

func TestHandleGeminiForwardsToGeminiProvider(t *testing.T) {
	var gotPath string
	h := newTestHarness(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`))
	})

	rec := h.do(t, http.MethodPost, "/gemini/v1beta/models/gemini-2.5-pro:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`,
		map[string]string{"x-api-key": h.plaintext})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gotPath != "/v1beta/models/gemini-2.5-pro:generateContent" {
		t.Fatalf("upstream path = %q", gotPath)
	}
}
