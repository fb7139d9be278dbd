package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaybroker/ccrelay/internal/account"
	"github.com/relaybroker/ccrelay/internal/constant"
)

func TestForwardInjectsBearerAndParsesUsage(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer upstream.Close()

	engine := New(StaticCredential("tok-123"), 5*time.Second, 5*time.Second, 5*time.Second)
	inbound := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))

	target := Target{
		BaseURL: upstream.URL,
		Path:    "/v1/messages",
		Account: account.Snapshot{ID: "acc-1", Provider: constant.ProviderClaudeOAuth},
		Format:  constant.FormatAnthropic,
	}

	result, err := engine.Forward(context.Background(), target, inbound, []byte(`{}`))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("Authorization header = %q, want Bearer tok-123", gotAuth)
	}
	if result.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", result.StatusCode)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 || result.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v, want {10 5 0 15}", result.Usage)
	}
}

func TestForwardClaudeConsoleUsesAPIKeyHeader(t *testing.T) {
	var gotKey, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	engine := New(StaticCredential("console-key"), time.Second, time.Second, time.Second)
	inbound := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	target := Target{
		BaseURL: upstream.URL,
		Path:    "/v1/messages",
		Account: account.Snapshot{ID: "acc-2", Provider: constant.ProviderClaudeConsole},
		Format:  constant.FormatAnthropic,
	}

	if _, err := engine.Forward(context.Background(), target, inbound, []byte(`{}`)); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if gotKey != "console-key" {
		t.Fatalf("X-Api-Key = %q, want console-key", gotKey)
	}
	if gotAuth != "" {
		t.Fatalf("expected no Authorization header for console provider, got %q", gotAuth)
	}
}

func TestForwardStreamingExtractsTailUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		_, _ = w.Write([]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\"}\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
		_, _ = w.Write([]byte("event: message_delta\ndata: {\"usage\":{\"input_tokens\":20,\"output_tokens\":8}}\n\n"))
	}))
	defer upstream.Close()

	engine := New(StaticCredential("tok"), time.Second, 5*time.Second, 5*time.Second)
	inbound := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	target := Target{
		BaseURL: upstream.URL,
		Path:    "/v1/messages",
		Account: account.Snapshot{ID: "acc-3", Provider: constant.ProviderClaudeOAuth},
		Format:  constant.FormatAnthropic,
	}

	var lines [][]byte
	result, err := engine.ForwardStreaming(context.Background(), target, inbound, []byte(`{}`), func(line []byte) {
		cp := append([]byte(nil), line...)
		lines = append(lines, cp)
	})
	if err != nil {
		t.Fatalf("ForwardStreaming: %v", err)
	}
	if !result.Streaming {
		t.Fatal("expected Streaming=true")
	}
	if result.Usage.InputTokens != 20 || result.Usage.OutputTokens != 8 {
		t.Fatalf("usage = %+v, want input=20 output=8", result.Usage)
	}
	if len(lines) == 0 {
		t.Fatal("expected passthrough to receive lines")
	}
}

func TestForwardStreamingAbortsOnIdleStall(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"usage\":{\"input_tokens\":1}}\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(200 * time.Millisecond) // stalls well past the engine's 20ms idle timeout
		_, _ = w.Write([]byte("data: {\"usage\":{\"output_tokens\":1}}\n\n"))
	}))
	defer upstream.Close()

	engine := New(StaticCredential("tok"), time.Second, 5*time.Second, 20*time.Millisecond)
	inbound := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	target := Target{
		BaseURL: upstream.URL,
		Path:    "/v1/messages",
		Account: account.Snapshot{ID: "acc-4", Provider: constant.ProviderClaudeOAuth},
		Format:  constant.FormatAnthropic,
	}

	_, err := engine.ForwardStreaming(context.Background(), target, inbound, []byte(`{}`), func([]byte) {})
	if err == nil {
		t.Fatal("expected an idle-timeout error, got nil")
	}
}

func TestClassifyUpstreamError(t *testing.T) {
	cases := map[int]string{
		401: "upstream_unauthorized",
		429: "upstream_rate_limited",
		500: "upstream_error",
		503: "upstream_error",
	}
	for status, want := range cases {
		if got := string(ClassifyUpstreamError(status)); got != want {
			t.Errorf("ClassifyUpstreamError(%d) = %q, want %q", status, got, want)
		}
	}
}
