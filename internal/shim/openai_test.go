package shim

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestChatCompletionToMessagesSplitsSystemPrompt(t *testing.T) {
	in := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 512,
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hello"}
		]
	}`)

	out, err := ChatCompletionToMessages(in)
	if err != nil {
		t.Fatalf("ChatCompletionToMessages: %v", err)
	}

	root := gjson.ParseBytes(out)
	if root.Get("system").String() != "be terse" {
		t.Fatalf("system = %q, want %q", root.Get("system").String(), "be terse")
	}
	messages := root.Get("messages").Array()
	if len(messages) != 1 {
		t.Fatalf("messages len = %d, want 1", len(messages))
	}
	if messages[0].Get("role").String() != "user" {
		t.Fatalf("messages[0].role = %q, want user", messages[0].Get("role").String())
	}
	if root.Get("max_tokens").Int() != 512 {
		t.Fatalf("max_tokens = %d, want 512", root.Get("max_tokens").Int())
	}
}

func TestChatCompletionToMessagesDefaultsMaxTokens(t *testing.T) {
	out, err := ChatCompletionToMessages([]byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("ChatCompletionToMessages: %v", err)
	}
	if gjson.GetBytes(out, "max_tokens").Int() != 4096 {
		t.Fatalf("max_tokens = %d, want 4096 default", gjson.GetBytes(out, "max_tokens").Int())
	}
}

func TestMessagesToChatCompletionExtractsTextAndUsage(t *testing.T) {
	in := []byte(`{
		"id": "msg_123",
		"content": [{"type":"text","text":"hi there"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 4}
	}`)

	out, err := MessagesToChatCompletion(in, "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("MessagesToChatCompletion: %v", err)
	}

	root := gjson.ParseBytes(out)
	if root.Get("choices.0.message.content").String() != "hi there" {
		t.Fatalf("content = %q, want %q", root.Get("choices.0.message.content").String(), "hi there")
	}
	if root.Get("choices.0.finish_reason").String() != "stop" {
		t.Fatalf("finish_reason = %q, want stop", root.Get("choices.0.finish_reason").String())
	}
	if root.Get("usage.total_tokens").Int() != 14 {
		t.Fatalf("total_tokens = %d, want 14", root.Get("usage.total_tokens").Int())
	}
}

func TestMessagesToChatCompletionMapsMaxTokensFinishReason(t *testing.T) {
	in := []byte(`{"id":"msg_1","content":[{"type":"text","text":"x"}],"stop_reason":"max_tokens","usage":{"input_tokens":1,"output_tokens":1}}`)
	out, err := MessagesToChatCompletion(in, "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("MessagesToChatCompletion: %v", err)
	}
	if gjson.GetBytes(out, "choices.0.finish_reason").String() != "length" {
		t.Fatalf("finish_reason = %q, want length", gjson.GetBytes(out, "choices.0.finish_reason").String())
	}
}
