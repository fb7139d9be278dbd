// Package shim translates between the OpenAI chat-completions envelope and
// the native Anthropic Messages envelope, so a client written against the
// OpenAI SDK can call a Claude account through the broker. The translation
// is stateless and purely syntactic: it never inspects account state or
// credentials (spec §4.4 "OpenAI compatibility shim").
package shim

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ChatCompletionToMessages converts an OpenAI chat-completions request body
// into an Anthropic Messages request body. System-role messages are pulled
// out into the top-level "system" field Anthropic expects; every other
// message keeps its role with string content.
func ChatCompletionToMessages(rawJSON []byte) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)

	maxTokens := root.Get("max_tokens").Int()
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	out := fmt.Sprintf(`{"model":%q,"max_tokens":%d}`, root.Get("model").String(), maxTokens)

	if v := root.Get("stream"); v.Exists() {
		var err error
		out, err = sjson.Set(out, "stream", v.Bool())
		if err != nil {
			return nil, fmt.Errorf("shim: set stream: %w", err)
		}
	}
	if v := root.Get("temperature"); v.Exists() {
		var err error
		out, err = sjson.Set(out, "temperature", v.Float())
		if err != nil {
			return nil, fmt.Errorf("shim: set temperature: %w", err)
		}
	}

	var systemParts []string
	messages := root.Get("messages").Array()
	for _, m := range messages {
		role := m.Get("role").String()
		content := m.Get("content").String()
		if role == "system" {
			systemParts = append(systemParts, content)
			continue
		}
		entry := map[string]string{"role": role, "content": content}
		var err error
		out, err = sjson.SetRaw(out, "messages.-1", mustMarshal(entry))
		if err != nil {
			return nil, fmt.Errorf("shim: append message: %w", err)
		}
	}

	if len(systemParts) > 0 {
		var err error
		out, err = sjson.Set(out, "system", joinLines(systemParts))
		if err != nil {
			return nil, fmt.Errorf("shim: set system: %w", err)
		}
	}

	return []byte(out), nil
}

// MessagesToChatCompletion converts a non-streaming Anthropic Messages
// response body into an OpenAI chat.completion response body.
func MessagesToChatCompletion(rawJSON []byte, model string) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)

	var text string
	for _, block := range root.Get("content").Array() {
		if block.Get("type").String() == "text" {
			text += block.Get("text").String()
		}
	}

	finishReason := "stop"
	switch root.Get("stop_reason").String() {
	case "max_tokens":
		finishReason = "length"
	case "tool_use":
		finishReason = "tool_calls"
	}

	inputTokens := root.Get("usage.input_tokens").Int()
	outputTokens := root.Get("usage.output_tokens").Int()

	resp := map[string]any{
		"id":      root.Get("id").String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": finishReason,
			},
		},
		"usage": map[string]int64{
			"prompt_tokens":     inputTokens,
			"completion_tokens": outputTokens,
			"total_tokens":      inputTokens + outputTokens,
		},
	}
	return json.Marshal(resp)
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func joinLines(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}
