package accounting

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// EstimateInputTokens approximates the prompt token count for a request
// body when the upstream response carried no usage block at all (some
// providers omit it on early-terminated or errored streams). It is a
// fallback only: a real usage field from the provider always wins.
func EstimateInputTokens(model string, body []byte) int64 {
	if len(body) == 0 {
		return 0
	}
	enc, err := tokenizerForModel(model)
	if err != nil {
		return 0
	}

	var text strings.Builder
	root := gjson.ParseBytes(body)
	collectText(root.Get("messages"), &text)
	collectText(root.Get("contents"), &text)
	if s := root.Get("system").String(); s != "" {
		text.WriteString(s)
		text.WriteByte('\n')
	}

	if text.Len() == 0 {
		return 0
	}
	count, err := enc.Count(text.String())
	if err != nil {
		return 0
	}
	return int64(count)
}

// tokenizerForModel picks a codec close enough to the model family to give
// a reasonable token estimate; an exact encoder is not available for every
// provider, so this always degrades to a generic byte-pair codec.
func tokenizerForModel(model string) (tokenizer.Codec, error) {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"):
		return tokenizer.ForModel(tokenizer.GPT4o)
	case strings.HasPrefix(model, "gpt-4"):
		return tokenizer.ForModel(tokenizer.GPT4)
	case strings.HasPrefix(model, "gpt-3"):
		return tokenizer.ForModel(tokenizer.GPT35Turbo)
	default:
		return tokenizer.Get(tokenizer.Cl100kBase)
	}
}

// collectText walks an array of Anthropic/OpenAI-shaped message objects (or
// Gemini "contents" turns) and appends every text fragment it finds.
func collectText(messages gjson.Result, out *strings.Builder) {
	if !messages.Exists() || !messages.IsArray() {
		return
	}
	messages.ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			out.WriteString(content.String())
			out.WriteByte('\n')
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				if t := part.Get("text").String(); t != "" {
					out.WriteString(t)
					out.WriteByte('\n')
				}
				return true
			})
		}
		if parts := msg.Get("parts"); parts.IsArray() {
			parts.ForEach(func(_, part gjson.Result) bool {
				if t := part.Get("text").String(); t != "" {
					out.WriteString(t)
					out.WriteByte('\n')
				}
				return true
			})
		}
		return true
	})
}
