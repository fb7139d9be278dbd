package relay

import (
	"bufio"
	"bytes"
	"io"

	"github.com/tidwall/gjson"

	"github.com/relaybroker/ccrelay/internal/constant"
)

// streamScannerBuffer bounds a single SSE line; provider events are small
// JSON objects but a generous ceiling avoids bufio.ErrTooLong on an
// unexpectedly large usage/thinking event.
const streamScannerBuffer = 8 * 1024 * 1024

// Usage is the token accounting extracted from a provider response,
// normalized across Anthropic, OpenAI, and Gemini shapes.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
	TotalTokens  int64
}

func (u *Usage) finalize() {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
}

// ParseUsage extracts Usage from a complete, non-streaming JSON response
// body shaped per format (FormatAnthropic, FormatOpenAI, FormatGemini).
func ParseUsage(format string, body []byte) Usage {
	root := gjson.ParseBytes(body)
	return usageFromNode(format, root)
}

func usageFromNode(format string, root gjson.Result) Usage {
	var u Usage
	switch format {
	case constant.FormatAnthropic:
		usageNode := root.Get("usage")
		u.InputTokens = usageNode.Get("input_tokens").Int()
		u.OutputTokens = usageNode.Get("output_tokens").Int()
		u.CachedTokens = usageNode.Get("cache_read_input_tokens").Int()
		if u.CachedTokens == 0 {
			u.CachedTokens = usageNode.Get("cache_creation_input_tokens").Int()
		}
	case constant.FormatOpenAI:
		usageNode := root.Get("usage")
		u.InputTokens = usageNode.Get("prompt_tokens").Int()
		u.OutputTokens = usageNode.Get("completion_tokens").Int()
		if cached := usageNode.Get("prompt_tokens_details.cached_tokens"); cached.Exists() {
			u.CachedTokens = cached.Int()
		}
	case constant.FormatGemini:
		usageNode := root.Get("usageMetadata")
		u.InputTokens = usageNode.Get("promptTokenCount").Int()
		u.OutputTokens = usageNode.Get("candidatesTokenCount").Int()
		u.CachedTokens = usageNode.Get("cachedContentTokenCount").Int()
	}
	u.finalize()
	return u
}

// ScanSSEForUsage reads a complete, already-buffered SSE body line by line
// and returns the merged Usage observed across every event. The passthrough
// function, if non-nil, is called with every raw line so the caller can
// relay bytes to the client as they're read.
func ScanSSEForUsage(body []byte, format string, passthrough func(line []byte)) Usage {
	return scanSSE(bytes.NewReader(body), format, passthrough)
}

// ScanSSEStream behaves like ScanSSEForUsage but reads incrementally from
// r, so a live upstream response can be relayed to the client line by line
// as it arrives instead of being buffered in full first (spec §4.4: the
// client sees bytes as they arrive, usage accounting is a side channel over
// the same read).
func ScanSSEStream(r io.Reader, format string, passthrough func(line []byte)) Usage {
	return scanSSE(r, format, passthrough)
}

func scanSSE(r io.Reader, format string, passthrough func(line []byte)) Usage {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), streamScannerBuffer)

	var merged Usage
	for scanner.Scan() {
		line := scanner.Bytes()
		if passthrough != nil {
			passthrough(line)
		}
		trimmed := bytes.TrimSpace(line)
		if !bytes.HasPrefix(trimmed, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(trimmed[len("data:"):])
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		node := gjson.ParseBytes(payload)
		mergeUsage(&merged, usageFromNode(format, node))
	}
	merged.finalize()
	return merged
}

// mergeUsage folds src into dst field by field, keeping the latest non-zero
// value per field rather than replacing the whole struct. Anthropic splits
// input/cache counts into an early message_start event and output counts
// into a later message_delta event; overwriting wholesale would silently
// drop the earlier fields once the later event reports nonzero output.
func mergeUsage(dst *Usage, src Usage) {
	if src.InputTokens > 0 {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens > 0 {
		dst.OutputTokens = src.OutputTokens
	}
	if src.CachedTokens > 0 {
		dst.CachedTokens = src.CachedTokens
	}
}
