package llm

import (
	"encoding/json"
	"strings"
)

// UsageStats holds token usage reported by a stream-json producer.
type UsageStats struct {
	InputTokens  int
	OutputTokens int
	Model        string
}

// StreamEvent is one decoded stream-json line.
type StreamEvent struct {
	Type string
	// Text is the generated text carried by the event, if any.
	Text  string
	Usage UsageStats
}

type rawEvent struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	Message struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseStreamEvent decodes a single stream-json line. Lines that are not
// JSON objects report ok=false.
func ParseStreamEvent(line string) (StreamEvent, bool) {
	line = strings.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return StreamEvent{}, false
	}
	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return StreamEvent{}, false
	}

	evt := StreamEvent{Type: raw.Type}
	switch raw.Type {
	case "assistant":
		evt.Usage.Model = raw.Message.Model
		var b strings.Builder
		for _, c := range raw.Message.Content {
			if c.Type == "text" {
				b.WriteString(c.Text)
			}
		}
		evt.Text = b.String()
	case "content_block_delta":
		if raw.Delta.Type == "text_delta" || raw.Delta.Type == "" {
			evt.Text = raw.Delta.Text
		}
	case "result":
		evt.Text = raw.Result
		evt.Usage.InputTokens = raw.Usage.InputTokens
		evt.Usage.OutputTokens = raw.Usage.OutputTokens
	}
	return evt, true
}
