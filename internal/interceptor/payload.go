package interceptor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// requestPayload covers the OpenAI chat and Anthropic messages request shapes.
// Unknown fields pass through untouched; only text reachable here is scanned.
type requestPayload struct {
	Model    string          `json:"model"`
	System   json.RawMessage `json:"system"`
	Messages []message       `json:"messages"`
	Prompt   string          `json:"prompt"`
	Stream   bool            `json:"stream"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseRequest extracts the model name, the concatenated prompt text and the
// caller's streaming intent. Malformed JSON yields empty values; the call is
// still forwarded and audited.
func parseRequest(body []byte) (model, prompt string, stream bool) {
	var req requestPayload
	if err := json.Unmarshal(body, &req); err != nil {
		return "", "", false
	}

	var parts []string
	if s := rawText(req.System); s != "" {
		parts = append(parts, s)
	}
	for _, msg := range req.Messages {
		if s := rawText(msg.Content); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 && req.Prompt != "" {
		parts = append(parts, req.Prompt)
	}
	return req.Model, strings.Join(parts, " "), req.Stream
}

// rawText flattens a content value that is either a plain string or a list of
// typed parts.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentPart
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
}

type responsePayload struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Content []contentPart `json:"content"`
	Usage   *usage        `json:"usage"`
}

// parseResponse extracts assistant text and usage from an OpenAI chat
// completion or an Anthropic message.
func parseResponse(body []byte) (text string, u *usage) {
	var resp responsePayload
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", nil
	}

	var parts []string
	for _, c := range resp.Choices {
		if c.Message.Content != "" {
			parts = append(parts, c.Message.Content)
		}
	}
	for _, c := range resp.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, " "), resp.Usage
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage   *usage `json:"usage"`
	Message *struct {
		Usage *usage `json:"usage"`
	} `json:"message"`
}

// reassembleStream rebuilds the full assistant text from a captured SSE body.
// It understands OpenAI chat chunks (choices[].delta.content) and Anthropic
// events (content_block_delta / text_delta). Usage arrives in the final chunk
// for OpenAI and on message_start / message_delta for Anthropic.
func reassembleStream(captured []byte) (text string, u *usage) {
	var b strings.Builder
	var agg usage

	scanner := bufio.NewScanner(bytes.NewReader(captured))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, c := range chunk.Choices {
			b.WriteString(c.Delta.Content)
		}
		if chunk.Type == "content_block_delta" && chunk.Delta.Type == "text_delta" {
			b.WriteString(chunk.Delta.Text)
		}
		mergeUsage(&agg, chunk.Usage)
		if chunk.Message != nil {
			mergeUsage(&agg, chunk.Message.Usage)
		}
	}

	if agg == (usage{}) {
		return b.String(), nil
	}
	return b.String(), &agg
}

func mergeUsage(dst *usage, src *usage) {
	if src == nil {
		return
	}
	if src.PromptTokens > 0 {
		dst.PromptTokens = src.PromptTokens
	}
	if src.CompletionTokens > 0 {
		dst.CompletionTokens = src.CompletionTokens
	}
	if src.InputTokens > 0 {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens > 0 {
		dst.OutputTokens = src.OutputTokens
	}
}

func (u *usage) prompt() int {
	if u == nil {
		return 0
	}
	if u.PromptTokens > 0 {
		return u.PromptTokens
	}
	return u.InputTokens
}

func (u *usage) completion() int {
	if u == nil {
		return 0
	}
	if u.CompletionTokens > 0 {
		return u.CompletionTokens
	}
	return u.OutputTokens
}
