// Package tokens counts prompt and response tokens for audit records. OpenAI
// model families get exact tiktoken counts; everything else falls back to a
// character-based estimate.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// estimatorCharsPerToken is the fallback ratio for models without a known
// tokenizer.
const estimatorCharsPerToken = 4

// Counter counts tokens in plain text. Safe for concurrent use.
type Counter struct {
	mu    sync.RWMutex
	cache map[tokenizer.Encoding]tokenizer.Codec
}

// NewCounter builds a counter with an empty codec cache.
func NewCounter() *Counter {
	return &Counter{cache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// Count returns the token count of text under model's tokenizer, or a
// character-based estimate when no tokenizer is known. Counting never fails;
// the audit record carries a best effort number.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc, ok := modelEncoding(model)
	if !ok {
		return estimate(text)
	}

	codec, err := c.codecFor(enc)
	if err != nil {
		return estimate(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return estimate(text)
	}
	return len(ids)
}

func (c *Counter) codecFor(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.RLock()
	codec, ok := c.cache[enc]
	c.mu.RUnlock()
	if ok {
		return codec, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

// modelEncoding maps OpenAI model families to their encodings. Models outside
// these families (Anthropic, Groq-hosted open weights) have no public
// tokenizer, so the caller estimates instead.
func modelEncoding(model string) (tokenizer.Encoding, bool) {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase, true
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase, true
	default:
		return "", false
	}
}

func estimate(text string) int {
	n := len(text) / estimatorCharsPerToken
	if n == 0 {
		n = 1
	}
	return n
}
