package textx

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts LLM tokens with cached tiktoken encodings. The zero
// value is not usable; call NewTokenCounter.
type TokenCounter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

// NewTokenCounter returns a counter safe for concurrent use.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{cache: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the token count of text under the encoding closest to model.
// When no encoding can be resolved it falls back to EstimateTokens, so the
// result is always usable for budgeting.
func (c *TokenCounter) Count(text, model string) int {
	enc, err := c.encodingFor(model)
	if err != nil {
		return EstimateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (c *TokenCounter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	key := encodingKey(model)

	c.mu.RLock()
	enc, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[key]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.cache[key] = enc
	return enc, nil
}

// encodingKey maps model names onto the tiktoken model families. Non-OpenAI
// models tokenize differently, but cl100k_base is close enough for budgeting.
func encodingKey(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.Contains(m, "gpt"):
		return "gpt-4"
	default:
		return "gpt-4"
	}
}

// EstimateTokens approximates a token count at four bytes per token, rounded
// up. Used when no encoding is available.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
