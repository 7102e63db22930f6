// Package tokencount implements the Token Counter (C1): a deterministic,
// O(n) mapping from a message or raw string to a non-negative token
// count, with an LRU cache for repeated strings (checkpoint summaries,
// system prompts) that would otherwise be recounted on every append.
//
// Grounded on the source platform's internal/llm/compression.TokenCounter
// and its SimpleTokenizer char/4 heuristic, and on
// internal/llm/token_budget.go's per-tool-call token overhead constant.
package tokencount

import (
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ccme-project/ccme/internal/ccme/model"
)

// perToolCallOverhead approximates the extra tokens a tool-call /
// tool-result part costs beyond its raw text, mirroring the source
// platform's EstimateTokens "200 chars per tool" heuristic, expressed
// here in tokens (≈200/4).
const perToolCallOverhead = 50

// Tokenizer maps a string to a token count. The engine does not define
// the tokenizer; it only requires determinism per fixed configuration.
type Tokenizer interface {
	Count(text string) int
}

// CharDiv4Tokenizer is the source platform's own heuristic: a token is
// approximately 4 characters, rounded up. It is deterministic and O(n).
type CharDiv4Tokenizer struct{}

func (CharDiv4Tokenizer) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// Counter is the Token Counter component. It is safe for concurrent use.
type Counter struct {
	tokenizer Tokenizer
	cache     *lru.Cache[string, int]
}

// Option configures a Counter at construction.
type Option func(*Counter)

// WithTokenizer overrides the default CharDiv4Tokenizer.
func WithTokenizer(t Tokenizer) Option {
	return func(c *Counter) { c.tokenizer = t }
}

// New constructs a Counter with a bounded LRU cache of cacheSize
// distinct strings. cacheSize <= 0 disables caching.
func New(cacheSize int, opts ...Option) *Counter {
	c := &Counter{tokenizer: CharDiv4Tokenizer{}}
	for _, o := range opts {
		o(c)
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, int](cacheSize)
		if err == nil {
			c.cache = cache
		}
	}
	return c
}

// CountText returns the token count of a raw string, using the cache
// when available. Cached lookups never suspend (SPEC_FULL §5).
func (c *Counter) CountText(text string) int {
	if c.cache == nil {
		return c.tokenizer.Count(text)
	}
	key := hashKey(text)
	if n, ok := c.cache.Get(key); ok {
		return n
	}
	n := c.tokenizer.Count(text)
	c.cache.Add(key, n)
	return n
}

// CountMessage returns the total token count for a message: the sum
// over its content parts, with tool-call/tool-result parts carrying a
// fixed schema overhead in addition to their text.
func (c *Counter) CountMessage(m *model.Message) int {
	if m == nil {
		return 0
	}
	total := 0
	for _, p := range m.Parts {
		switch p.Kind {
		case model.PartText, model.PartReasoning:
			total += c.CountText(p.Text)
		case model.PartToolCall:
			total += perToolCallOverhead + c.CountText(p.ToolName)
		case model.PartToolResult:
			total += perToolCallOverhead/2 + c.CountText(p.ToolOutput)
		}
	}
	return total
}

// Refresh recomputes and overwrites m.TokenCount in place. Used on
// append, edit, compression, and on restore to revalidate cached counts
// (SPEC_FULL §4.1).
func (c *Counter) Refresh(m *model.Message) int {
	m.TokenCount = c.CountMessage(m)
	return m.TokenCount
}

func hashKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
