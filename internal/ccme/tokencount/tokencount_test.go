package tokencount

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ccme-project/ccme/internal/ccme/model"
)

func TestCharDiv4TokenizerDeterministic(t *testing.T) {
	tk := CharDiv4Tokenizer{}
	assert.Equal(t, 0, tk.Count(""))
	assert.Equal(t, 3, tk.Count("abcdefghij")) // 10 chars -> ceil(10/4)=3
	assert.Equal(t, tk.Count("same text"), tk.Count("same text"))
}

func TestCounterCountMessageSumsParts(t *testing.T) {
	c := New(16)
	m := model.NewMessage(model.RoleAssistant, []model.ContentPart{
		{Kind: model.PartText, Text: "hello world"},
		{Kind: model.PartToolCall, ToolName: "search"},
	}, time.Now())

	n := c.CountMessage(m)
	assert.Greater(t, n, perToolCallOverhead)
}

func TestCounterCacheReturnsSameValue(t *testing.T) {
	c := New(4)
	text := "a repeated string used as a cache key"
	first := c.CountText(text)
	second := c.CountText(text)
	assert.Equal(t, first, second)
}

func TestCounterRefreshUpdatesInPlace(t *testing.T) {
	c := New(0)
	m := model.NewTextMessage(model.RoleUser, "1234567890", time.Now())
	m.TokenCount = -1
	got := c.Refresh(m)
	assert.Equal(t, 3, got)
	assert.Equal(t, 3, m.TokenCount)
}
