package toolsupport

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccme-project/ccme/internal/ccme/model"
)

type fakeProfile struct {
	flags map[string]bool
}

func (p fakeProfile) StaticToolSupport(modelID string) (bool, bool) {
	v, ok := p.flags[modelID]
	return v, ok
}

type fakePrompter struct {
	supported, permanent bool
	err                  error
	calls                int
	delay                time.Duration
}

func (p *fakePrompter) PromptToolSupport(ctx context.Context, modelID string) (bool, bool, error) {
	p.calls++
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return false, false, ctx.Err()
		}
	}
	return p.supported, p.permanent, p.err
}

type fakeDetector struct {
	supported bool
	err       error
}

func (d fakeDetector) ProbeToolSupport(ctx context.Context, modelID string) (bool, error) {
	return d.supported, d.err
}

func TestSupportsDefaultsToFalseWithNoOverrideOrProfile(t *testing.T) {
	c, err := New(Config{}, nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, c.Supports("claude-haiku"))
}

func TestSupportsFallsBackToStaticProfile(t *testing.T) {
	c, err := New(Config{}, fakeProfile{flags: map[string]bool{"m1": true}}, nil, nil)
	require.NoError(t, err)
	assert.True(t, c.Supports("m1"))
	assert.False(t, c.Supports("m2"))
}

func TestRuntimeOverrideTakesPrecedenceOverProfile(t *testing.T) {
	c, err := New(Config{}, fakeProfile{flags: map[string]bool{"m1": true}}, nil, nil)
	require.NoError(t, err)
	prompter := &fakePrompter{supported: false, permanent: true}
	c.prompter = prompter

	c.HandleToolError(context.Background(), "m1")
	assert.False(t, c.Supports("m1"), "user_confirmed negative override must beat the static profile's positive flag")
}

func TestIsToolUnsupportedErrorMatchesCodeAndPattern(t *testing.T) {
	assert.True(t, IsToolUnsupportedError("TOOL_UNSUPPORTED", ""))
	assert.True(t, IsToolUnsupportedError("", "this model does not support tool use"))
	assert.False(t, IsToolUnsupportedError("RATE_LIMIT", "too many requests"))
}

func TestHandleToolErrorPromptsOnceAndRecordsPermanentOverride(t *testing.T) {
	c, err := New(Config{}, nil, nil, nil)
	require.NoError(t, err)
	prompter := &fakePrompter{supported: true, permanent: true}
	c.prompter = prompter

	c.HandleToolError(context.Background(), "m1")
	assert.True(t, c.Supports("m1"))

	ov, ok := c.Override("m1")
	require.True(t, ok)
	assert.Equal(t, "user_confirmed", string(ov.Source))
	assert.Nil(t, ov.ExpiresAt)
}

func TestHandleToolErrorRecordsSessionOverrideWithTTL(t *testing.T) {
	c, err := New(Config{SessionTTL: time.Minute}, nil, nil, nil)
	require.NoError(t, err)
	c.prompter = &fakePrompter{supported: true, permanent: false}

	c.HandleToolError(context.Background(), "m1")
	ov, ok := c.Override("m1")
	require.True(t, ok)
	assert.Equal(t, "session", string(ov.Source))
	require.NotNil(t, ov.ExpiresAt)
}

func TestHandleToolErrorDebouncesRepeatedPrompts(t *testing.T) {
	c, err := New(Config{PromptDebounce: time.Hour}, nil, nil, nil)
	require.NoError(t, err)
	prompter := &fakePrompter{supported: true, permanent: true}
	c.prompter = prompter

	c.HandleToolError(context.Background(), "m1")
	c.HandleToolError(context.Background(), "m1")
	assert.Equal(t, 1, prompter.calls, "a second error within the debounce window must not re-prompt")
}

func TestHandleToolErrorSkipsWhenUserConfirmedOverrideAlreadyExists(t *testing.T) {
	c, err := New(Config{PromptDebounce: time.Nanosecond}, nil, nil, nil)
	require.NoError(t, err)
	prompter := &fakePrompter{supported: true, permanent: true}
	c.prompter = prompter

	c.HandleToolError(context.Background(), "m1")
	require.Equal(t, 1, prompter.calls)

	c.HandleToolError(context.Background(), "m1")
	assert.Equal(t, 1, prompter.calls, "an existing user_confirmed override must not be re-litigated")
}

func TestHandleToolErrorTimesOutToSafeDefaultNo(t *testing.T) {
	c, err := New(Config{}, nil, nil, nil)
	require.NoError(t, err)
	c.prompter = &fakePrompter{supported: true, permanent: true, delay: 2 * userPromptTimeout}

	done := make(chan struct{})
	go func() {
		// Use a context that is already near its deadline so the test
		// doesn't actually wait the full 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		defer cancel()
		c.HandleToolError(ctx, "m1")
		close(done)
	}()
	<-done
	assert.False(t, c.Supports("m1"))
}

func TestAutoDetectSuccessYieldsPermanentPositiveOverride(t *testing.T) {
	c, err := New(Config{}, nil, nil, fakeDetector{supported: true})
	require.NoError(t, err)
	c.AutoDetect(context.Background(), "m1")

	ov, ok := c.Override("m1")
	require.True(t, ok)
	assert.True(t, ov.Supported)
	assert.Nil(t, ov.ExpiresAt)
}

func TestAutoDetectFailureYieldsSessionNegativeOverride(t *testing.T) {
	c, err := New(Config{SessionTTL: time.Minute}, nil, nil, fakeDetector{err: errors.New("no response")})
	require.NoError(t, err)
	c.AutoDetect(context.Background(), "m1")

	ov, ok := c.Override("m1")
	require.True(t, ok)
	assert.False(t, ov.Supported)
	require.NotNil(t, ov.ExpiresAt)
}

func TestExpiredOverrideFallsThroughToProfile(t *testing.T) {
	c, err := New(Config{}, fakeProfile{flags: map[string]bool{"m1": true}}, nil, nil)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	c.setOverride(model.ToolSupportOverride{
		ModelID:   "m1",
		Supported: false,
		Source:    model.SourceSession,
		CreatedAt: past.Add(-time.Hour),
		ExpiresAt: &past,
	})
	assert.True(t, c.Supports("m1"), "an expired session override must fall through to the static profile flag")
}

func TestPersistenceRoundTripsUserConfirmedOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.json")

	c1, err := New(Config{PersistPath: path}, nil, nil, nil)
	require.NoError(t, err)
	c1.prompter = &fakePrompter{supported: true, permanent: true}
	c1.HandleToolError(context.Background(), "m1")

	c2, err := New(Config{PersistPath: path}, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, c2.Supports("m1"), "user_confirmed overrides must survive a reload from the persisted file")
}
