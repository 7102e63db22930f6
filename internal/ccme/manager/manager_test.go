package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccme-project/ccme/internal/ccme/compression"
	"github.com/ccme-project/ccme/internal/ccme/events"
	"github.com/ccme-project/ccme/internal/ccme/memoryguard"
	"github.com/ccme-project/ccme/internal/ccme/model"
	"github.com/ccme-project/ccme/internal/ccme/snapshotstore"
)

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, messages []*model.Message, maxTokens int) (string, error) {
	f.calls++
	return f.summary, f.err
}

type fixedVRAMSource struct{ info model.VRAMInfo }

func (s fixedVRAMSource) Sample(ctx context.Context) (model.VRAMInfo, error) {
	return s.info, nil
}

func testConfig() Config {
	return Config{
		ContextTargetSize: 1000,
		ContextMinSize:    100,
		ContextMaxSize:    2000,
		Compression: compression.Config{
			Threshold:        0.8,
			PreserveRecent:   2,
			SummaryMaxTokens: 64,
		},
		SnapshotsAutoCreate:    false,
		SnapshotsAutoThreshold: 0.9,
		MemoryGuardThresholds:  memoryguard.DefaultThresholds(),
		GuardEmergencyKeepRecent: 2,
		VRAMPollInterval:         time.Hour,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	modelInfo := model.ModelInfo{ID: "test-model", ContextSize: 1000, KVQuantization: model.KVQuantF16, BytesPerTokenF16: 2}
	store := snapshotstore.NewFileBlobStore(t.TempDir())
	m, err := New(
		"s1",
		modelInfo,
		testConfig(),
		&fakeSummarizer{summary: "summary text"},
		store,
		fixedVRAMSource{info: model.VRAMInfo{Degenerate: true}},
		nil, nil, nil,
	)
	require.NoError(t, err)
	return m
}

func TestNewWiresAllComponents(t *testing.T) {
	m := newTestManager(t)
	assert.NotNil(t, m.messages)
	assert.NotNil(t, m.compressor)
	assert.NotNil(t, m.snapshots)
	assert.NotNil(t, m.guard)
	assert.NotNil(t, m.tools)
}

func TestStartIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	m.Start(context.Background())
	m.Start(context.Background())
	assert.True(t, m.started)
	m.Stop()
	m.Stop()
	assert.False(t, m.started)
}

func TestAddMessageAndGetContext(t *testing.T) {
	m := newTestManager(t)
	msg := model.NewTextMessage(model.RoleUser, "hello", time.Now())
	require.NoError(t, m.AddMessage(context.Background(), msg))

	snap := m.GetContext()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, msg.ID, snap.Messages[0].ID)
}

func TestGetContextIsIndependentCopy(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddMessage(context.Background(), model.NewTextMessage(model.RoleUser, "a", time.Now())))

	snap := m.GetContext()
	require.NoError(t, m.AddMessage(context.Background(), model.NewTextMessage(model.RoleUser, "b", time.Now())))
	assert.Len(t, snap.Messages, 1, "a prior GetContext copy must not see later appends")
}

func TestGetUsageReportsCurrentAndMax(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddMessage(context.Background(), model.NewTextMessage(model.RoleUser, "hello", time.Now())))

	usage := m.GetUsage()
	assert.Equal(t, 1000, usage.MaxTokens)
	assert.Greater(t, usage.CurrentTokens, 0)
}

func TestCreateAndListAndRestoreSnapshot(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddMessage(context.Background(), model.NewTextMessage(model.RoleUser, "a", time.Now())))

	id, err := m.CreateSnapshot(context.Background(), "manual")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	list, err := m.ListSnapshots(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, m.AddMessage(context.Background(), model.NewTextMessage(model.RoleUser, "b", time.Now())))
	require.NoError(t, m.RestoreSnapshot(context.Background(), id))
	assert.Len(t, m.GetContext().Messages, 1, "restoring the snapshot should revert the later append")
}

func TestClearDropsMessages(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddMessage(context.Background(), model.NewTextMessage(model.RoleUser, "a", time.Now())))
	m.Clear(context.Background())
	assert.Empty(t, m.GetContext().Messages)
}

func TestOnSubscribesToBusEvents(t *testing.T) {
	m := newTestManager(t)
	var seen events.Name
	unsub := m.On(events.MessageAppended, func(ctx context.Context, ev events.Event) {
		seen = ev.Name
	})
	defer unsub()

	require.NoError(t, m.AddMessage(context.Background(), model.NewTextMessage(model.RoleUser, "a", time.Now())))
	assert.Equal(t, events.MessageAppended, seen)
}

func TestUpdateConfigResizesPoolOnSizeChange(t *testing.T) {
	m := newTestManager(t)
	newCfg := testConfig()
	newCfg.ContextTargetSize = 1500
	newCfg.ContextMaxSize = 2500
	m.UpdateConfig(context.Background(), newCfg)
	assert.Equal(t, 1500, m.pool.ActiveSize())
}

func TestUpdateConfigLeavesPoolAloneWhenSizeUnchanged(t *testing.T) {
	m := newTestManager(t)
	before := m.pool.ActiveSize()
	newCfg := testConfig()
	newCfg.SnapshotsAutoThreshold = 0.5
	m.UpdateConfig(context.Background(), newCfg)
	assert.Equal(t, before, m.pool.ActiveSize())
}

func TestSupportsToolsDefaultsToFalse(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.SupportsTools("some-model"))
}

func TestHotSwapSummarizesAndReseedsAtomically(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddMessage(context.Background(), model.NewTextMessage(model.RoleUser, "old task message", time.Now())))

	snapshotID, err := m.HotSwap(context.Background(), "new task definition", "review")
	require.NoError(t, err)
	assert.NotEmpty(t, snapshotID)

	snap := m.GetContext()
	assert.Empty(t, snap.Messages, "hot-swap must clear the prior messages")
	require.NotNil(t, snap.SystemPrompt)
	assert.Equal(t, "summary text", snap.SystemPrompt.Text())
	require.NotNil(t, snap.TaskDefinition)
	assert.Equal(t, "new task definition", snap.TaskDefinition.Content)

	list, err := m.ListSnapshots(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1, "hot-swap must have created exactly one mode-transition snapshot")
}

func TestHotSwapWithoutMessagesSkipsSummarization(t *testing.T) {
	m := newTestManager(t)
	fs := m.summarizer.(*fakeSummarizer)

	_, err := m.HotSwap(context.Background(), "", "review")
	require.NoError(t, err)
	assert.Equal(t, 0, fs.calls, "an empty context has nothing to summarize")
	assert.Nil(t, m.GetContext().TaskDefinition)
}

func TestHandleToolErrorAndAutoDetectToolSupportDoNotPanicWithNilCollaborators(t *testing.T) {
	m := newTestManager(t)
	m.HandleToolError(context.Background(), "m1")
	m.AutoDetectToolSupport(context.Background(), "m1")
	assert.False(t, m.SupportsTools("m1"))
}

