package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccme-project/ccme/internal/ccme/ccmeerr"
	"github.com/ccme-project/ccme/internal/ccme/model"
)

type fixedCounter struct{}

func (fixedCounter) CountText(text string) int { return len(text) }

func TestPreserveAndReconstructNeverCompressed(t *testing.T) {
	m := New(fixedCounter{})
	cc := model.NewConversationContext("s1", "m1", 8192)
	cc.TaskDefinition = &model.NeverCompressedSection{ID: "t1", Kind: "task_definition", Content: "build X"}
	cc.ArchitectureDecisions = []*model.NeverCompressedSection{
		{ID: "a1", Kind: "architecture_decision", Content: "use postgres"},
	}

	sections := m.PreserveNeverCompressed(cc)
	require.Len(t, sections, 2)
	assert.Equal(t, "build X", sections[0].Content)
	assert.Equal(t, "use postgres", sections[1].Content)

	msgs := m.ReconstructNeverCompressed(sections, time.Now())
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)
	assert.True(t, msgs[1].Timestamp.After(msgs[0].Timestamp) || msgs[1].Timestamp.Equal(msgs[0].Timestamp))
}

func TestMergeCheckpointsRequiresContiguity(t *testing.T) {
	m := New(fixedCounter{})
	a := &model.Checkpoint{ID: "a", Tier: model.TierRich, RangeStartID: "m1", RangeEndID: "m5", RangeStartSeq: 1, RangeEndSeq: 5,
		Summary: model.NewTextMessage(model.RoleAssistant, "summary a", time.Now()),
		KeyDecisions: []string{"d1"}, FileReferences: []string{"f1.go"}}
	b := &model.Checkpoint{ID: "b", Tier: model.TierModerate, RangeStartID: "m10", RangeEndID: "m15", RangeStartSeq: 10, RangeEndSeq: 15,
		Summary: model.NewTextMessage(model.RoleAssistant, "summary b", time.Now())}

	_, err := m.MergeCheckpoints([]*model.Checkpoint{a, b}, time.Now())
	assert.ErrorIs(t, err, ccmeerr.ErrNoContiguousPair)
}

func TestMergeCheckpointsUnionsAndTakesMinTier(t *testing.T) {
	m := New(fixedCounter{})
	a := &model.Checkpoint{ID: "a", Tier: model.TierRich, RangeStartID: "m1", RangeEndID: "m5", RangeStartSeq: 1, RangeEndSeq: 5,
		Summary:        model.NewTextMessage(model.RoleAssistant, "summary a", time.Now()),
		KeyDecisions:   []string{"d1", "d2"},
		FileReferences: []string{"f1.go"},
	}
	b := &model.Checkpoint{ID: "b", Tier: model.TierModerate, RangeStartID: "m6", RangeEndID: "m9", RangeStartSeq: 6, RangeEndSeq: 9,
		Summary:        model.NewTextMessage(model.RoleAssistant, "summary b", time.Now()),
		KeyDecisions:   []string{"d2", "d3"},
		FileReferences: []string{"f2.go"},
	}

	merged, err := m.MergeCheckpoints([]*model.Checkpoint{a, b}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.TierModerate, merged.Tier)
	assert.Equal(t, "m1", merged.RangeStartID)
	assert.Equal(t, "m9", merged.RangeEndID)
	assert.Equal(t, int64(1), merged.RangeStartSeq)
	assert.Equal(t, int64(9), merged.RangeEndSeq)
	assert.Equal(t, []string{"d1", "d2", "d3"}, merged.KeyDecisions)
	assert.Equal(t, []string{"f1.go", "f2.go"}, merged.FileReferences)
}

func TestExtractCriticalInfoDeduplicates(t *testing.T) {
	m := New(fixedCounter{})
	profile := DefaultModeProfile()
	msgs := []*model.Message{
		model.NewTextMessage(model.RoleAssistant, "We decided to use postgres for storage.\nWe decided to use postgres for storage.", time.Now()),
		model.NewTextMessage(model.RoleAssistant, "Edited `internal/foo/bar.go` to fix the bug.", time.Now()),
	}

	decisions, files := m.ExtractCriticalInfo(msgs, profile)
	assert.Len(t, decisions, 1, "duplicate decision text should dedupe")
	assert.Contains(t, files, "internal/foo/bar.go")
}

func TestExtractCriticalInfoIsIdempotentOnOwnOutput(t *testing.T) {
	m := New(fixedCounter{})
	profile := DefaultModeProfile()
	original := []*model.Message{
		model.NewTextMessage(model.RoleAssistant, "We decided to adopt gRPC for transport.", time.Now()),
	}
	decisions1, _ := m.ExtractCriticalInfo(original, profile)

	asMessages := make([]*model.Message, len(decisions1))
	for i, d := range decisions1 {
		asMessages[i] = model.NewTextMessage(model.RoleAssistant, "We decided to "+d+".", time.Now())
	}
	decisions2, _ := m.ExtractCriticalInfo(asMessages, profile)
	assert.Equal(t, decisions1, decisions2)
}

func TestCompressOldCheckpointsAgesByDistance(t *testing.T) {
	m := New(fixedCounter{})
	mkCheckpoint := func(num int64) *model.Checkpoint {
		return &model.Checkpoint{
			Tier:              model.TierRich,
			CompressionNumber: num,
			Summary:           model.NewTextMessage(model.RoleAssistant, "line one\nline two\nline three\nline four\nline five\nline six", time.Now()),
			KeyDecisions:      []string{"d1", "d2", "d3", "d4"},
			CurrentTokens:     100,
		}
	}
	old := mkCheckpoint(0)   // age 6 -> level 1
	mid := mkCheckpoint(3)   // age 3 -> level 2
	recent := mkCheckpoint(5) // age 1 -> unchanged

	checkpoints := []*model.Checkpoint{old, mid, recent}
	m.CompressOldCheckpoints(checkpoints, 6)

	assert.Equal(t, model.TierCompact, old.Tier)
	assert.Equal(t, model.TierModerate, mid.Tier)
	assert.Equal(t, model.TierRich, recent.Tier)
	assert.Less(t, old.CurrentTokens, 100)
}
