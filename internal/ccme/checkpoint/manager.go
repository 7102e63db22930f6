// Package checkpoint implements the Checkpoint Manager (C6): owns
// never-compressed sections, task definitions, and architecture
// decisions, merges and ages checkpoint summaries.
//
// Grounded on the source platform's internal/llm/compression.RetentionPolicy
// (a declarative, priority-ordered rule list matched against a message
// and its position) for extract_critical_info's rule shape, and on the
// same package's CompressionRecord/token bookkeeping style for aging.
// The source has no regex-based decision/file harvester; the rule
// functions here are new code written in RetentionRule's declarative
// idiom rather than ported from any single source function.
package checkpoint

import (
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ccme-project/ccme/internal/ccme/ccmeerr"
	"github.com/ccme-project/ccme/internal/ccme/model"
)

const (
	maxMergedDecisions = 10
	maxMergedFiles     = 20
	maxExtractedDecisions = 5
	maxExtractedFiles     = 10

	ageLevel1Compressions = 6
	ageLevel2Compressions = 3
)

// ExtractionRule harvests either a key decision or a file reference from
// a message's text, mirroring RetentionRule's Match-then-Action shape.
type ExtractionRule struct {
	Pattern *regexp.Regexp
	Kind    ExtractionKind
}

// ExtractionKind tags what an ExtractionRule harvests.
type ExtractionKind string

const (
	ExtractDecision ExtractionKind = "decision"
	ExtractFile     ExtractionKind = "file"
)

// ModeProfile bundles the extraction rules active for a mode (SPEC_FULL
// §4.5's "mode profile").
type ModeProfile struct {
	Name  string
	Rules []ExtractionRule
}

// DefaultModeProfile is a reasonable general-purpose rule set: decision
// markers ("decided to", "we will", "agreed on") and file paths
// referenced in backticks or as bare relative paths.
func DefaultModeProfile() ModeProfile {
	return ModeProfile{
		Name: "default",
		Rules: []ExtractionRule{
			{Pattern: regexp.MustCompile(`(?i)\b(?:decided to|we will|agreed (?:to|on)|going with)\s+(.+?)[.\n]`), Kind: ExtractDecision},
			{Pattern: regexp.MustCompile("`([\\w./-]+\\.[A-Za-z0-9]+)`"), Kind: ExtractFile},
			{Pattern: regexp.MustCompile(`\b([\w./-]+/[\w./-]+\.[A-Za-z0-9]+)\b`), Kind: ExtractFile},
		},
	}
}

// Manager owns never-compressed state for one session's context.
type Manager struct {
	counter TokenCounter
}

// TokenCounter is the subset of tokencount.Counter the manager needs.
type TokenCounter interface {
	CountText(text string) int
}

// New constructs a Manager.
func New(counter TokenCounter) *Manager {
	return &Manager{counter: counter}
}

// PreserveNeverCompressed serializes the task definition, architecture
// decisions, and explicit never-compressed entries into a canonical,
// ordered form: task definition first, then architecture decisions in
// recorded order, then pinned sections in recorded order.
func (m *Manager) PreserveNeverCompressed(ctx *model.ConversationContext) []*model.NeverCompressedSection {
	var out []*model.NeverCompressedSection
	if ctx.TaskDefinition != nil {
		out = append(out, ctx.TaskDefinition.Clone())
	}
	for _, s := range ctx.ArchitectureDecisions {
		out = append(out, s.Clone())
	}
	for _, s := range ctx.NeverCompressed {
		out = append(out, s.Clone())
	}
	return out
}

// ReconstructNeverCompressed rehydrates preserved sections back into
// system messages at the sequence head, in the order they were
// preserved.
func (m *Manager) ReconstructNeverCompressed(sections []*model.NeverCompressedSection, ts time.Time) []*model.Message {
	out := make([]*model.Message, 0, len(sections))
	for i, s := range sections {
		msg := model.NewTextMessage(model.RoleSystem, s.Content, ts.Add(time.Duration(i)*time.Nanosecond))
		out = append(out, msg)
	}
	return out
}

// MergeCheckpoints concatenates summary content, unions key-decision and
// file lists (capped, insertion order preserved), sums token counts,
// takes the min (most-lossy) of the two tiers, and assigns a new id.
// old must be exactly two checkpoints covering a contiguous range: the
// message Seq old[0] last covers must immediately precede the Seq
// old[1] first covers. Message ids cannot express this — a compression
// pass always drops the messages it compresses, so no later
// checkpoint's covered range can ever share a boundary id with an
// earlier one's.
func (m *Manager) MergeCheckpoints(old []*model.Checkpoint, ts time.Time) (*model.Checkpoint, error) {
	if len(old) != 2 {
		return nil, ccmeerr.New(ccmeerr.KindInvalidConfig, "merge requires exactly two checkpoints")
	}
	if old[0].RangeEndSeq == 0 || old[0].RangeEndSeq+1 != old[1].RangeStartSeq {
		return nil, ccmeerr.ErrNoContiguousPair
	}

	mergedTier := old[0].Tier
	if old[1].Tier < mergedTier {
		mergedTier = old[1].Tier
	}

	var content string
	if old[0].Summary != nil {
		content += old[0].Summary.Text()
	}
	if old[1].Summary != nil {
		if content != "" {
			content += "\n\n"
		}
		content += old[1].Summary.Text()
	}

	decisions := unionCapped(old[0].KeyDecisions, old[1].KeyDecisions, maxMergedDecisions)
	files := unionCapped(old[0].FileReferences, old[1].FileReferences, maxMergedFiles)

	summary := model.NewTextMessage(model.RoleAssistant, content, ts)
	if m.counter != nil {
		summary.TokenCount = m.counter.CountText(content)
	}

	merged := &model.Checkpoint{
		ID:                uuid.NewString(),
		Tier:              mergedTier,
		RangeStartID:      old[0].RangeStartID,
		RangeEndID:        old[1].RangeEndID,
		RangeStartSeq:     old[0].RangeStartSeq,
		RangeEndSeq:       old[1].RangeEndSeq,
		Summary:           summary,
		CreatedAt:         old[0].CreatedAt,
		LastCompressedAt:  ts,
		OriginalTokens:    old[0].OriginalTokens + old[1].OriginalTokens,
		CurrentTokens:     summary.TokenCount,
		CompressionCount:  old[0].CompressionCount + old[1].CompressionCount + 1,
		CompressionNumber: maxInt64(old[0].CompressionNumber, old[1].CompressionNumber),
		KeyDecisions:      decisions,
		FileReferences:    files,
	}
	return merged, nil
}

// ExtractCriticalInfo applies modeProfile's regex rules to messages,
// harvesting and deduplicating key decisions and file references,
// capped per SPEC_FULL §4.5. It is idempotent: calling it again on its
// own output (as text) yields the same set, since dedup is keyed by the
// harvested string itself.
func (m *Manager) ExtractCriticalInfo(messages []*model.Message, profile ModeProfile) (decisions []string, files []string) {
	seenDecisions := make(map[string]bool)
	seenFiles := make(map[string]bool)

	for _, msg := range messages {
		text := msg.Text()
		for _, rule := range profile.Rules {
			matches := rule.Pattern.FindAllStringSubmatch(text, -1)
			for _, match := range matches {
				if len(match) < 2 {
					continue
				}
				value := match[1]
				switch rule.Kind {
				case ExtractDecision:
					if !seenDecisions[value] && len(decisions) < maxExtractedDecisions {
						seenDecisions[value] = true
						decisions = append(decisions, value)
					}
				case ExtractFile:
					if !seenFiles[value] && len(files) < maxExtractedFiles {
						seenFiles[value] = true
						files = append(files, value)
					}
				}
			}
		}
	}
	return decisions, files
}

// CompressOldCheckpoints ages checkpoints by compression distance from
// the current compression number: age >= 6 -> level 1 (compact one-line
// summary), age >= 3 -> level 2 (moderate: first 5 lines plus top-3 key
// decisions), otherwise unchanged. Summary token counts are recomputed
// after aging. Aging only ever moves a tier down (3->2->1), never up.
func (m *Manager) CompressOldCheckpoints(checkpoints []*model.Checkpoint, currentCompressionNumber int64) {
	for _, ck := range checkpoints {
		age := currentCompressionNumber - ck.CompressionNumber
		target := ck.Tier
		switch {
		case age >= ageLevel1Compressions:
			target = model.TierCompact
		case age >= ageLevel2Compressions:
			if ck.Tier > model.TierModerate {
				target = model.TierModerate
			}
		}
		if target >= ck.Tier {
			continue
		}
		m.ageCheckpointTo(ck, target)
	}
}

func (m *Manager) ageCheckpointTo(ck *model.Checkpoint, target model.Tier) {
	if ck.Summary == nil {
		ck.Tier = target
		return
	}
	original := ck.Summary.Text()
	var reduced string
	switch target {
	case model.TierCompact:
		reduced = firstLine(original)
	case model.TierModerate:
		lines := firstNLines(original, 5)
		reduced = lines
		if len(ck.KeyDecisions) > 0 {
			top := ck.KeyDecisions
			if len(top) > 3 {
				top = top[:3]
			}
			reduced += "\nKey decisions: " + joinStrings(top, "; ")
		}
	default:
		reduced = original
	}

	ck.Summary = model.NewTextMessage(ck.Summary.Role, reduced, ck.Summary.Timestamp)
	if m.counter != nil {
		ck.Summary.TokenCount = m.counter.CountText(reduced)
	}
	ck.Tier = target
	ck.CurrentTokens = ck.Summary.TokenCount
	ck.CompressionCount++
}

func unionCapped(a, b []string, maxLen int) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, maxLen)
	for _, s := range append(append([]string{}, a...), b...) {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) >= maxLen {
			break
		}
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func firstNLines(s string, n int) string {
	lines := splitLines(s)
	if len(lines) > n {
		lines = lines[:n]
	}
	return joinStrings(lines, "\n")
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func joinStrings(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

// SortCheckpointsByCreation is used by the Compression Coordinator to
// find the oldest contiguous pair before calling MergeCheckpoints.
func SortCheckpointsByCreation(checkpoints []*model.Checkpoint) {
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.Before(checkpoints[j].CreatedAt)
	})
}
