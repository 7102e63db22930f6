package model

import "time"

// CompressionHistoryEntry records one completed compression pass.
type CompressionHistoryEntry struct {
	Timestamp       time.Time
	RangeStartID    string
	RangeEndID      string
	TokensReclaimed int
}

// ContextMetadata is the non-message bookkeeping carried by a
// ConversationContext.
type ContextMetadata struct {
	ModelID             string
	ContextWindowTokens int
	CompressionHistory  []CompressionHistoryEntry
}

// ConversationContext is the working memory of one session: the system
// prompt, the live message sequence, checkpoints standing in for
// compressed history, and never-compressed sections. It is exclusively
// owned by its Context Manager; every other component receives access
// only through the manager's accessors.
type ConversationContext struct {
	SessionID string

	SystemPrompt *Message
	Messages     []*Message
	Checkpoints  []*Checkpoint

	NeverCompressed       []*NeverCompressedSection
	TaskDefinition        *NeverCompressedSection
	ArchitectureDecisions []*NeverCompressedSection

	Metadata ContextMetadata
}

// NewConversationContext builds an empty context for a session.
func NewConversationContext(sessionID, modelID string, contextWindowTokens int) *ConversationContext {
	return &ConversationContext{
		SessionID: sessionID,
		Metadata: ContextMetadata{
			ModelID:             modelID,
			ContextWindowTokens: contextWindowTokens,
		},
	}
}

// Clone returns a deep, independent copy suitable for handing to a
// concurrent reader (copy-on-read) or for serializing into a snapshot.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	cp := &ConversationContext{
		SessionID:    c.SessionID,
		SystemPrompt: c.SystemPrompt.Clone(),
		Metadata: ContextMetadata{
			ModelID:             c.Metadata.ModelID,
			ContextWindowTokens: c.Metadata.ContextWindowTokens,
			CompressionHistory:  append([]CompressionHistoryEntry(nil), c.Metadata.CompressionHistory...),
		},
		TaskDefinition: c.TaskDefinition.Clone(),
	}
	cp.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		cp.Messages[i] = m.Clone()
	}
	cp.Checkpoints = make([]*Checkpoint, len(c.Checkpoints))
	for i, ck := range c.Checkpoints {
		cp.Checkpoints[i] = ck.Clone()
	}
	cp.NeverCompressed = make([]*NeverCompressedSection, len(c.NeverCompressed))
	for i, s := range c.NeverCompressed {
		cp.NeverCompressed[i] = s.Clone()
	}
	cp.ArchitectureDecisions = make([]*NeverCompressedSection, len(c.ArchitectureDecisions))
	for i, s := range c.ArchitectureDecisions {
		cp.ArchitectureDecisions[i] = s.Clone()
	}
	return cp
}

// CurrentTokens sums the cached token count of every live message.
func (c *ConversationContext) CurrentTokens() int {
	total := 0
	for _, m := range c.Messages {
		total += m.TokenCount
	}
	return total
}

// ReservedTokens sums the system prompt, never-compressed sections
// (including the task definition and architecture decisions), and
// checkpoint summaries — the part of the budget that isn't the live
// message window.
func (c *ConversationContext) ReservedTokens() int {
	total := 0
	if c.SystemPrompt != nil {
		total += c.SystemPrompt.TokenCount
	}
	for _, ck := range c.Checkpoints {
		total += ck.CurrentTokens
	}
	for _, s := range c.NeverCompressed {
		total += s.TokenCount
	}
	if c.TaskDefinition != nil {
		total += c.TaskDefinition.TokenCount
	}
	for _, s := range c.ArchitectureDecisions {
		total += s.TokenCount
	}
	return total
}

// MessageByID finds a live message by id.
func (c *ConversationContext) MessageByID(id string) (*Message, int) {
	for i, m := range c.Messages {
		if m.ID == id {
			return m, i
		}
	}
	return nil, -1
}
