// Package model defines the CCME conversation data model: messages,
// conversation contexts, checkpoints, snapshots, VRAM telemetry, budgets,
// and tool-support overrides.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the role of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind tags the variant held by a ContentPart. Every consumer
// switches on Kind; there is no duck-typed access to the payload.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
	PartReasoning  PartKind = "reasoning"
)

// ContentPart is a tagged-sum unit of message content. Only the field(s)
// matching Kind are meaningful.
type ContentPart struct {
	Kind PartKind

	// Text holds the payload for PartText and PartReasoning.
	Text string

	// ToolCallID/ToolName/ToolArgs hold the payload for PartToolCall.
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any

	// ToolResultID/ToolOutput/ToolIsError hold the payload for
	// PartToolResult.
	ToolResultID string
	ToolOutput   string
	ToolIsError  bool
}

// Message is immutable once appended to a ConversationContext: edits
// replace the message by id, which invalidates its cached token count.
type Message struct {
	ID         string
	Role       Role
	Parts      []ContentPart
	Timestamp  time.Time
	TokenCount int

	// Seq is the message's position in its session's append order,
	// assigned by the Message Store and never reused or reassigned.
	// Checkpoints record the Seq of the first/last message they cover so
	// compression passes can tell whether two checkpoints' ranges are
	// actually adjacent, independent of which messages are still live.
	Seq int64
}

// NewMessage builds a message with a fresh id and the given timestamp.
// Callers appending to a context should use monotonic, non-decreasing
// timestamps.
func NewMessage(role Role, parts []ContentPart, ts time.Time) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Parts:     parts,
		Timestamp: ts,
	}
}

// NewTextMessage is a convenience constructor for the common single
// text-part case.
func NewTextMessage(role Role, text string, ts time.Time) *Message {
	return NewMessage(role, []ContentPart{{Kind: PartText, Text: text}}, ts)
}

// Clone returns a deep copy so callers can hand out immutable views
// without readers aliasing mutable state (copy-on-read, SPEC_FULL §9).
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Parts = make([]ContentPart, len(m.Parts))
	for i, p := range m.Parts {
		part := p
		if p.ToolArgs != nil {
			part.ToolArgs = make(map[string]any, len(p.ToolArgs))
			for k, v := range p.ToolArgs {
				part.ToolArgs[k] = v
			}
		}
		cp.Parts[i] = part
	}
	return &cp
}

// Text concatenates every PartText/PartReasoning segment, in order. It
// is the representation passed to a token counter and, by default, to a
// provider adapter.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		switch p.Kind {
		case PartText, PartReasoning:
			out += p.Text
		}
	}
	return out
}
