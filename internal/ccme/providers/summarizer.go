package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/ccme-project/ccme/internal/ccme/model"
)

// summarizationPreamble instructs the model to answer in the fixed
// format compression.Coordinator's Summarizer contract expects (task,
// key decisions, files modified, outstanding questions).
const summarizationPreamble = `Summarize the following conversation for long-term context retention. Respond in exactly this format:

Task: <what is being worked on>
Key decisions: <bullet list>
Files modified: <bullet list, or "none">
Outstanding questions: <bullet list, or "none">

Conversation:
`

// Summarizer adapts a Provider into compression.Summarizer.
type Summarizer struct {
	provider Provider
	model    string
}

// NewSummarizer wraps provider for summarization calls against model.
func NewSummarizer(provider Provider, model string) *Summarizer {
	return &Summarizer{provider: provider, model: model}
}

// Summarize satisfies compression.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, messages []*model.Message, maxTokens int) (string, error) {
	var transcript strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Text())
	}

	resp, err := s.provider.Generate(ctx, &Request{
		Model:     s.model,
		MaxTokens: maxTokens,
		Messages: []Message{
			{Role: "user", Content: summarizationPreamble + transcript.String()},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
