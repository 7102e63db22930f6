package providers

import "context"

// probeTool is a minimal, inert tool schema used only to see whether
// the model attempts to call it.
var probeTool = ToolSchema{
	Name:        "noop",
	Description: "Acknowledge receipt. Call this tool with no arguments.",
	Parameters: map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	},
}

// ToolDetector adapts a Provider into toolsupport.AutoDetector by
// sending a single inert tool schema and checking whether the model's
// response comes back as a tool call.
type ToolDetector struct {
	provider Provider
}

// NewToolDetector wraps provider for tool-support probes.
func NewToolDetector(provider Provider) *ToolDetector {
	return &ToolDetector{provider: provider}
}

// ProbeToolSupport satisfies toolsupport.AutoDetector.
func (d *ToolDetector) ProbeToolSupport(ctx context.Context, modelID string) (bool, error) {
	resp, err := d.provider.Generate(ctx, &Request{
		Model:     modelID,
		MaxTokens: 64,
		Tools:     []ToolSchema{probeTool},
		Messages: []Message{
			{Role: "user", Content: "Call the noop tool now."},
		},
	})
	if err != nil {
		return false, err
	}
	return len(resp.ToolCalls) > 0, nil
}
