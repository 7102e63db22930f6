package providers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccme-project/ccme/internal/logging"
)

type fakeBedrockClient struct {
	respBody []byte
	err      error
	lastReq  *bedrockruntime.InvokeModelInput
}

func (f *fakeBedrockClient) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.lastReq = params
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: f.respBody}, nil
}

func newTestBedrockProvider(client bedrockClient) *BedrockProvider {
	return &BedrockProvider{
		cfg:    BedrockConfig{ModelID: "anthropic.claude-3-5-haiku-20241022-v1:0"},
		client: client,
		log:    logging.NewLoggerWithName("test"),
	}
}

func TestBedrockGenerateParsesTextAndToolUseBlocks(t *testing.T) {
	body, err := json.Marshal(map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": "hello "},
			{"type": "tool_use", "id": "tc1", "name": "noop", "input": map[string]interface{}{}},
		},
		"stop_reason": "end_turn",
		"usage":       map[string]int{"input_tokens": 10, "output_tokens": 3},
	})
	require.NoError(t, err)

	client := &fakeBedrockClient{respBody: body}
	bp := newTestBedrockProvider(client)

	resp, err := bp.Generate(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello ", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "noop", resp.ToolCalls[0].Name)
	assert.Equal(t, 13, resp.Usage.TotalTokens)

	require.NotNil(t, client.lastReq)
	assert.Equal(t, "anthropic.claude-3-5-haiku-20241022-v1:0", *client.lastReq.ModelId)
}

func TestBedrockBuildRequestSeparatesSystemMessage(t *testing.T) {
	bp := newTestBedrockProvider(&fakeBedrockClient{})
	body, err := bp.buildRequest(&Request{
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)

	var req claudeRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, defaultMaxTokens, req.MaxTokens)
}

func TestBedrockBuildRequestMarksLastToolCacheableWhenEnabled(t *testing.T) {
	bp := newTestBedrockProvider(&fakeBedrockClient{})
	bp.cfg.CacheToolDefinitions = true

	body, err := bp.buildRequest(&Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Tools: []ToolSchema{
			{Name: "first", Parameters: map[string]interface{}{}},
			{Name: "second", Parameters: map[string]interface{}{}},
		},
	})
	require.NoError(t, err)

	var req claudeRequest
	require.NoError(t, json.Unmarshal(body, &req))
	require.Len(t, req.Tools, 2)
	assert.Nil(t, req.Tools[0].CacheControl)
	require.NotNil(t, req.Tools[1].CacheControl)
	assert.Equal(t, "ephemeral", req.Tools[1].CacheControl.Type)
}

func TestBedrockGenerateReturnsUnavailableAfterClose(t *testing.T) {
	bp := newTestBedrockProvider(&fakeBedrockClient{})
	require.NoError(t, bp.Close())

	_, err := bp.Generate(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
