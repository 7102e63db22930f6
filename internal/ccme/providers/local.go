package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ccme-project/ccme/internal/logging"
)

// LocalConfig configures a LocalProvider against a llama.cpp server's
// OpenAI-compatible HTTP endpoint.
type LocalConfig struct {
	ServerHost    string
	ServerPort    int
	ServerTimeout time.Duration
	Model         string
}

func (c LocalConfig) baseURL() string {
	return fmt.Sprintf("http://%s:%d", c.ServerHost, c.ServerPort)
}

// LocalProvider adapts a local llama.cpp server's chat-completions
// endpoint to Provider. Grounded on internal/llm/llamacpp_provider.go's
// config shape (host/port/timeout), reworked from that file's simulated
// response into a real HTTP round trip since this engine actually needs
// a working local summarization/tool-probe backend, not a placeholder.
type LocalProvider struct {
	cfg    LocalConfig
	client *http.Client
	closed bool
	log    *logging.Logger
}

// NewLocalProvider constructs a LocalProvider. cfg.ServerTimeout
// defaults to 60s when unset.
func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	timeout := cfg.ServerTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LocalProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    logging.NewLoggerWithName("providers.local"),
	}
}

type localChatRequest struct {
	Model       string              `json:"model"`
	Messages    []localChatMessage  `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	Tools       []localToolWrapper  `json:"tools,omitempty"`
}

type localChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localToolWrapper struct {
	Type     string            `json:"type"`
	Function localToolFunction `json:"function"`
}

type localToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type localChatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate posts an OpenAI-compatible chat-completions request to the
// configured llama.cpp server.
func (p *LocalProvider) Generate(ctx context.Context, request *Request) (*Response, error) {
	if p.closed {
		return nil, ErrProviderUnavailable
	}
	start := time.Now()

	body := localChatRequest{
		Model:       p.cfg.Model,
		MaxTokens:   request.MaxTokens,
		Temperature: request.Temperature,
	}
	for _, m := range request.Messages {
		body.Messages = append(body.Messages, localChatMessage{Role: m.Role, Content: m.Content})
	}
	for _, t := range request.Tools {
		body.Tools = append(body.Tools, localToolWrapper{
			Type:     "function",
			Function: localToolFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.baseURL()+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("local provider request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("local provider returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed localChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse local provider response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("local provider returned no choices")
	}

	choice := parsed.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		ProcessingTime: time.Since(start),
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		_ = json.Unmarshal(tc.Function.Arguments, &args)
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

// IsAvailable probes the server's /health endpoint.
func (p *LocalProvider) IsAvailable() bool {
	if p.closed {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.baseURL()+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *LocalProvider) Close() error {
	p.closed = true
	p.log.Info("local provider closed")
	return nil
}
