package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/ccme-project/ccme/internal/logging"
)

// bedrockClient is the subset of bedrockruntime.Client this adapter
// calls, narrowed so tests can substitute a fake.
type bedrockClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region                  string
	ModelID                 string
	AccessKeyID             string
	SecretAccessKey         string
	SessionToken            string
	CrossRegionInferenceARN string

	// CacheToolDefinitions marks the tool schema block as an Anthropic
	// ephemeral prompt cache checkpoint. The tool-support probe sends the
	// same tool schema on every call within a session, so caching it is
	// worth the one cache-write cost. Requests without tools, such as
	// summarization, carry no cache checkpoint.
	CacheToolDefinitions bool
}

// CacheControl marks an Anthropic Messages API content block as a
// prompt-cache checkpoint. Only "ephemeral" is defined today.
type CacheControl struct {
	Type string `json:"type"`
}

// BedrockProvider adapts AWS Bedrock's Anthropic Claude models to
// Provider. Trimmed from the source platform's general-purpose Bedrock
// client to the Claude request/response transcoder only — this engine
// only ever asks a model to summarize or probe tool support, never the
// Titan/Jurassic/Command/Llama families the teacher also carried.
type BedrockProvider struct {
	cfg    BedrockConfig
	client bedrockClient
	closed bool
	log    *logging.Logger
}

// claudeRequest is the Anthropic Messages API request shape Bedrock
// expects in InvokeModel's body for an anthropic.claude-* model id.
type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	Messages         []claudeMessage `json:"messages"`
	System           string          `json:"system,omitempty"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature,omitempty"`
	Tools            []claudeTool    `json:"tools,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeTool struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	InputSchema  map[string]interface{} `json:"input_schema"`
	CacheControl *CacheControl          `json:"cache_control,omitempty"`
}

type claudeResponse struct {
	Content    []claudeContentBlock `json:"content"`
	StopReason string               `json:"stop_reason"`
	Usage      claudeUsage          `json:"usage"`
}

type claudeContentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

const defaultMaxTokens = 4096

// NewBedrockProvider loads AWS credentials (explicit, if cfg carries
// them, else the default provider chain) and constructs a client bound
// to cfg.Region.
func NewBedrockProvider(cfg BedrockConfig) (*BedrockProvider, error) {
	ctx := context.Background()
	region := cfg.Region
	if region == "" {
		region = bedrockRegionFromEnv()
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
			),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return &BedrockProvider{
		cfg:    cfg,
		client: bedrockruntime.NewFromConfig(awsCfg),
		log:    logging.NewLoggerWithName("providers.bedrock"),
	}, nil
}

func bedrockRegionFromEnv() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	if r := os.Getenv("AWS_DEFAULT_REGION"); r != "" {
		return r
	}
	return "us-east-1"
}

func (bp *BedrockProvider) modelID() string {
	if bp.cfg.CrossRegionInferenceARN != "" {
		return bp.cfg.CrossRegionInferenceARN
	}
	return bp.cfg.ModelID
}

// Generate invokes the configured Claude model once and returns its
// completion.
func (bp *BedrockProvider) Generate(ctx context.Context, request *Request) (*Response, error) {
	if bp.closed {
		return nil, ErrProviderUnavailable
	}
	start := time.Now()

	body, err := bp.buildRequest(request)
	if err != nil {
		return nil, err
	}

	out, err := bp.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(bp.modelID()),
		Body:        body,
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, bp.classifyError(err)
	}

	return bp.parseResponse(out.Body, start)
}

func (bp *BedrockProvider) buildRequest(request *Request) ([]byte, error) {
	maxTokens := request.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	req := claudeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Temperature:      request.Temperature,
	}

	for _, m := range request.Messages {
		if m.Role == "system" {
			req.System = m.Content
			continue
		}
		req.Messages = append(req.Messages, claudeMessage{Role: m.Role, Content: m.Content})
	}

	for _, t := range request.Tools {
		req.Tools = append(req.Tools, claudeTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	if bp.cfg.CacheToolDefinitions && len(req.Tools) > 0 {
		req.Tools[len(req.Tools)-1].CacheControl = &CacheControl{Type: "ephemeral"}
	}

	return json.Marshal(req)
}

func (bp *BedrockProvider) parseResponse(body []byte, start time.Time) (*Response, error) {
	var cr claudeResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("failed to parse Claude response: %w", err)
	}

	resp := &Response{
		FinishReason: cr.StopReason,
		Usage: Usage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
			TotalTokens:      cr.Usage.InputTokens + cr.Usage.OutputTokens,
		},
		ProcessingTime: time.Since(start),
	}
	for _, block := range cr.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}
	return resp, nil
}

// classifyError maps AWS SDK errors to Provider's sentinel set,
// mirroring internal/llm/bedrock_provider.go's handleBedrockError.
func (bp *BedrockProvider) classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceQuotaExceededException":
			return ErrRateLimited
		case "ValidationException":
			return ErrInvalidRequest
		default:
			return fmt.Errorf("bedrock API error: %s: %w", apiErr.ErrorCode(), err)
		}
	}
	return err
}

func (bp *BedrockProvider) IsAvailable() bool { return !bp.closed && bp.client != nil }

func (bp *BedrockProvider) Close() error {
	bp.closed = true
	bp.log.Info("bedrock provider closed")
	return nil
}
