package gemini

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/PipeOpsHQ/agentcrew/llm"
	"github.com/PipeOpsHQ/agentcrew/resilience"
	"github.com/PipeOpsHQ/agentcrew/types"
)

const defaultModel = "gemini-2.5-flash"

type Client struct {
	client *genai.Client
	model  string
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	c := &Client{model: defaultModel}
	for _, opt := range opts {
		opt(c)
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	c.client = gc
	return c, nil
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming:        false,
		StructuredOutput: true,
	}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, toGeminiContents(req.Messages), buildConfig(req))
	if err != nil {
		return types.Response{}, classify(err)
	}
	return parseGeminiResponse(resp)
}

func buildConfig(req types.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = clampInt32(req.MaxOutputTokens)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.ResponseSchema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseJsonSchema = req.ResponseSchema
	}
	return config
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case strings.Contains(strings.ToLower(apiErr.Message), "token count") ||
			strings.Contains(strings.ToLower(apiErr.Message), "too large"):
			return fmt.Errorf("%w: gemini: %w", resilience.ErrContextTooLarge, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code == http.StatusRequestTimeout:
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return resilience.Permanent(fmt.Errorf("gemini generation failed: %w", err))
		}
	}
	return fmt.Errorf("gemini generation failed: %w", err)
}

func parseGeminiResponse(resp *genai.GenerateContentResponse) (types.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		reason := "no candidates"
		if resp != nil && resp.PromptFeedback != nil && strings.TrimSpace(resp.PromptFeedback.BlockReasonMessage) != "" {
			reason = "blocked: " + strings.TrimSpace(resp.PromptFeedback.BlockReasonMessage)
		}
		return types.Response{}, fmt.Errorf("gemini returned %s", reason)
	}

	candidate := resp.Candidates[0]
	out := types.Message{Role: types.RoleAssistant}
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		out.Content += part.Text
	}
	out.Content = strings.TrimSpace(out.Content)

	var usage *types.Usage
	if resp.UsageMetadata != nil {
		usage = &types.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return types.Response{Message: out, Usage: usage, FinishReason: string(candidate.FinishReason)}, nil
}

func clampInt32(v int) int32 {
	if v <= 0 {
		return 0
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

func toGeminiContents(messages []types.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case types.RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case types.RoleAssistant:
			if m.Content != "" {
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			}
		}
	}
	return contents
}
