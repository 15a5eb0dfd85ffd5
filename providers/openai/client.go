package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PipeOpsHQ/agentcrew/llm"
	"github.com/PipeOpsHQ/agentcrew/resilience"
	"github.com/PipeOpsHQ/agentcrew/types"
)

const defaultModel = "gpt-4o-mini"

// Client talks to any OpenAI-compatible chat completions endpoint, which
// includes local Ollama servers.
type Client struct {
	name       string
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithName overrides the provider name reported in logs and errors.
func WithName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.name = name
		}
	}
}

// New builds a client. An empty apiKey is only accepted together with a
// custom base URL, since local servers usually run without auth.
func New(apiKey string, opts ...Option) (*Client, error) {
	c := &Client{
		name:    "openai",
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: "https://api.openai.com",
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" && c.baseURL == "https://api.openai.com" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	return c, nil
}

func (c *Client) Name() string { return c.name }

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

	payload := openAIRequest{
		Model:       model,
		Messages:    make([]openAIMessage, 0, len(req.Messages)+1),
		Temperature: req.Temperature,
	}
	if req.MaxOutputTokens > 0 {
		payload.MaxTokens = req.MaxOutputTokens
	}
	if req.ResponseSchema != nil {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	system := req.SystemPrompt
	if req.ResponseSchema != nil {
		schema, err := json.Marshal(req.ResponseSchema)
		if err != nil {
			return types.Response{}, resilience.Permanent(fmt.Errorf("failed to marshal response schema: %w", err))
		}
		system = strings.TrimSpace(system + "\n\nReply with a single JSON object matching this JSON schema:\n" + string(schema))
	}
	if system != "" {
		payload.Messages = append(payload.Messages, openAIMessage{Role: "system", Content: system})
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return types.Response{}, resilience.Permanent(fmt.Errorf("failed to marshal %s request: %w", c.name, err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return types.Response{}, resilience.Permanent(fmt.Errorf("failed to create %s request: %w", c.name, err))
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return types.Response{}, fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Response{}, fmt.Errorf("failed to read %s response: %w", c.name, err)
	}
	if resp.StatusCode >= 300 {
		return types.Response{}, classify(c.name, resp.StatusCode, body)
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return types.Response{}, fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	if len(apiResp.Choices) == 0 {
		return types.Response{}, fmt.Errorf("%s response had no choices", c.name)
	}

	choice := apiResp.Choices[0]
	var usage *types.Usage
	if apiResp.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:  apiResp.Usage.TotalTokens,
		}
	}
	return types.Response{
		Message:      types.Message{Role: types.RoleAssistant, Content: choice.Message.Content},
		Usage:        usage,
		FinishReason: choice.FinishReason,
	}, nil
}

// classify maps an HTTP failure onto the retry taxonomy: oversized prompts
// and client errors other than 408/429 are never retried.
func classify(name string, status int, body []byte) error {
	text := strings.TrimSpace(string(body))
	err := fmt.Errorf("%s API error (%d): %s", name, status, text)
	switch {
	case status == http.StatusRequestEntityTooLarge || strings.Contains(text, "context_length_exceeded"):
		return fmt.Errorf("%w: %w", resilience.ErrContextTooLarge, err)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return err
	case status >= 400 && status < 500:
		return resilience.Permanent(err)
	default:
		return err
	}
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
