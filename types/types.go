package types

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
}

// Request is a single model invocation. ResponseSchema, when set, asks the
// provider for JSON output conforming to it. Prompt names the prompt type
// the request was rendered from.
type Request struct {
	Prompt          string         `json:"prompt,omitempty"`
	Model           string         `json:"model,omitempty"`
	SystemPrompt    string         `json:"systemPrompt,omitempty"`
	Messages        []Message      `json:"messages"`
	MaxOutputTokens int            `json:"maxOutputTokens,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	ResponseSchema  map[string]any `json:"responseSchema,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

type Response struct {
	Message      Message `json:"message"`
	Usage        *Usage  `json:"usage,omitempty"`
	FinishReason string  `json:"finishReason,omitempty"`
}

// Ptr returns a pointer to v. Patch fields use nil for "keep current".
func Ptr[T any](v T) *T {
	return &v
}
