package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/PipeOpsHQ/agentcrew/prompt"
	"github.com/PipeOpsHQ/agentcrew/resilience"
	"github.com/PipeOpsHQ/agentcrew/types"
)

// ErrMalformedOutput is returned when a model reply is not JSON matching the
// requested schema. It is retryable.
var ErrMalformedOutput = errors.New("llm: malformed output")

// Structured renders prompts, calls the provider and decodes validated JSON
// replies into Go values.
type Structured struct {
	provider Provider
	prompts  *prompt.Registry
	policy   resilience.RetryPolicy
	breakers *resilience.Breakers
	model    string
	logger   logr.Logger

	mu      sync.Mutex
	schemas map[reflect.Type]compiledSchema
}

type compiledSchema struct {
	raw    map[string]any
	loader gojsonschema.JSONLoader
}

type StructuredOption func(*Structured)

func WithRetryPolicy(policy resilience.RetryPolicy) StructuredOption {
	return func(s *Structured) { s.policy = policy }
}

func WithBreakers(breakers *resilience.Breakers) StructuredOption {
	return func(s *Structured) {
		if breakers != nil {
			s.breakers = breakers
		}
	}
}

func WithModel(model string) StructuredOption {
	return func(s *Structured) { s.model = strings.TrimSpace(model) }
}

func WithLogger(logger logr.Logger) StructuredOption {
	return func(s *Structured) { s.logger = logger }
}

func NewStructured(provider Provider, prompts *prompt.Registry, opts ...StructuredOption) (*Structured, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if prompts == nil {
		prompts = prompt.NewBuiltinRegistry()
	}
	s := &Structured{
		provider: provider,
		prompts:  prompts,
		policy:   resilience.DefaultRetryPolicy(),
		logger:   logr.Discard(),
		schemas:  map[reflect.Type]compiledSchema{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breakers == nil {
		s.breakers = resilience.NewBreakers(resilience.BreakerSettings{}, s.logger)
	}
	return s, nil
}

func (s *Structured) Provider() Provider {
	return s.provider
}

// Invoke renders promptType with vars and decodes the model's JSON reply into
// out, which must be a non-nil pointer. Calls are retried and guarded by a
// circuit breaker named after the prompt type.
func (s *Structured) Invoke(ctx context.Context, promptType string, vars map[string]string, out any) error {
	spec, ok := s.prompts.Resolve(promptType)
	if !ok {
		return resilience.Permanent(fmt.Errorf("unknown prompt type %q", promptType))
	}
	system, user, err := spec.Build(vars)
	if err != nil {
		return resilience.Permanent(err)
	}
	schema, err := s.schemaFor(out)
	if err != nil {
		return resilience.Permanent(err)
	}

	req := types.Request{
		Prompt:          spec.Name,
		Model:           s.model,
		SystemPrompt:    system,
		Messages:        []types.Message{{Role: types.RoleUser, Content: user}},
		MaxOutputTokens: spec.MaxOutputTokens,
		ResponseSchema:  schema.raw,
	}

	content, err := resilience.Retry(ctx, s.retryPolicy(promptType), func(ctx context.Context) (string, error) {
		return resilience.Call(ctx, s.breakers, promptType, func(ctx context.Context) (string, error) {
			resp, err := s.provider.Generate(ctx, req)
			if err != nil {
				return "", err
			}
			content := ExtractJSON(resp.Message.Content)
			if err := validate(schema.loader, content); err != nil {
				return "", err
			}
			return content, nil
		})
	})
	if err != nil {
		return fmt.Errorf("%s via %s: %w", promptType, s.provider.Name(), err)
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedOutput, promptType, err)
	}
	return nil
}

func (s *Structured) retryPolicy(promptType string) resilience.RetryPolicy {
	policy := s.policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.V(1).Info("retrying model call", "prompt", promptType, "attempt", attempt, "delay", delay.String(), "error", err.Error())
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
	}
	return policy
}

func (s *Structured) schemaFor(out any) (compiledSchema, error) {
	t := reflect.TypeOf(out)
	if t == nil || t.Kind() != reflect.Pointer {
		return compiledSchema{}, fmt.Errorf("output target must be a non-nil pointer, got %T", out)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.schemas[t]; ok {
		return cached, nil
	}

	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	raw, err := json.Marshal(reflector.ReflectFromType(t.Elem()))
	if err != nil {
		return compiledSchema{}, fmt.Errorf("failed to marshal output schema: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return compiledSchema{}, fmt.Errorf("failed to decode output schema: %w", err)
	}
	delete(doc, "$schema")
	delete(doc, "$id")

	compiled := compiledSchema{raw: doc, loader: gojsonschema.NewGoLoader(doc)}
	s.schemas[t] = compiled
	return compiled, nil
}

func validate(schema gojsonschema.JSONLoader, content string) error {
	if content == "" {
		return fmt.Errorf("%w: empty reply", ErrMalformedOutput)
	}
	result, err := gojsonschema.Validate(schema, gojsonschema.NewStringLoader(content))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return fmt.Errorf("%w: %s", ErrMalformedOutput, strings.Join(problems, "; "))
}

// ExtractJSON strips markdown code fences and leading prose around the first
// JSON object or array in s.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	if s == "" || s[0] == '{' || s[0] == '[' {
		return s
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return s[start:]
	}
	return s[start : end+1]
}
