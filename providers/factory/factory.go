package factory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/PipeOpsHQ/agentcrew/llm"
	geminiprov "github.com/PipeOpsHQ/agentcrew/providers/gemini"
	openaiprov "github.com/PipeOpsHQ/agentcrew/providers/openai"
	scriptedprov "github.com/PipeOpsHQ/agentcrew/providers/scripted"
)

// FromEnv builds the provider selected by AGENT_PROVIDER.
func FromEnv(ctx context.Context) (llm.Provider, error) {
	provider := strings.ToLower(strings.TrimSpace(getenv("AGENT_PROVIDER", "gemini")))
	switch provider {
	case "openai":
		key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when AGENT_PROVIDER=openai")
		}
		model := getenv("OPENAI_MODEL", "gpt-4o-mini")
		baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))

		opts := []openaiprov.Option{openaiprov.WithModel(model)}
		if baseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(baseURL))
		}
		return openaiprov.New(key, opts...)

	case "gemini":
		key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
		if key == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when AGENT_PROVIDER=gemini")
		}
		model := getenv("GEMINI_MODEL", "gemini-2.5-flash")
		return geminiprov.New(ctx, key, geminiprov.WithModel(model))

	case "ollama":
		model := getenv("OLLAMA_MODEL", "llama3.1:8b")
		baseURL := getenv("OLLAMA_BASE_URL", "http://127.0.0.1:11434")
		apiKey := strings.TrimSpace(os.Getenv("OLLAMA_API_KEY"))
		return openaiprov.New(apiKey,
			openaiprov.WithName("ollama"),
			openaiprov.WithModel(model),
			openaiprov.WithBaseURL(baseURL),
		)

	case "scripted":
		path := strings.TrimSpace(os.Getenv("AGENT_SCRIPT_FILE"))
		if path == "" {
			return nil, fmt.Errorf("AGENT_SCRIPT_FILE is required when AGENT_PROVIDER=scripted")
		}
		return scriptedprov.LoadFile(path)
	}

	return nil, fmt.Errorf("unsupported AGENT_PROVIDER %q (use gemini, openai, ollama, or scripted)", provider)
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}
