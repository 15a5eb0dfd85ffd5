package agent

import (
	"sort"
	"strings"
)

const (
	// DefaultMaxInputTokens keeps rendered prompt variables comfortably inside
	// common model context windows.
	DefaultMaxInputTokens = 25000

	// charsPerToken is an approximate ratio for token estimation.
	charsPerToken = 4

	truncatedMarker = "\n[truncated]"
)

// ContextManager trims prompt variables so a request stays under a token
// budget.
type ContextManager struct {
	maxInputTokens int
}

// NewContextManager creates a ContextManager with the specified token limit.
// If maxTokens is <= 0, DefaultMaxInputTokens is used.
func NewContextManager(maxTokens int) *ContextManager {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxInputTokens
	}
	return &ContextManager{maxInputTokens: maxTokens}
}

func (cm *ContextManager) MaxInputTokens() int {
	return cm.maxInputTokens
}

// EstimateTokens provides a rough token count for a string.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateVarsTokens estimates the tokens of all variable values.
func EstimateVarsTokens(vars map[string]string) int {
	total := 0
	for _, v := range vars {
		total += EstimateTokens(v)
	}
	return total
}

// Fit returns a copy of vars whose total estimate fits the budget. The
// largest values not listed in keep are cut first. Values in keep are never
// shortened, so the result can still exceed the budget.
func (cm *ContextManager) Fit(vars map[string]string, keep ...string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	over := EstimateVarsTokens(out) - cm.maxInputTokens
	if over <= 0 {
		return out
	}

	pinned := make(map[string]bool, len(keep))
	for _, k := range keep {
		pinned[k] = true
	}
	var names []string
	for k := range out {
		if !pinned[k] {
			names = append(names, k)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if len(out[names[i]]) != len(out[names[j]]) {
			return len(out[names[i]]) > len(out[names[j]])
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		if over <= 0 {
			break
		}
		value := out[name]
		cut := over*charsPerToken + len(truncatedMarker)
		if cut >= len(value) {
			over -= EstimateTokens(value)
			out[name] = ""
			continue
		}
		trimmed := truncate(value, len(value)-cut) + truncatedMarker
		over -= EstimateTokens(value) - EstimateTokens(trimmed)
		out[name] = trimmed
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	return strings.ToValidUTF8(s[:n], "")
}
