package guardrail

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"
)

const DefaultMaxRequestLength = 20000

// MaxLength blocks text exceeding a character limit.
type MaxLength struct {
	Limit  int
	Action Action // defaults to ActionBlock
}

func (g *MaxLength) Name() string { return "max_length" }

func (g *MaxLength) Check(_ context.Context, text string) (Result, error) {
	if g.Limit <= 0 || utf8.RuneCountInString(text) <= g.Limit {
		return PassResult(g.Name()), nil
	}
	action := g.Action
	if action == "" {
		action = ActionBlock
	}
	return Result{Triggered: true, Action: action, Name: g.Name(), Message: "text exceeds maximum length"}, nil
}

// PromptInjection blocks requests that try to override the crew's
// instructions.
type PromptInjection struct{}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|above)\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?previous`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(your\s+)?instructions`),
	regexp.MustCompile(`(?i)new\s+instructions?\s*:`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)override\s+(all\s+)?safety`),
	regexp.MustCompile(`(?i)bypass\s+(all\s+)?(restrictions|policies|guardrails)`),
	regexp.MustCompile(`(?i)jailbreak`),
}

func (*PromptInjection) Name() string { return "prompt_injection" }

func (g *PromptInjection) Check(_ context.Context, text string) (Result, error) {
	for _, pat := range injectionPatterns {
		if pat.MatchString(text) {
			return BlockResult(g.Name(), "potential prompt injection detected"), nil
		}
	}
	return PassResult(g.Name()), nil
}

// SecretGuard detects credentials.
type SecretGuard struct {
	// Patterns to detect. If empty, uses a default set.
	Patterns []SecretPattern
	Action   Action // defaults to ActionRedact
}

type SecretPattern struct {
	Name    string
	Pattern *regexp.Regexp
}

var defaultSecretPatterns = []SecretPattern{
	{"AWS Key", regexp.MustCompile(`(AKIA|ABIA|ACCA|ASIA)[0-9A-Z]{16}`)},
	{"GitHub Token", regexp.MustCompile(`(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9_]{36,255}`)},
	{"Private Key", regexp.MustCompile(`-----BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP|ENCRYPTED)?\s*PRIVATE KEY-----`)},
	{"JWT", regexp.MustCompile(`eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`)},
	{"Connection String", regexp.MustCompile(`(?i)(mongodb(\+srv)?|postgres(ql)?|mysql|redis|amqp):\/\/[^:/?#\s]+:[^@/?#\s]+@`)},
	{"Generic Secret", regexp.MustCompile(`(?i)(secret|token|auth[_\-]?token|api[_\-]?key|password)["']?\s*[=:]\s*["']([A-Za-z0-9\-_/+]{16,})["']`)},
}

func (g *SecretGuard) Name() string { return "secret_guard" }

func (g *SecretGuard) patterns() []SecretPattern {
	if len(g.Patterns) > 0 {
		return g.Patterns
	}
	return defaultSecretPatterns
}

func (g *SecretGuard) Check(_ context.Context, text string) (Result, error) {
	redacted := text
	var found []string
	for _, sp := range g.patterns() {
		if sp.Pattern.MatchString(redacted) {
			found = append(found, sp.Name)
			redacted = sp.Pattern.ReplaceAllString(redacted, "[SECRET_REDACTED]")
		}
	}
	if len(found) == 0 {
		return PassResult(g.Name()), nil
	}
	action := g.Action
	if action == "" {
		action = ActionRedact
	}
	res := Result{Triggered: true, Action: action, Name: g.Name(), Message: "secrets detected: " + strings.Join(found, ", ")}
	if action == ActionRedact {
		res.RedactedText = redacted
	}
	return res, nil
}

