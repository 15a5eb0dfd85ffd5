// Package guardrail screens text entering and leaving the crew.
//
// Request guardrails run on the build request before a run starts. Patch
// guardrails run on the lines a unified diff adds, before the diff touches
// the workspace. A guardrail can block, redact, or flag what it finds.
package guardrail

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// Action defines what happens when a guardrail triggers.
type Action string

const (
	// ActionBlock rejects the text entirely.
	ActionBlock Action = "block"
	// ActionWarn flags the issue but lets the text through.
	ActionWarn Action = "warn"
	// ActionRedact removes the offending content and continues.
	ActionRedact Action = "redact"
)

// Result is returned by a guardrail check.
type Result struct {
	Triggered    bool   `json:"triggered"`
	Action       Action `json:"action,omitempty"`
	Name         string `json:"name"`
	Message      string `json:"message,omitempty"`
	RedactedText string `json:"redactedText,omitempty"`
}

type Guard interface {
	Name() string
	Check(ctx context.Context, text string) (Result, error)
}

// Pipeline runs guardrails in order.
type Pipeline struct {
	guards []Guard
}

func New(guards ...Guard) *Pipeline {
	return &Pipeline{guards: guards}
}

func (p *Pipeline) Add(g Guard) *Pipeline {
	p.guards = append(p.guards, g)
	return p
}

func (p *Pipeline) Guards() []Guard { return p.guards }

// Check runs every guardrail. It stops at the first block, returning only
// that result. Redactions feed the next guardrail and the returned text.
func (p *Pipeline) Check(ctx context.Context, text string) (string, []Result, error) {
	var triggered []Result
	for _, g := range p.guards {
		res, err := g.Check(ctx, text)
		if err != nil {
			return "", nil, fmt.Errorf("guardrail %q failed: %w", g.Name(), err)
		}
		if !res.Triggered {
			continue
		}
		switch res.Action {
		case ActionBlock:
			return "", []Result{res}, nil
		case ActionRedact:
			if res.RedactedText != "" {
				text = res.RedactedText
			}
		}
		triggered = append(triggered, res)
	}
	return text, triggered, nil
}

// CheckDiff screens only the lines diff adds.
func (p *Pipeline) CheckDiff(ctx context.Context, diff string) ([]Result, error) {
	added := AddedLines(diff)
	if added == "" {
		return nil, nil
	}
	_, results, err := p.Check(ctx, added)
	return results, err
}

// AddedLines returns the content of the "+" lines of a unified diff, without
// file headers.
func AddedLines(diff string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(diff))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "+++") || !strings.HasPrefix(line, "+") {
			continue
		}
		b.WriteString(line[1:])
		b.WriteByte('\n')
	}
	return b.String()
}

// ForRequests is the default request screen.
func ForRequests() *Pipeline {
	return New(&MaxLength{Limit: DefaultMaxRequestLength}, &PromptInjection{}, &SecretGuard{})
}

// ForPatches is the default patch screen: generated code must not carry
// credentials.
func ForPatches() *Pipeline {
	return New(&SecretGuard{Action: ActionBlock})
}

func BlockResult(name, message string) Result {
	return Result{Triggered: true, Action: ActionBlock, Name: name, Message: message}
}

func WarnResult(name, message string) Result {
	return Result{Triggered: true, Action: ActionWarn, Name: name, Message: message}
}

func RedactResult(name, message, redactedText string) Result {
	return Result{Triggered: true, Action: ActionRedact, Name: name, Message: message, RedactedText: redactedText}
}

// PassResult indicates the guardrail did not trigger.
func PassResult(name string) Result {
	return Result{Triggered: false, Name: name}
}

func HasBlock(results []Result) bool {
	for _, r := range results {
		if r.Triggered && r.Action == ActionBlock {
			return true
		}
	}
	return false
}

// Summary returns a human-readable summary of guardrail results.
func Summary(results []Result) string {
	if len(results) == 0 {
		return "all guardrails passed"
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Triggered {
			parts = append(parts, fmt.Sprintf("[%s] %s: %s", r.Action, r.Name, r.Message))
		}
	}
	return strings.Join(parts, "; ")
}
