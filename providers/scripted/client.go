// Package scripted is an offline provider that replays canned replies per
// prompt type. It backs the CLI's dry-run mode and the pipeline tests.
package scripted

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/PipeOpsHQ/agentcrew/llm"
	"github.com/PipeOpsHQ/agentcrew/types"
)

// Reply is one canned answer. A non-empty Error makes the call fail.
type Reply struct {
	Content string `json:"content" yaml:"content"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Client returns replies for each prompt in order. The last reply of a
// prompt repeats once the queue is exhausted.
type Client struct {
	mu       sync.Mutex
	replies  map[string][]Reply
	served   map[string]int
	requests []types.Request
}

func New(replies map[string][]Reply) *Client {
	c := &Client{replies: map[string][]Reply{}, served: map[string]int{}}
	for prompt, list := range replies {
		c.replies[prompt] = append([]Reply(nil), list...)
	}
	return c
}

// LoadFile reads a YAML or JSON document mapping prompt types to reply
// lists.
func LoadFile(path string) (*Client, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script %q: %w", path, err)
	}
	var replies map[string][]Reply
	if err := yaml.Unmarshal(raw, &replies); err != nil {
		return nil, fmt.Errorf("decode script %q: %w", path, err)
	}
	return New(replies), nil
}

// Script queues reply values for prompt, JSON-encoding anything that is
// not already a string.
func (c *Client) Script(prompt string, replies ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range replies {
		switch v := r.(type) {
		case Reply:
			c.replies[prompt] = append(c.replies[prompt], v)
		case error:
			c.replies[prompt] = append(c.replies[prompt], Reply{Error: v.Error()})
		case string:
			c.replies[prompt] = append(c.replies[prompt], Reply{Content: v})
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode scripted reply for %s: %w", prompt, err)
			}
			c.replies[prompt] = append(c.replies[prompt], Reply{Content: string(raw)})
		}
	}
	return nil
}

func (c *Client) Name() string { return "scripted" }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{StructuredOutput: true}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	if err := ctx.Err(); err != nil {
		return types.Response{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)

	list := c.replies[req.Prompt]
	if len(list) == 0 {
		return types.Response{}, fmt.Errorf("scripted: no reply for prompt %q", req.Prompt)
	}
	i := c.served[req.Prompt]
	if i >= len(list) {
		i = len(list) - 1
	}
	c.served[req.Prompt]++
	reply := list[i]
	if reply.Error != "" {
		return types.Response{}, fmt.Errorf("scripted: %s", reply.Error)
	}
	return types.Response{
		Message:      types.Message{Role: types.RoleAssistant, Content: reply.Content},
		FinishReason: "stop",
	}, nil
}

// Calls reports how many requests were made for prompt.
func (c *Client) Calls(prompt string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, req := range c.requests {
		if req.Prompt == prompt {
			n++
		}
	}
	return n
}

// Requests returns a copy of every request received so far.
func (c *Client) Requests() []types.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Request(nil), c.requests...)
}
