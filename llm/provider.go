package llm

import (
	"context"
	"errors"

	"github.com/PipeOpsHQ/agentcrew/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Streaming        bool
	StructuredOutput bool
}

// Provider is a chat model backend. Implementations wrap errors that can
// never succeed on retry with resilience.Permanent or
// resilience.ErrContextTooLarge.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}
