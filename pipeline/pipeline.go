// Package pipeline wires the crew's stage handlers into the build graph and
// runs it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/PipeOpsHQ/agentcrew/agent"
	"github.com/PipeOpsHQ/agentcrew/graph"
	"github.com/PipeOpsHQ/agentcrew/observe"
	"github.com/PipeOpsHQ/agentcrew/types"
)

const Name = "agentcrew"

// Graph nodes.
const (
	NodeCoordinator = "coordinator"
	NodeResearcher  = "researcher"
	NodeArchitect   = "architect"
	NodeQC1         = "qc1"
	NodeQC2         = "qc2"
	NodeFix         = "fix"
	NodeFinalize    = "finalize"
)

// RouteAfterCoordinator sends the run to research only when the coordinator
// queued the research stage.
func RouteAfterCoordinator(st types.RunState) string {
	if st.Status.Stage == types.StageResearch {
		return NodeResearcher
	}
	return NodeArchitect
}

// RouteAfterQC loops back through fix while blocking issues remain and the
// iteration budget is not spent.
func RouteAfterQC(st types.RunState) string {
	limit := st.QC.MaxIterations
	if limit <= 0 {
		limit = types.DefaultMaxIterations
	}
	if st.QC.SeverityCounts.Blocking() > 0 && st.QC.Iteration < limit {
		return NodeFix
	}
	return NodeFinalize
}

// NewGraph builds the uncompiled crew graph.
func NewGraph(crew *agent.Crew) *graph.Graph {
	return graph.New(Name).
		AddNode(NodeCoordinator, types.StageCoordPlan, crew.Coordinator).
		AddNode(NodeResearcher, types.StageResearch, crew.Researcher).
		AddNode(NodeArchitect, types.StageArchBuild, crew.Architect).
		AddNode(NodeQC1, types.StageQC1, crew.QC1).
		AddNode(NodeQC2, types.StageQC2, crew.QC2).
		AddNode(NodeFix, types.StageArchFix, crew.Fixer).
		AddNode(NodeFinalize, types.StageFinalize, crew.Finalizer).
		SetStart(NodeCoordinator).
		AddConditionalEdges(NodeCoordinator, RouteAfterCoordinator, map[string]string{
			NodeResearcher: NodeResearcher,
			NodeArchitect:  NodeArchitect,
		}).
		AddEdge(NodeResearcher, NodeArchitect).
		AddEdge(NodeArchitect, NodeQC1).
		AddEdge(NodeQC1, NodeQC2).
		AddConditionalEdges(NodeQC2, RouteAfterQC, map[string]string{
			NodeFix:      NodeFix,
			NodeFinalize: NodeFinalize,
		}).
		AddEdge(NodeFix, NodeQC1).
		AddEdge(NodeFinalize, graph.END).
		AllowCycles(true)
}

type Options struct {
	Checkpointer graph.Checkpointer
	Observer     observe.Sink
	Fallback     graph.FallbackFunc
	Timeout      time.Duration
	MaxSteps     int
	Logger       logr.Logger
}

// Pipeline is a compiled crew graph bound to its executor.
type Pipeline struct {
	executor *graph.Executor
}

func New(deps agent.Deps, opts Options) (*Pipeline, error) {
	if deps.Logger.GetSink() == nil {
		deps.Logger = opts.Logger
	}
	crew, err := agent.NewCrew(deps)
	if err != nil {
		return nil, err
	}
	return NewWithCrew(crew, opts)
}

// NewWithCrew compiles the graph around an existing crew.
func NewWithCrew(crew *agent.Crew, opts Options) (*Pipeline, error) {
	if crew == nil {
		return nil, fmt.Errorf("crew is required")
	}
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	execOpts := []graph.ExecutorOption{
		graph.WithTimeout(opts.Timeout),
		graph.WithMaxSteps(opts.MaxSteps),
		graph.WithFallback(opts.Fallback),
		graph.WithLogger(logger.WithName("executor")),
	}
	if opts.Checkpointer != nil {
		execOpts = append(execOpts, graph.WithCheckpointer(opts.Checkpointer))
	}
	if opts.Observer != nil {
		execOpts = append(execOpts, graph.WithObserver(opts.Observer))
	}
	executor, err := graph.NewExecutor(NewGraph(crew), execOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s graph: %w", Name, err)
	}
	return &Pipeline{executor: executor}, nil
}

func (p *Pipeline) Executor() *graph.Executor {
	return p.executor
}

func (p *Pipeline) Stream(ctx context.Context, initial types.RunState, cfg graph.RunConfig) iter.Seq2[graph.StageUpdate, error] {
	return p.executor.Stream(ctx, initial, cfg)
}

func (p *Pipeline) Resume(ctx context.Context, cfg graph.RunConfig) iter.Seq2[graph.StageUpdate, error] {
	return p.executor.Resume(ctx, cfg)
}

func (p *Pipeline) Invoke(ctx context.Context, initial types.RunState, cfg graph.RunConfig) (types.RunState, error) {
	return p.executor.Invoke(ctx, initial, cfg)
}

var ErrInvalidRequest = errors.New("pipeline: invalid request")

// Request is a user's build request.
type Request struct {
	RequestText    string            `json:"requestText"`
	ConversationID string            `json:"conversationId,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	Mode           types.Mode        `json:"mode,omitempty"`
	Constraints    types.Constraints `json:"constraints,omitempty"`
	MaxIterations  int               `json:"maxIterations,omitempty"`
}

// NewRunState creates the initial state for req with a fresh run id. The
// conversation id doubles as the checkpoint thread and defaults to the run
// id.
func NewRunState(req Request) (types.RunState, error) {
	text := strings.TrimSpace(req.RequestText)
	if text == "" {
		return types.RunState{}, fmt.Errorf("%w: request text is required", ErrInvalidRequest)
	}
	mode, ok := types.ParseMode(string(req.Mode))
	if !ok {
		return types.RunState{}, fmt.Errorf("%w: unsupported mode %q", ErrInvalidRequest, req.Mode)
	}
	constraints := req.Constraints
	switch constraints.SecurityLevel {
	case "":
		constraints.SecurityLevel = types.SecurityStandard
	case types.SecurityRelaxed, types.SecurityStandard, types.SecurityStrict:
	default:
		return types.RunState{}, fmt.Errorf("%w: unsupported security level %q", ErrInvalidRequest, constraints.SecurityLevel)
	}
	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = types.DefaultMaxIterations
	}

	runID := uuid.NewString()
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = runID
	}
	return types.RunState{
		RunID:          runID,
		ConversationID: conversationID,
		UserID:         strings.TrimSpace(req.UserID),
		CreatedAt:      time.Now().UTC(),
		Mode:           mode,
		Status: types.Status{
			Stage:      types.StageCoordPlan,
			StageState: types.StageStateQueued,
		},
		Inputs: types.Inputs{RequestText: text, Constraints: constraints},
		QC:     types.QC{MaxIterations: maxIterations},
	}, nil
}
