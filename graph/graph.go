package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/PipeOpsHQ/agentcrew/types"
)

// END is the sentinel target that stops execution.
const END = "__end__"

// Handler turns the current state into a partial update. Handlers receive a
// private copy of the state and must not retain it.
type Handler interface {
	Handle(ctx context.Context, state types.RunState) (types.Update, error)
}

type HandlerFunc func(ctx context.Context, state types.RunState) (types.Update, error)

func (f HandlerFunc) Handle(ctx context.Context, state types.RunState) (types.Update, error) {
	return f(ctx, state)
}

// Router is a pure predicate over the state returning one of the outcome
// keys registered with AddConditionalEdges.
type Router func(state types.RunState) string

type node struct {
	id      string
	stage   types.Stage
	handler Handler
}

type branch struct {
	router   Router
	outcomes map[string]string
}

type Graph struct {
	name        string
	nodes       map[string]node
	order       []string
	edges       map[string]string
	branches    map[string]branch
	channels    map[string]Channel
	startNodeID string
	allowCycles bool
	compiled    bool
	buildErr    error
}

func New(name string) *Graph {
	g := &Graph{
		name:     name,
		nodes:    map[string]node{},
		edges:    map[string]string{},
		branches: map[string]branch{},
		channels: map[string]Channel{},
	}
	for _, ch := range DefaultChannels() {
		g.channels[ch.Name] = ch
	}
	return g
}

// Compiled reports whether the graph passed Compile since its last change.
func (g *Graph) Compiled() bool {
	return g != nil && g.compiled
}

func (g *Graph) Name() string {
	if g == nil {
		return ""
	}
	return g.name
}

// AddNode registers a handler under id. stage is the value status.stage
// takes while the node owns the run.
func (g *Graph) AddNode(id string, stage types.Stage, handler Handler) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if id == "" {
		g.buildErr = fmt.Errorf("node id is required")
		return g
	}
	if id == END {
		g.buildErr = fmt.Errorf("node id %q is reserved", END)
		return g
	}
	if handler == nil {
		g.buildErr = fmt.Errorf("node %q has no handler", id)
		return g
	}
	if _, exists := g.nodes[id]; exists {
		g.buildErr = fmt.Errorf("node %q already exists", id)
		return g
	}
	g.nodes[id] = node{id: id, stage: stage, handler: handler}
	g.order = append(g.order, id)
	g.compiled = false
	return g
}

func (g *Graph) AddEdge(from, to string) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if from == "" || to == "" {
		g.buildErr = fmt.Errorf("edge endpoints are required")
		return g
	}
	if g.hasOutgoing(from) {
		g.buildErr = fmt.Errorf("node %q already has an outgoing edge", from)
		return g
	}
	g.edges[from] = to
	g.compiled = false
	return g
}

// AddConditionalEdges routes from by calling router and looking its result
// up in outcomes.
func (g *Graph) AddConditionalEdges(from string, router Router, outcomes map[string]string) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if from == "" || router == nil {
		g.buildErr = fmt.Errorf("conditional edge needs a source and a router")
		return g
	}
	if len(outcomes) == 0 {
		g.buildErr = fmt.Errorf("conditional edge from %q has no outcomes", from)
		return g
	}
	if g.hasOutgoing(from) {
		g.buildErr = fmt.Errorf("node %q already has an outgoing edge", from)
		return g
	}
	copied := make(map[string]string, len(outcomes))
	for k, v := range outcomes {
		copied[k] = v
	}
	g.branches[from] = branch{router: router, outcomes: copied}
	g.compiled = false
	return g
}

func (g *Graph) hasOutgoing(from string) bool {
	_, static := g.edges[from]
	_, conditional := g.branches[from]
	return static || conditional
}

func (g *Graph) SetStart(id string) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if id == "" {
		g.buildErr = fmt.Errorf("start node id is required")
		return g
	}
	g.startNodeID = id
	g.compiled = false
	return g
}

func (g *Graph) AllowCycles(allow bool) *Graph {
	if g == nil {
		return g
	}
	if g.allowCycles != allow {
		g.allowCycles = allow
		g.compiled = false
	}
	return g
}

// WithChannels overrides merge functions by channel name.
func (g *Graph) WithChannels(channels ...Channel) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	for _, ch := range channels {
		if ch.Name == "" || ch.Merge == nil {
			g.buildErr = fmt.Errorf("channel needs a name and a merge function")
			return g
		}
		g.channels[ch.Name] = ch
		g.compiled = false
	}
	return g
}

func (g *Graph) Compile() error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}
	if g.buildErr != nil {
		return g.buildErr
	}
	if g.name == "" {
		return fmt.Errorf("graph name is required")
	}
	if len(g.nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}
	if g.startNodeID == "" {
		return fmt.Errorf("start node is not set")
	}
	if _, ok := g.nodes[g.startNodeID]; !ok {
		return fmt.Errorf("start node %q does not exist", g.startNodeID)
	}

	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge source node %q does not exist", from)
		}
		if !g.isTarget(to) {
			return fmt.Errorf("edge target node %q does not exist", to)
		}
	}
	for from, br := range g.branches {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge source node %q does not exist", from)
		}
		for outcome, to := range br.outcomes {
			if !g.isTarget(to) {
				return fmt.Errorf("outcome %q of %q targets unknown node %q", outcome, from, to)
			}
		}
	}
	for _, name := range ChannelNames {
		if _, ok := g.channels[name]; !ok {
			return fmt.Errorf("channel %q has no merge function", name)
		}
	}

	unreachable := g.unreachableNodes()
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return fmt.Errorf("graph contains unreachable node(s): %v", unreachable)
	}

	if !g.allowCycles && g.hasCycle() {
		return fmt.Errorf("graph contains cycle(s); call AllowCycles(true) to enable")
	}

	g.compiled = true
	return nil
}

func (g *Graph) isTarget(id string) bool {
	if id == END {
		return true
	}
	_, ok := g.nodes[id]
	return ok
}

func (g *Graph) successors(id string) []string {
	if to, ok := g.edges[id]; ok {
		return []string{to}
	}
	br, ok := g.branches[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(br.outcomes))
	for _, to := range br.outcomes {
		out = append(out, to)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) unreachableNodes() []string {
	visited := map[string]bool{}
	var dfs func(nodeID string)
	dfs = func(nodeID string) {
		if nodeID == END || visited[nodeID] {
			return
		}
		visited[nodeID] = true
		for _, next := range g.successors(nodeID) {
			dfs(next)
		}
	}
	dfs(g.startNodeID)

	out := make([]string, 0)
	for nodeID := range g.nodes {
		if !visited[nodeID] {
			out = append(out, nodeID)
		}
	}
	return out
}

func (g *Graph) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(nodeID string) bool
	visit = func(nodeID string) bool {
		color[nodeID] = gray
		for _, next := range g.successors(nodeID) {
			if next == END {
				continue
			}
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[nodeID] = black
		return false
	}

	for _, nodeID := range g.order {
		if color[nodeID] == white && visit(nodeID) {
			return true
		}
	}
	return false
}

// HasStage reports whether some node owns stage.
func (g *Graph) HasStage(stage types.Stage) bool {
	for _, n := range g.nodes {
		if n.stage == stage {
			return true
		}
	}
	return false
}

// next evaluates the outgoing edge of from.
func (g *Graph) next(from string, state types.RunState) (string, error) {
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	br, ok := g.branches[from]
	if !ok {
		return END, nil
	}
	outcome := br.router(state)
	to, ok := br.outcomes[outcome]
	if !ok {
		return "", fmt.Errorf("router for %q returned unknown outcome %q", from, outcome)
	}
	return to, nil
}

// NodeInfo describes a node in the graph for introspection.
type NodeInfo struct {
	ID    string      `json:"id"`
	Stage types.Stage `json:"stage"`
}

// EdgeInfo describes an edge in the graph for introspection.
type EdgeInfo struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Outcome     string `json:"outcome,omitempty"`
	Conditional bool   `json:"conditional"`
}

func (g *Graph) NodeInfos() []NodeInfo {
	if g == nil {
		return nil
	}
	out := make([]NodeInfo, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, NodeInfo{ID: id, Stage: g.nodes[id].stage})
	}
	return out
}

func (g *Graph) EdgeInfos() []EdgeInfo {
	if g == nil {
		return nil
	}
	out := make([]EdgeInfo, 0)
	for _, from := range g.order {
		if to, ok := g.edges[from]; ok {
			out = append(out, EdgeInfo{From: from, To: to})
			continue
		}
		br, ok := g.branches[from]
		if !ok {
			continue
		}
		outcomes := make([]string, 0, len(br.outcomes))
		for k := range br.outcomes {
			outcomes = append(outcomes, k)
		}
		sort.Strings(outcomes)
		for _, outcome := range outcomes {
			out = append(out, EdgeInfo{From: from, To: br.outcomes[outcome], Outcome: outcome, Conditional: true})
		}
	}
	return out
}
