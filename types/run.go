package types

import (
	"slices"
	"time"
)

type Stage string

const (
	StageCoordPlan Stage = "COORD_PLAN"
	StageResearch  Stage = "RESEARCH_TECH_AND_SKILLS"
	StageArchBuild Stage = "ARCH_BUILD"
	StageQC1       Stage = "QC1_SYNTAX_STYLE"
	StageQC2       Stage = "QC2_COMPLETENESS"
	StageArchFix   Stage = "ARCH_FIX"
	StageFinalize  Stage = "FINALIZE"
)

type StageState string

const (
	StageStateQueued      StageState = "queued"
	StageStateRunning     StageState = "running"
	StageStateWaitingUser StageState = "waiting_user"
	StageStateCompleted   StageState = "completed"
	StageStateFailed      StageState = "failed"
)

// Mode is the execution profile of a run.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeAuto   Mode = "auto"
	ModeStrict Mode = "strict"
)

func ParseMode(raw string) (Mode, bool) {
	switch Mode(raw) {
	case ModeSingle, ModeAuto, ModeStrict:
		return Mode(raw), true
	case "":
		return ModeAuto, true
	default:
		return "", false
	}
}

const (
	AgentCoordinator = "coordinator"
	AgentResearcher  = "researcher"
	AgentArchitect   = "architect"
	AgentQC          = "qc"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskInProgress:
		return 1
	case TaskCompleted, TaskFailed:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether moving from s to next keeps the task
// lifecycle monotone. Re-asserting the current status is allowed.
func (s TaskStatus) CanAdvanceTo(next TaskStatus) bool {
	if next == s {
		return true
	}
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	return to > from
}

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

type SecurityLevel string

const (
	SecurityRelaxed  SecurityLevel = "relaxed"
	SecurityStandard SecurityLevel = "standard"
	SecurityStrict   SecurityLevel = "strict"
)

const (
	TopicTechReality      = "techReality"
	TopicCompetencyMap    = "competencyMap"
	TopicCodebaseAnalysis = "codebaseAnalysis"
)

const DefaultMaxIterations = 3

// RunState is the aggregate for one pipeline execution. It is only changed
// by merging Update values returned from stage handlers.
type RunState struct {
	RunID          string             `json:"runId"`
	ConversationID string             `json:"conversationId"`
	UserID         string             `json:"userId,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	Mode           Mode               `json:"mode"`
	Status         Status             `json:"status"`
	Inputs         Inputs             `json:"inputs"`
	Plan           Plan               `json:"plan"`
	Research       map[string]Finding `json:"research,omitempty"`
	Artifacts      Artifacts          `json:"artifacts"`
	QC             QC                 `json:"qc"`
	Events         []EventLogEntry    `json:"events"`
	Errors         []StageError       `json:"errors,omitempty"`
	Warnings       []string           `json:"warnings,omitempty"`
}

type Status struct {
	Stage        Stage      `json:"stage"`
	StageState   StageState `json:"stageState"`
	Progress     int        `json:"progress"`
	ActiveAgents []string   `json:"activeAgents,omitempty"`
}

type Inputs struct {
	RequestText string      `json:"requestText"`
	Constraints Constraints `json:"constraints"`
}

type Constraints struct {
	Language      string        `json:"language,omitempty"`
	SecurityLevel SecurityLevel `json:"securityLevel,omitempty"`
	TestLevel     string        `json:"testLevel,omitempty"`
}

type Plan struct {
	Tasks              []Task   `json:"tasks"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	Constraints        []string `json:"constraints,omitempty"`
	NeedsResearch      bool     `json:"needsResearch"`
	ResearchTopics     []string `json:"researchTopics,omitempty"`
}

type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	AssignedTo  string     `json:"assignedTo"`
	Status      TaskStatus `json:"status"`
}

// TasksFor returns the tasks assigned to agent whose status is one of
// statuses, in plan order. No statuses means any status.
func (p Plan) TasksFor(agent string, statuses ...TaskStatus) []Task {
	var out []Task
	for _, task := range p.Tasks {
		if task.AssignedTo != agent {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, task.Status) {
			continue
		}
		out = append(out, task)
	}
	return out
}

type Finding struct {
	Summary     string         `json:"summary"`
	Details     map[string]any `json:"details,omitempty"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

type Artifacts struct {
	SnapshotRef string     `json:"snapshotRef,omitempty"`
	Patches     []PatchSet `json:"patches,omitempty"`
}

type PatchSet struct {
	PatchID      string   `json:"patchId"`
	TaskID       string   `json:"taskId,omitempty"`
	Description  string   `json:"description"`
	FilesTouched []string `json:"filesTouched"`
	FilesDeleted []string `json:"filesDeleted,omitempty"`
	UnifiedDiff  string   `json:"unifiedDiff"`
	Applied      bool     `json:"applied"`
	// FilesApplied lists the files a failed patch had already written
	// before it stopped.
	FilesApplied []string `json:"filesApplied,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Written lists the files this patch changed in the workspace.
func (p PatchSet) Written() []string {
	if p.Applied {
		return p.FilesTouched
	}
	return p.FilesApplied
}

// FileChange is the outcome of applying one file diff to a workspace.
type FileChange struct {
	Path    string `json:"path"`
	Created bool   `json:"created,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Bytes   int    `json:"bytes"`
}

type QC struct {
	Issues         []Issue        `json:"issues,omitempty"`
	SeverityCounts SeverityCounts `json:"severityCounts"`
	Pass           bool           `json:"pass"`
	Iteration      int            `json:"iteration"`
	MaxIterations  int            `json:"maxIterations"`
}

type Issue struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	File     string   `json:"file,omitempty"`
	TaskID   string   `json:"taskId,omitempty"`
	Message  string   `json:"message"`
	Source   string   `json:"source,omitempty"`
}

type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Blocking is the number of issues that send a run back to the fix stage.
func (c SeverityCounts) Blocking() int {
	return c.Critical + c.High
}

func CountSeverities(issues []Issue) SeverityCounts {
	var counts SeverityCounts
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			counts.Critical++
		case SeverityHigh:
			counts.High++
		case SeverityMedium:
			counts.Medium++
		case SeverityLow:
			counts.Low++
		}
	}
	return counts
}

type StageError struct {
	Node      string    `json:"node"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a copy that shares no slices or maps with s, so a handler can
// never reach back into the executor's state.
func (s RunState) Clone() RunState {
	out := s
	out.Status.ActiveAgents = slices.Clone(s.Status.ActiveAgents)
	out.Plan.Tasks = slices.Clone(s.Plan.Tasks)
	out.Plan.AcceptanceCriteria = slices.Clone(s.Plan.AcceptanceCriteria)
	out.Plan.Constraints = slices.Clone(s.Plan.Constraints)
	out.Plan.ResearchTopics = slices.Clone(s.Plan.ResearchTopics)
	if s.Research != nil {
		out.Research = make(map[string]Finding, len(s.Research))
		for k, v := range s.Research {
			out.Research[k] = v
		}
	}
	out.Artifacts.Patches = make([]PatchSet, len(s.Artifacts.Patches))
	for i, p := range s.Artifacts.Patches {
		p.FilesTouched = slices.Clone(p.FilesTouched)
		p.FilesDeleted = slices.Clone(p.FilesDeleted)
		p.FilesApplied = slices.Clone(p.FilesApplied)
		out.Artifacts.Patches[i] = p
	}
	if s.Artifacts.Patches == nil {
		out.Artifacts.Patches = nil
	}
	out.QC.Issues = slices.Clone(s.QC.Issues)
	out.Events = slices.Clone(s.Events)
	out.Errors = slices.Clone(s.Errors)
	out.Warnings = slices.Clone(s.Warnings)
	return out
}

// TaskByID returns the task with id and whether it exists.
func (s RunState) TaskByID(id string) (Task, bool) {
	for _, task := range s.Plan.Tasks {
		if task.ID == id {
			return task, true
		}
	}
	return Task{}, false
}
