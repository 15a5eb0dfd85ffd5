package types

// Update is the partial state a stage handler returns. Every field is a
// patch for one channel of RunState; nil or empty means the channel is left
// untouched.
type Update struct {
	Status    *StatusPatch       `json:"status,omitempty"`
	Plan      *PlanPatch         `json:"plan,omitempty"`
	Research  map[string]Finding `json:"research,omitempty"`
	Artifacts *ArtifactsPatch    `json:"artifacts,omitempty"`
	QC        *QCPatch           `json:"qc,omitempty"`
	Events    []EventLogEntry    `json:"events,omitempty"`
	Errors    []StageError       `json:"errors,omitempty"`
	Warnings  []string           `json:"warnings,omitempty"`
}

type StatusPatch struct {
	Stage        *Stage      `json:"stage,omitempty"`
	StageState   *StageState `json:"stageState,omitempty"`
	Progress     *int        `json:"progress,omitempty"`
	ActiveAgents []string    `json:"activeAgents,omitempty"`
}

// PlanPatch tasks are merged by id; unknown ids are appended.
type PlanPatch struct {
	Tasks              []Task   `json:"tasks,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	Constraints        []string `json:"constraints,omitempty"`
	NeedsResearch      *bool    `json:"needsResearch,omitempty"`
	ResearchTopics     []string `json:"researchTopics,omitempty"`
}

type ArtifactsPatch struct {
	SnapshotRef *string    `json:"snapshotRef,omitempty"`
	Patches     []PatchSet `json:"patches,omitempty"`
}

// QCPatch replaces Issues when it is non-nil; an empty non-nil slice clears
// them.
type QCPatch struct {
	Issues         []Issue         `json:"issues,omitempty"`
	SeverityCounts *SeverityCounts `json:"severityCounts,omitempty"`
	Pass           *bool           `json:"pass,omitempty"`
	Iteration      *int            `json:"iteration,omitempty"`
	MaxIterations  *int            `json:"maxIterations,omitempty"`
}

func (u Update) IsZero() bool {
	return u.Status == nil && u.Plan == nil && len(u.Research) == 0 && u.Artifacts == nil &&
		u.QC == nil && len(u.Events) == 0 && len(u.Errors) == 0 && len(u.Warnings) == 0
}

// Emit appends events to the update.
func (u *Update) Emit(events ...EventLogEntry) {
	u.Events = append(u.Events, events...)
}

// Warn records a warning and a matching expert-visible warning event.
func (u *Update) Warn(runID string, stage Stage, agent, message string) {
	u.Warnings = append(u.Warnings, message)
	u.Events = append(u.Events, NewEvent(runID, EventWarning, stage, agent, message).WithVisibility(VisibilityExpert))
}

// SetStage moves the run to stage with the given stage state.
func (u *Update) SetStage(stage Stage, state StageState) {
	if u.Status == nil {
		u.Status = &StatusPatch{}
	}
	u.Status.Stage = Ptr(stage)
	u.Status.StageState = Ptr(state)
}
