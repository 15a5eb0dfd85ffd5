package agent

// Structured replies requested from the model. Fields without omitempty are
// required by the reflected JSON schema.

type PlanOutput struct {
	Tasks              []PlannedTask `json:"tasks"`
	AcceptanceCriteria []string      `json:"acceptanceCriteria,omitempty"`
	Constraints        []string      `json:"constraints,omitempty"`
	NeedsResearch      bool          `json:"needsResearch"`
	ResearchTopics     []string      `json:"researchTopics,omitempty"`
}

type PlannedTask struct {
	Description string `json:"description"`
	AssignedTo  string `json:"assignedTo,omitempty"`
}

type ResearchOutput struct {
	Summary string         `json:"summary"`
	Details map[string]any `json:"details,omitempty"`
}

type PatchOutput struct {
	Patches []PatchProposal `json:"patches"`
}

type PatchProposal struct {
	TaskID      string     `json:"taskId,omitempty"`
	Description string     `json:"description"`
	Files       []FileDiff `json:"files"`
}

type FileDiff struct {
	Path        string `json:"path"`
	UnifiedDiff string `json:"unifiedDiff"`
}

type ReviewOutput struct {
	Issues []ReviewIssue `json:"issues"`
}

type ReviewIssue struct {
	Severity string `json:"severity" jsonschema:"enum=critical,enum=high,enum=medium,enum=low"`
	File     string `json:"file,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
	Message  string `json:"message"`
}
