package prompt

// NewBuiltinRegistry returns a registry holding the default prompt for every
// stage of the pipeline.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, spec := range builtins {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
	return r
}

var builtins = []Spec{
	{
		Name:        CoordinatorPlan,
		Description: "Break a change request into architect tasks",
		System: `You are the coordinator of a small software crew. Turn the request into a plan of
small, independently verifiable implementation tasks for the architect.
Respond with JSON only.`,
		User: `Request:
{{ requestText }}

Language: {{ language }}
Security level: {{ securityLevel }}
Test level: {{ testLevel }}

Return tasks (each a short description), acceptanceCriteria, constraints,
needsResearch (true when the codebase or stack must be studied first) and
researchTopics.`,
		Tags: []string{"planning"},
	},
	{
		Name:        ResearcherTechReality,
		Description: "Assess the technical landscape the plan depends on",
		System:      `You are a pragmatic researcher. Report facts about the stack that affect the plan. Respond with JSON only.`,
		User: `Request:
{{ requestText }}

Plan:
{{ plan }}

Summarize the relevant libraries, platform limits and versions.`,
		Tags: []string{"research"},
	},
	{
		Name:        ResearcherCompetencyMap,
		Description: "Map the skills each task needs",
		System:      `You map work to skills. Respond with JSON only.`,
		User: `Plan:
{{ plan }}

List the competencies each task requires and any gaps.`,
		Tags: []string{"research"},
	},
	{
		Name:        ResearcherCodebase,
		Description: "Analyse the existing codebase for the plan",
		System:      `You analyse existing code before it is changed. Respond with JSON only.`,
		User: `Request:
{{ requestText }}

Plan:
{{ plan }}

Describe the files, modules and conventions the change will touch.`,
		Tags: []string{"research"},
	},
	{
		Name:        ArchitectBuild,
		Description: "Produce unified diffs implementing pending tasks",
		System: `You are the architect. Implement each task as a unified diff against the
workspace. Use "--- /dev/null" for new files and paths relative to the
workspace root. Respond with JSON only.`,
		User: `Request:
{{ requestText }}

Tasks:
{{ tasks }}

Research:
{{ research }}

Return one patch per task with taskId, description and files, where each
file has path and unifiedDiff.`,
		MaxOutputTokens: 8192,
		Tags:            []string{"coding"},
	},
	{
		Name:        ArchitectFix,
		Description: "Fix unfinished tasks and blocking QC issues",
		System: `You are the architect fixing review findings. Produce unified diffs that
resolve the listed issues without unrelated changes. Respond with JSON only.`,
		User: `Request:
{{ requestText }}

Unfinished tasks:
{{ tasks }}

Blocking issues:
{{ issues }}

Iteration {{ iteration }} of {{ maxIterations }}.

Return one patch per task with taskId, description and files, where each
file has path and unifiedDiff.`,
		MaxOutputTokens: 8192,
		Tags:            []string{"coding", "review"},
	},
	{
		Name:        QCCompleteness,
		Description: "Review applied patches against the acceptance criteria",
		System: `You are a strict reviewer. Check the applied changes against the acceptance
criteria and report only real gaps. Respond with JSON only.`,
		User: `Acceptance criteria:
{{ acceptanceCriteria }}

Applied patches:
{{ patches }}

Return issues, each with severity (critical, high, medium or low), file,
taskId and message.`,
		Tags: []string{"review"},
	},
}
