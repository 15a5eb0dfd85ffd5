package graph

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/agentcrew/types"
)

const (
	ChannelStatus    = "status"
	ChannelPlan      = "plan"
	ChannelResearch  = "research"
	ChannelArtifacts = "artifacts"
	ChannelQC        = "qc"
	ChannelEvents    = "events"
	ChannelErrors    = "errors"
	ChannelWarnings  = "warnings"
)

// ChannelNames lists every channel in the order updates are merged.
var ChannelNames = []string{
	ChannelStatus,
	ChannelPlan,
	ChannelResearch,
	ChannelArtifacts,
	ChannelQC,
	ChannelEvents,
	ChannelErrors,
	ChannelWarnings,
}

// MergeFunc folds the part of update owned by one channel into dst. It
// returns notes describing rejected parts of the update; rejected parts are
// dropped and the rest still applies.
type MergeFunc func(dst *types.RunState, update types.Update) []string

type Channel struct {
	Name  string
	Merge MergeFunc
}

func DefaultChannels() []Channel {
	return []Channel{
		{Name: ChannelStatus, Merge: MergeStatus},
		{Name: ChannelPlan, Merge: MergePlan},
		{Name: ChannelResearch, Merge: MergeResearch},
		{Name: ChannelArtifacts, Merge: MergeArtifacts},
		{Name: ChannelQC, Merge: MergeQC},
		{Name: ChannelEvents, Merge: MergeEvents},
		{Name: ChannelErrors, Merge: MergeErrors},
		{Name: ChannelWarnings, Merge: MergeWarnings},
	}
}

// MergeStatus overrides each field present in the patch.
func MergeStatus(dst *types.RunState, u types.Update) []string {
	p := u.Status
	if p == nil {
		return nil
	}
	if p.Stage != nil {
		dst.Status.Stage = *p.Stage
	}
	if p.StageState != nil {
		dst.Status.StageState = *p.StageState
	}
	if p.Progress != nil {
		progress := *p.Progress
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		dst.Status.Progress = progress
	}
	if p.ActiveAgents != nil {
		dst.Status.ActiveAgents = append([]string(nil), p.ActiveAgents...)
	}
	return nil
}

// MergePlan merges tasks by id and overrides the other present fields. Task
// status never moves backward.
func MergePlan(dst *types.RunState, u types.Update) []string {
	p := u.Plan
	if p == nil {
		return nil
	}
	var notes []string
	index := make(map[string]int, len(dst.Plan.Tasks))
	for i, task := range dst.Plan.Tasks {
		index[task.ID] = i
	}
	for _, incoming := range p.Tasks {
		if incoming.ID == "" {
			notes = append(notes, "plan: dropped task without id")
			continue
		}
		i, exists := index[incoming.ID]
		if !exists {
			if incoming.Status == "" {
				incoming.Status = types.TaskPending
			}
			index[incoming.ID] = len(dst.Plan.Tasks)
			dst.Plan.Tasks = append(dst.Plan.Tasks, incoming)
			continue
		}
		current := &dst.Plan.Tasks[i]
		if incoming.Description != "" {
			current.Description = incoming.Description
		}
		if incoming.AssignedTo != "" {
			current.AssignedTo = incoming.AssignedTo
		}
		if incoming.Status == "" {
			continue
		}
		if !current.Status.CanAdvanceTo(incoming.Status) {
			notes = append(notes, fmt.Sprintf("plan: task %s cannot move from %s to %s", current.ID, current.Status, incoming.Status))
			continue
		}
		current.Status = incoming.Status
	}
	if p.AcceptanceCriteria != nil {
		dst.Plan.AcceptanceCriteria = append([]string(nil), p.AcceptanceCriteria...)
	}
	if p.Constraints != nil {
		dst.Plan.Constraints = append([]string(nil), p.Constraints...)
	}
	if p.NeedsResearch != nil {
		dst.Plan.NeedsResearch = *p.NeedsResearch
	}
	if p.ResearchTopics != nil {
		dst.Plan.ResearchTopics = append([]string(nil), p.ResearchTopics...)
	}
	return notes
}

// MergeResearch overrides findings per topic.
func MergeResearch(dst *types.RunState, u types.Update) []string {
	if len(u.Research) == 0 {
		return nil
	}
	if dst.Research == nil {
		dst.Research = make(map[string]types.Finding, len(u.Research))
	}
	for topic, finding := range u.Research {
		if finding.LastUpdated.IsZero() {
			finding.LastUpdated = time.Now().UTC()
		}
		dst.Research[topic] = finding
	}
	return nil
}

// MergeArtifacts overrides the snapshot reference and upserts patches by id.
func MergeArtifacts(dst *types.RunState, u types.Update) []string {
	p := u.Artifacts
	if p == nil {
		return nil
	}
	if p.SnapshotRef != nil {
		dst.Artifacts.SnapshotRef = *p.SnapshotRef
	}
	for _, patch := range p.Patches {
		if patch.PatchID == "" {
			patch.PatchID = uuid.NewString()
		}
		replaced := false
		for i := range dst.Artifacts.Patches {
			if dst.Artifacts.Patches[i].PatchID == patch.PatchID {
				dst.Artifacts.Patches[i] = patch
				replaced = true
				break
			}
		}
		if !replaced {
			dst.Artifacts.Patches = append(dst.Artifacts.Patches, patch)
		}
	}
	return nil
}

// MergeQC overrides present fields. The iteration counter only grows and is
// capped at MaxIterations.
func MergeQC(dst *types.RunState, u types.Update) []string {
	if dst.QC.MaxIterations <= 0 {
		dst.QC.MaxIterations = types.DefaultMaxIterations
	}
	p := u.QC
	if p == nil {
		return nil
	}
	var notes []string
	if p.MaxIterations != nil && *p.MaxIterations > 0 {
		dst.QC.MaxIterations = *p.MaxIterations
	}
	if p.Issues != nil {
		dst.QC.Issues = append([]types.Issue(nil), p.Issues...)
	}
	if p.SeverityCounts != nil {
		dst.QC.SeverityCounts = *p.SeverityCounts
	}
	if p.Pass != nil {
		dst.QC.Pass = *p.Pass
	}
	if p.Iteration != nil {
		next := *p.Iteration
		if next < dst.QC.Iteration {
			notes = append(notes, fmt.Sprintf("qc: iteration cannot decrease from %d to %d", dst.QC.Iteration, next))
			next = dst.QC.Iteration
		}
		if next > dst.QC.MaxIterations {
			notes = append(notes, fmt.Sprintf("qc: iteration %d capped at %d", next, dst.QC.MaxIterations))
			next = dst.QC.MaxIterations
		}
		dst.QC.Iteration = next
	}
	return notes
}

// MergeEvents appends, filling ids, run id and timestamps left empty.
func MergeEvents(dst *types.RunState, u types.Update) []string {
	for _, event := range u.Events {
		if event.EventID == "" {
			event.EventID = uuid.NewString()
		}
		if event.RunID == "" {
			event.RunID = dst.RunID
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		if event.Visibility == "" {
			event.Visibility = types.VisibilityUser
		}
		dst.Events = append(dst.Events, event)
	}
	return nil
}

func MergeErrors(dst *types.RunState, u types.Update) []string {
	dst.Errors = append(dst.Errors, u.Errors...)
	return nil
}

func MergeWarnings(dst *types.RunState, u types.Update) []string {
	dst.Warnings = append(dst.Warnings, u.Warnings...)
	return nil
}
