package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/PipeOpsHQ/agentcrew/observe"
	"github.com/PipeOpsHQ/agentcrew/pipeline"
	"github.com/PipeOpsHQ/agentcrew/types"
)

// printer writes command output as text on terminals and JSON lines
// elsewhere, unless the format is forced.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	json   bool
	events *observe.WriterSink
	now    func() time.Time
}

func newPrinter(out io.Writer, format string) (*printer, error) {
	p := &printer{out: out, events: observe.NewWriterSink(out), now: time.Now}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "auto":
		p.json = !isTerminal(out)
	case "text":
	case "json":
		p.json = true
	default:
		return nil, fmt.Errorf("unsupported output format %q (use auto, text, or json)", format)
	}
	return p, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *printer) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.NewEncoder(p.out).Encode(v)
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// Emit makes the printer an event sink for live run progress.
func (p *printer) Emit(ctx context.Context, event types.EventLogEntry) error {
	if p.json {
		return p.events.Emit(ctx, event)
	}
	label := string(event.Stage)
	if event.Agent != "" {
		label = event.Agent
	}
	p.printf("%s  %-22s %-12s %s\n", event.Timestamp.Local().Format("15:04:05"), event.Type, label, event.Summary)
	return nil
}

type runSummary struct {
	Run      pipeline.RunInfo   `json:"run"`
	Stage    types.Stage        `json:"stage"`
	Pass     bool               `json:"pass"`
	Patches  []types.PatchSet   `json:"patches"`
	Issues   []types.Issue      `json:"issues,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
	Errors   []types.StageError `json:"errors,omitempty"`
}

func (p *printer) Summary(info pipeline.RunInfo, st types.RunState) error {
	if p.json {
		return p.writeJSON(runSummary{
			Run:      info,
			Stage:    st.Status.Stage,
			Pass:     st.QC.Pass,
			Patches:  st.Artifacts.Patches,
			Issues:   st.QC.Issues,
			Warnings: st.Warnings,
			Errors:   st.Errors,
		})
	}
	p.printf("\nrun %s %s after %d steps (thread %s)\n", info.RunID, info.Status, info.Steps, info.ThreadID)
	if info.Error != "" {
		p.printf("error: %s\n", info.Error)
	}
	for _, ps := range st.Artifacts.Patches {
		mark := "applied"
		if !ps.Applied {
			mark = "failed: " + ps.Error
		}
		p.printf("  patch %s [%s] %s\n", ps.PatchID, mark, ps.Description)
		for _, f := range ps.FilesTouched {
			p.printf("    %s\n", f)
		}
	}
	if len(st.QC.Issues) > 0 {
		p.printf("open issues after %d fix iterations:\n", st.QC.Iteration)
		for _, issue := range st.QC.Issues {
			p.printf("  [%s] %s %s\n", issue.Severity, issue.File, issue.Message)
		}
	}
	for _, w := range st.Warnings {
		p.printf("warning: %s\n", w)
	}
	if info.Status == pipeline.RunCanceled {
		p.printf("resume with: agentcrew resume %s\n", info.ThreadID)
	}
	return nil
}

func (p *printer) History(threadID string, entries []pipeline.HistoryEntry) error {
	if p.json {
		for _, entry := range entries {
			if err := p.writeJSON(entry); err != nil {
				return err
			}
		}
		return nil
	}
	p.printf("thread %s: %d checkpoints\n", threadID, len(entries))
	for _, entry := range entries {
		node, _ := entry.Metadata["node"].(string)
		next, _ := entry.Metadata["next"].(string)
		p.printf("  %s  %-14s %-12s %-10s %3d%%  -> %-12s %s\n",
			entry.CheckpointID, humanize.RelTime(entry.Timestamp, p.now(), "ago", "from now"),
			node, entry.StageState, entry.Progress, next, entry.Stage)
	}
	return nil
}

type threadRow struct {
	ThreadID  string           `json:"threadId"`
	RunID     string           `json:"runId"`
	Stage     types.Stage      `json:"stage"`
	State     types.StageState `json:"stageState"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func (p *printer) Threads(rows []threadRow) error {
	if p.json {
		for _, row := range rows {
			if err := p.writeJSON(row); err != nil {
				return err
			}
		}
		return nil
	}
	for _, row := range rows {
		p.printf("%s\t%s\t%s/%s\t%s\n", row.ThreadID, row.RunID, row.Stage, row.State, humanize.RelTime(row.UpdatedAt, p.now(), "ago", "from now"))
	}
	return nil
}
