package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/agentcrew/observe"
	"github.com/PipeOpsHQ/agentcrew/pipeline"
	"github.com/PipeOpsHQ/agentcrew/types"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		req      pipeline.Request
		mode     string
		security string
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- <request>",
		Short: "Run the pipeline on a build request",
		Example: `  agentcrew run -- "add a contact form with email validation"
  agentcrew run --mode strict --language typescript --conversation shop -- "add checkout"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RequestText = strings.TrimSpace(strings.Join(args, " "))
			req.Mode = types.Mode(mode)
			req.Constraints.SecurityLevel = types.SecurityLevel(security)
			return followRun(cmd, opts, func(ctx context.Context, svc *pipeline.Service) (string, error) {
				st, err := svc.Submit(ctx, req)
				return st.RunID, err
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.ConversationID, "conversation", "", "Conversation id, used as the checkpoint thread (default: the run id)")
	flags.StringVar(&req.UserID, "user", "", "User id recorded on the run")
	flags.StringVar(&mode, "mode", "", "Pipeline mode (single, auto, strict)")
	flags.StringVar(&req.Constraints.Language, "language", "", "Target language constraint")
	flags.StringVar(&security, "security", "", "Security level (relaxed, standard, strict)")
	flags.StringVar(&req.Constraints.TestLevel, "test-level", "", "Expected test coverage")
	flags.IntVar(&req.MaxIterations, "max-iterations", 0, "QC fix iterations before finalizing")
	return cmd
}

func newResumeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <thread>",
		Short: "Continue an interrupted run from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID := strings.TrimSpace(args[0])
			return followRun(cmd, opts, func(ctx context.Context, svc *pipeline.Service) (string, error) {
				return svc.Resume(ctx, threadID)
			})
		},
	}
}

// followRun starts a run, prints its events while it executes and finishes
// with a summary. Interrupting the command cancels the run, leaving it
// resumable.
func followRun(cmd *cobra.Command, opts *rootOptions, start func(context.Context, *pipeline.Service) (string, error)) error {
	ctx := cmd.Context()
	p, err := newPrinter(cmd.OutOrStdout(), opts.output)
	if err != nil {
		return err
	}
	cfg, err := opts.pipelineConfig()
	if err != nil {
		return err
	}
	streamOpts := cfg.StreamOptions()
	if opts.verbosity > 0 && len(cfg.Stream.Visibilities) == 0 {
		streamOpts = append(streamOpts, observe.WithVisibilities(types.VisibilityUser, types.VisibilityExpert))
	}
	a, err := newApp(ctx, opts, cfg, observe.NewAdapter(p, streamOpts...))
	if err != nil {
		return err
	}
	defer a.Close()

	runID, err := start(ctx, a.service)
	if err != nil {
		return err
	}
	info, err := a.service.Wait(ctx, runID)
	if err != nil {
		opts.logger.Info("interrupted, canceling run", "runId", runID)
		_ = a.service.Cancel(runID)
		waitCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		info, err = a.service.Wait(waitCtx, runID)
		cancel()
		if err != nil {
			return err
		}
	}
	// Flush queued events before the summary.
	if err := a.Close(); err != nil {
		opts.logger.Error(err, "shutdown incomplete")
	}
	if err := p.Summary(info, info.State); err != nil {
		return err
	}
	switch info.Status {
	case pipeline.RunFailed:
		return fmt.Errorf("run %s failed: %s", info.RunID, info.Error)
	case pipeline.RunCanceled:
		return fmt.Errorf("run %s canceled", info.RunID)
	}
	return nil
}
