package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/agentcrew/graph"
	"github.com/PipeOpsHQ/agentcrew/pipeline"
	"github.com/PipeOpsHQ/agentcrew/state"
)

func newThreadsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List checkpointed threads and their latest stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := newPrinter(cmd.OutOrStdout(), opts.output)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			threads, err := store.Threads(ctx)
			if err != nil {
				return err
			}
			rows := make([]threadRow, 0, len(threads))
			for _, thread := range threads {
				tuple, err := store.Get(ctx, state.Config{ThreadID: thread})
				if err != nil {
					opts.logger.V(1).Info("skipping thread", "thread", thread, "error", err.Error())
					continue
				}
				st, _, err := graph.DecodeCheckpoint(tuple.Checkpoint)
				if err != nil {
					return err
				}
				rows = append(rows, threadRow{
					ThreadID:  thread,
					RunID:     st.RunID,
					Stage:     st.Status.Stage,
					State:     st.Status.StageState,
					UpdatedAt: tuple.Checkpoint.Timestamp,
				})
			}
			return p.Threads(rows)
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var listOpts state.ListOptions
	cmd := &cobra.Command{
		Use:   "history <thread>",
		Short: "Show the checkpoint history of a thread, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := newPrinter(cmd.OutOrStdout(), opts.output)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			threadID := strings.TrimSpace(args[0])
			entries, err := pipeline.ThreadHistory(ctx, store, threadID, listOpts)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("thread %s has no checkpoints", threadID)
			}
			return p.History(threadID, entries)
		},
	}
	cmd.Flags().IntVar(&listOpts.Limit, "limit", 20, "Maximum checkpoints to show")
	cmd.Flags().StringVar(&listOpts.Before, "before", "", "Only show checkpoints older than this checkpoint id")
	return cmd
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <thread>...",
		Short: "Delete threads and all of their checkpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()
			for _, thread := range args {
				if err := store.DeleteThread(ctx, strings.TrimSpace(thread)); err != nil {
					return fmt.Errorf("failed to delete thread %s: %w", thread, err)
				}
				opts.logger.Info("deleted thread", "thread", thread)
			}
			return nil
		},
	}
}
