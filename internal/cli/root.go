// Package cli implements the agentcrew command line.
package cli

import (
	"context"
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/agentcrew/internal/config"
)

type rootOptions struct {
	configPath string
	envFiles   []string
	workspace  string
	promptDir  string
	output     string
	verbosity  int
	capacity   int

	env    config.Env
	logger logr.Logger
}

// NewRootCommand builds the agentcrew command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "agentcrew",
		Short: "Multi-agent code generation pipeline",
		Long: `agentcrew turns a natural-language build request into applied patches.

A coordinator plans the work, an optional researcher gathers context, an
architect writes unified diffs, and two QC passes review them, looping
through fixes until no blocking issues remain.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(opts.envFiles...); err != nil {
				return err
			}
			opts.env = config.FromEnv()
			if !cmd.Flags().Changed("verbose") {
				opts.verbosity = opts.env.LogVerbosity
			}
			if opts.workspace == "" {
				opts.workspace = opts.env.Workspace
			}
			if opts.configPath == "" {
				opts.configPath = opts.env.PipelineConfig
			}
			stdr.SetVerbosity(opts.verbosity)
			opts.logger = stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName("agentcrew")
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Pipeline config file, YAML or JSON (env AGENT_PIPELINE_CONFIG)")
	flags.StringSliceVar(&opts.envFiles, "env-file", nil, "Dotenv files to load (default .env)")
	flags.StringVar(&opts.workspace, "workspace", "", "Project directory patches are applied to (env AGENT_WORKSPACE)")
	flags.StringVar(&opts.promptDir, "prompts", "", "Directory of prompt overrides")
	flags.StringVarP(&opts.output, "output", "o", "auto", "Output format (auto, text, json)")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "Increase log verbosity")

	root.AddCommand(
		newRunCommand(opts),
		newResumeCommand(opts),
		newThreadsCommand(opts),
		newHistoryCommand(opts),
		newDeleteCommand(opts),
		newPromptsCommand(opts),
		newServeCommand(opts),
		newSweepCommand(opts),
	)
	return root
}

// Execute runs the command line with args.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
