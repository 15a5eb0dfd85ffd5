package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/PipeOpsHQ/agentcrew/api"
	"github.com/PipeOpsHQ/agentcrew/observe"
	otelsink "github.com/PipeOpsHQ/agentcrew/observe/otel"
	"github.com/PipeOpsHQ/agentcrew/observe/redisstream"
	cronpkg "github.com/PipeOpsHQ/agentcrew/runtime/cron"
	statefactory "github.com/PipeOpsHQ/agentcrew/state/factory"
)

// newEventPublisher connects to the Redis instance configured for the state
// backend.
func newEventPublisher(ctx context.Context) (*redisstream.Publisher, error) {
	storeOpts := statefactory.OptionsFromEnv()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return redisstream.New(ctx, storeOpts.RedisAddr,
		redisstream.WithPassword(storeOpts.RedisPassword),
		redisstream.WithDB(storeOpts.RedisDB),
		redisstream.WithTTL(storeOpts.TTL),
	)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		addr        string
		retention   time.Duration
		schedule    string
		redisEvents bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with live event streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("addr") {
				addr = opts.env.HTTPAddr
			}
			if !cmd.Flags().Changed("retention") {
				retention = opts.env.Retention
			}
			if !cmd.Flags().Changed("sweep") {
				schedule = opts.env.SweepCron
			}
			cfg, err := opts.pipelineConfig()
			if err != nil {
				return err
			}
			sinks := []observe.Sink{otelsink.NewSink(otel.GetTracerProvider())}
			if redisEvents || opts.env.RedisEvents {
				publisher, err := newEventPublisher(ctx)
				if err != nil {
					return err
				}
				defer publisher.Close()
				sinks = append(sinks, publisher)
			}
			a, err := newApp(ctx, opts, cfg, sinks...)
			if err != nil {
				return err
			}
			defer a.Close()

			if retention > 0 {
				sweeper, err := cronpkg.NewSweeper(a.store, retention,
					cronpkg.WithSkip(a.service.Active),
					cronpkg.WithLogger(opts.logger.WithName("sweeper")),
				)
				if err != nil {
					return err
				}
				if err := sweeper.Schedule(schedule); err != nil {
					return err
				}
				sweeper.Start()
				defer sweeper.Stop()
			}

			srv, err := api.NewServer(a.service,
				api.WithAddr(addr),
				api.WithStreamOptions(cfg.StreamOptions()...),
				api.WithLogger(opts.logger.WithName("api")),
			)
			if err != nil {
				return err
			}
			opts.logger.Info("serving", "addr", addr, "workspace", opts.workspace, "retention", retention.String())
			return srv.ListenAndServe(ctx)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", api.DefaultAddr, "Listen address (env AGENT_HTTP_ADDR)")
	flags.DurationVar(&retention, "retention", 0, "Delete threads idle longer than this; 0 disables the sweeper (env AGENT_RETENTION)")
	flags.StringVar(&schedule, "sweep", cronpkg.DefaultSchedule, "Cron schedule of the retention sweep (env AGENT_SWEEP_CRON)")
	flags.BoolVar(&redisEvents, "redis-events", false, "Mirror run events into Redis streams (env AGENT_REDIS_EVENTS)")
	flags.IntVar(&opts.capacity, "capacity", 0, "Maximum concurrently executing runs; 0 is unbounded")
	return cmd
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete idle threads once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("retention") {
				retention = opts.env.Retention
			}
			p, err := newPrinter(cmd.OutOrStdout(), opts.output)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()
			sweeper, err := cronpkg.NewSweeper(store, retention, cronpkg.WithLogger(opts.logger.WithName("sweeper")))
			if err != nil {
				return err
			}
			run, err := sweeper.Sweep(ctx)
			if p.json {
				if encErr := p.writeJSON(run); encErr != nil {
					return encErr
				}
			} else {
				p.printf("scanned %d threads, deleted %d, skipped %d in %dms\n", run.Scanned, len(run.Deleted), run.Skipped, run.DurationMS)
				for _, thread := range run.Deleted {
					p.printf("  %s\n", thread)
				}
			}
			if err != nil {
				return fmt.Errorf("sweep incomplete: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "Delete threads idle longer than this (env AGENT_RETENTION)")
	return cmd
}
