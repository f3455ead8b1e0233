package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/schedule"
)

var scheduleStages []string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline once a day until interrupted",
	Long:  "Runs the configured stages every day at schedule.at in schedule.timezone (08:00 UTC by default). A failed run is logged and retried the next day. SIGINT or SIGTERM stops the loop after the current run returns.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("schedule"); err != nil {
			return err
		}
		daily, err := schedule.New(cfg.Schedule.At, cfg.Schedule.Timezone)
		if err != nil {
			return err
		}
		daily.RunOnStart = cfg.Schedule.RunOnStart
		daily.Log = zap.L()
		if _, err := buildStages(cfg, nil, scheduleStages); err != nil {
			return err
		}

		if err := ensureDirs(cfg); err != nil {
			return err
		}
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Metrics.Addr != "" {
			shutdown := startMetrics(cfg.Metrics.Addr)
			defer shutdown()
		}

		zap.L().Info("starting daily schedule",
			zap.String("at", cfg.Schedule.At),
			zap.String("timezone", daily.Location.String()),
		)
		return daily.Run(ctx, nil, func(ctx context.Context) error {
			return runPipeline(ctx, env, scheduleStages)
		})
	},
}

func init() {
	scheduleCmd.Flags().StringSliceVar(&scheduleStages, "stage", nil, "run only the named stages (repeatable; default all)")
	rootCmd.AddCommand(scheduleCmd)
}
