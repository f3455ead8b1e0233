package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/metrics"
	"github.com/sells-group/batch-cli/internal/pipeline"
)

var runStages []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured pipeline stages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("run"); err != nil {
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

		return runPipeline(ctx, env, runStages)
	},
}

// runPipeline runs the selected stages once and prints their reports.
func runPipeline(ctx context.Context, env *engineEnv, only []string) error {
	stages, err := buildStages(cfg, env.Store, only)
	if err != nil {
		return err
	}

	driver := buildDriver(cfg, env, newBatchService(cfg))
	reports, err := driver.Run(ctx, stages)

	fmt.Fprint(os.Stdout, pipeline.FormatReports(reports))
	if err != nil {
		return eris.Wrap(err, "pipeline run")
	}

	state := env.Ledger.State()
	zap.L().Info("run complete",
		zap.Int("stages", len(reports)),
		zap.String("period", state.Period),
		zap.Float64("spent_usd", state.SpentUSD),
		zap.Float64("remaining_usd", state.Remaining()),
	)
	return nil
}

// startMetrics serves /metrics on addr until the returned func is called.
func startMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		zap.L().Info("starting metrics listener", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("metrics listener failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func init() {
	runCmd.Flags().StringSliceVar(&runStages, "stage", nil, "run only the named stages (repeatable; default all)")
	rootCmd.AddCommand(runCmd)
}
