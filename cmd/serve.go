package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/cost"
	"github.com/sells-group/batch-cli/internal/deferred"
	"github.com/sells-group/batch-cli/internal/metrics"
	"github.com/sells-group/batch-cli/internal/model"
)

var servePort int

// ledgerReader reads persisted ledger state. store.Store satisfies it.
type ledgerReader interface {
	GetLedger(ctx context.Context, period string) (*model.LedgerState, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve ledger, deferral, and metrics endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var lister deferred.Lister = deferred.NewFileStore(cfg.Deferred.Dir, zap.L())
		if cfg.Deferred.Backend == "store" {
			lister = deferred.NewRecordStore(st)
		}

		period := func() string { return cost.PeriodKey(time.Now(), cfg.Budget.Period) }
		router := buildRouter(st, lister, period, cfg.Server.CORSOrigins)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// buildRouter wires the read-only ops endpoints.
func buildRouter(ledger ledgerReader, lister deferred.Lister, period func() string, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/ledger", func(w http.ResponseWriter, req *http.Request) {
		p := req.URL.Query().Get("period")
		if p == "" {
			p = period()
		}
		state, err := ledger.GetLedger(req.Context(), p)
		if err != nil {
			zap.L().Error("serve: read ledger", zap.String("period", p), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ledger unavailable"})
			return
		}
		if state == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no ledger for period " + p})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"period":        state.Period,
			"limit_usd":     state.LimitUSD,
			"spent_usd":     state.SpentUSD,
			"remaining_usd": state.Remaining(),
			"updated_at":    state.UpdatedAt,
		})
	})

	r.Get("/deferred", func(w http.ResponseWriter, req *http.Request) {
		recs, err := lister.List(req.Context(), req.URL.Query().Get("label"))
		if err != nil {
			zap.L().Error("serve: list deferrals", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "deferrals unavailable"})
			return
		}
		if recs == nil {
			recs = []model.DeferredRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
