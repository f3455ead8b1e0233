package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/batch-cli/internal/cost"
	"github.com/sells-group/batch-cli/internal/model"
)

var ledgerPeriod string

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show budget spend for a ledger period",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("inspect"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		period := ledgerPeriod
		if period == "" {
			period = cost.PeriodKey(time.Now(), cfg.Budget.Period)
		}
		state, err := st.GetLedger(ctx, period)
		if err != nil {
			return err
		}
		return renderLedger(os.Stdout, period, state)
	},
}

// renderLedger writes a plain-text ledger summary. A nil state means the
// period has not been initialized by a run yet.
func renderLedger(w io.Writer, period string, state *model.LedgerState) error {
	p := message.NewPrinter(language.English)

	if state == nil {
		_, err := fmt.Fprintf(w, "Period %s: no spend recorded\n", period)
		return err
	}

	used := 0.0
	if state.LimitUSD > 0 {
		used = state.SpentUSD / state.LimitUSD * 100
	}
	lines := []string{
		p.Sprintf("Period:    %s", state.Period),
		p.Sprintf("Limit:     $%.2f", state.LimitUSD),
		p.Sprintf("Spent:     $%.4f (%.1f%%)", state.SpentUSD, used),
		p.Sprintf("Remaining: $%.4f", state.Remaining()),
	}
	if !state.UpdatedAt.IsZero() {
		lines = append(lines, p.Sprintf("Updated:   %s", state.UpdatedAt.UTC().Format(time.RFC3339)))
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	ledgerCmd.Flags().StringVar(&ledgerPeriod, "period", "", "ledger period key, e.g. 2026-10 (default current)")
	rootCmd.AddCommand(ledgerCmd)
}
