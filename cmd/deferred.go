package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/deferred"
	"github.com/sells-group/batch-cli/internal/model"
)

var (
	deferredLabel string
	deferredJSON  bool
)

var deferredCmd = &cobra.Command{
	Use:   "deferred",
	Short: "Inspect sub-batches deferred after exhausting retries",
}

var deferredListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deferred sub-batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("inspect"); err != nil {
			return err
		}

		var lister deferred.Lister
		if cfg.Deferred.Backend == "store" {
			st, err := initStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			lister = deferred.NewRecordStore(st)
		} else {
			// AMQP deferrals are consumed from the queue; only file
			// fallbacks are listable here.
			lister = deferred.NewFileStore(cfg.Deferred.Dir, zap.L())
		}

		recs, err := lister.List(ctx, deferredLabel)
		if err != nil {
			return err
		}
		if deferredJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}
		return renderDeferred(os.Stdout, recs)
	},
}

// renderDeferred writes one line per deferred record.
func renderDeferred(w io.Writer, recs []model.DeferredRecord) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "No deferred sub-batches.")
		return err
	}
	items := 0
	for _, r := range recs {
		items += len(r.Items)
		if _, err := fmt.Fprintf(w, "%s  %-20s %5d items  %2d attempts  %s  %s\n",
			r.CreatedAt.UTC().Format(time.RFC3339), r.Label, len(r.Items), r.Attempts, r.ID, r.Error); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d deferred sub-batches, %d items\n", len(recs), items)
	return err
}

func init() {
	deferredListCmd.Flags().StringVar(&deferredLabel, "label", "", "only list deferrals with this label (stage name)")
	deferredListCmd.Flags().BoolVar(&deferredJSON, "json", false, "print records as JSON")
	deferredCmd.AddCommand(deferredListCmd)
	rootCmd.AddCommand(deferredCmd)
}
