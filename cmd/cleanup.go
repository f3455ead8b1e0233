package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/batch-cli/internal/retention"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete downloaded result files older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days := cleanupDays
		if days <= 0 {
			days = cfg.Retention.BatchResponseDays
		}
		c := &retention.Cleaner{Dir: cfg.Pipeline.WorkDir, Days: days}
		n, err := c.Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "removed %d result files from %s\n", n, cfg.Pipeline.WorkDir)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "retention window in days (default from config)")
	rootCmd.AddCommand(cleanupCmd)
}
