package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Report summarizes one stage.
type Report struct {
	Stage string
	Model string
	// Fetched is the item count before cleaning; Items after.
	Fetched int
	Items   int

	SubBatches     int
	Completed      int
	Deferred       int
	DeferredItems  int
	BudgetRejected int
	Failed         int
	BudgetSkipped  bool

	Records     int
	ParseErrors int64

	EstimatedUSD float64
	CostUSD      float64
	Duration     time.Duration
}

func (r *Report) add(o batchOutcome) {
	if o.completed {
		r.Completed++
	}
	if o.deferred > 0 {
		r.Deferred++
		r.DeferredItems += o.deferred
	}
	if o.budgetRejected {
		r.BudgetRejected++
	}
	if o.failed {
		r.Failed++
	}
	r.CostUSD += o.costUSD
	r.Records += o.records
	r.ParseErrors += o.parseErrors
}

// FormatReports renders a human-readable run summary.
func FormatReports(reports []Report) string {
	var b strings.Builder

	b.WriteString("# Batch Run Report\n\n")
	if len(reports) == 0 {
		b.WriteString("No stages ran.\n")
		return b.String()
	}

	var totalCost float64
	var totalRecords, totalDeferred int
	for _, r := range reports {
		fmt.Fprintf(&b, "## %s (%s)\n", r.Stage, r.Model)
		if r.BudgetSkipped {
			fmt.Fprintf(&b, "- Skipped: budget exceeded (estimate $%.4f)\n\n", r.EstimatedUSD)
			continue
		}
		if r.Items == 0 {
			fmt.Fprintf(&b, "- Skipped: no items (%d fetched)\n\n", r.Fetched)
			continue
		}
		fmt.Fprintf(&b, "- Items: %d (%d fetched)\n", r.Items, r.Fetched)
		fmt.Fprintf(&b, "- Sub-batches: %d completed, %d deferred, %d over budget, %d failed of %d\n",
			r.Completed, r.Deferred, r.BudgetRejected, r.Failed, r.SubBatches)
		if r.DeferredItems > 0 {
			fmt.Fprintf(&b, "- Deferred items: %d\n", r.DeferredItems)
		}
		fmt.Fprintf(&b, "- Records: %d ingested, %d parse errors\n", r.Records, r.ParseErrors)
		fmt.Fprintf(&b, "- Cost: $%.4f (estimate $%.4f)\n", r.CostUSD, r.EstimatedUSD)
		fmt.Fprintf(&b, "- Duration: %s\n\n", r.Duration.Round(time.Second))

		totalCost += r.CostUSD
		totalRecords += r.Records
		totalDeferred += r.DeferredItems
	}

	b.WriteString("## Totals\n")
	fmt.Fprintf(&b, "- Records: %d\n", totalRecords)
	fmt.Fprintf(&b, "- Deferred items: %d\n", totalDeferred)
	fmt.Fprintf(&b, "- Cost: $%.4f\n", totalCost)
	return b.String()
}
