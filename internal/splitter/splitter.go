// Package splitter partitions work items into token-bounded sub-batches.
package splitter

import (
	"github.com/sells-group/batch-cli/internal/model"
)

// DefaultTokenLimit is the per-sub-batch token budget used when none is configured.
const DefaultTokenLimit = 200_000

// Split greedily partitions items into sub-batches whose summed token
// estimate stays within tokenLimit. An item whose own estimate exceeds the
// limit is emitted as a singleton. Input order is preserved and every item
// appears in exactly one sub-batch. A non-positive limit uses DefaultTokenLimit.
func Split(items []model.WorkItem, tokenLimit int) []model.SubBatch {
	if len(items) == 0 {
		return nil
	}
	if tokenLimit <= 0 {
		tokenLimit = DefaultTokenLimit
	}

	var (
		batches []model.SubBatch
		current model.SubBatch
		tokens  int
	)
	for _, it := range items {
		n := it.Tokens()
		if len(current) > 0 && tokens+n > tokenLimit {
			batches = append(batches, current)
			current = nil
			tokens = 0
		}
		current = append(current, it)
		tokens += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
