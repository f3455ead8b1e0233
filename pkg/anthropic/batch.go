package anthropic

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Processing statuses reported for a message batch.
const (
	StatusInProgress = "in_progress"
	StatusCanceling  = "canceling"
	StatusEnded      = "ended"
)

// Per-item result types.
const (
	ResultSucceeded = "succeeded"
	ResultErrored   = "errored"
	ResultCanceled  = "canceled"
	ResultExpired   = "expired"
)

// BatchRequest is our own request type for CreateBatch.
type BatchRequest struct {
	Requests []BatchRequestItem
}

// BatchRequestItem is a single item in a batch request.
type BatchRequestItem struct {
	CustomID string
	Params   MessageRequest
}

// BatchResponse is our own response type for batch operations.
type BatchResponse struct {
	ID               string
	ProcessingStatus string
	ResultsURL       string
	RequestCounts    RequestCounts
}

// RequestCounts tallies requests by status.
type RequestCounts struct {
	Processing int64
	Succeeded  int64
	Errored    int64
	Canceled   int64
	Expired    int64
}

// Finished returns the number of requests that reached a terminal state.
func (c RequestCounts) Finished() int64 {
	return c.Succeeded + c.Errored + c.Canceled + c.Expired
}

// Total returns the number of requests in the batch.
func (c RequestCounts) Total() int64 {
	return c.Finished() + c.Processing
}

// BatchResultItem is a single result from a completed batch.
type BatchResultItem struct {
	CustomID string
	Type     string // "succeeded", "errored", "canceled", "expired"
	Message  *MessageResponse
}

// DrainTally summarizes a drained result stream.
type DrainTally struct {
	Succeeded int
	Failed    int
}

// DrainBatchResults streams every item of iter into fn and closes the
// iterator. It stops at the first error returned by fn.
func DrainBatchResults(iter BatchResultIterator, fn func(BatchResultItem) error) (DrainTally, error) {
	defer iter.Close() //nolint:errcheck

	var tally DrainTally
	for iter.Next() {
		item := iter.Item()
		if item.Type == ResultSucceeded && item.Message != nil {
			tally.Succeeded++
		} else {
			tally.Failed++
			zap.L().Debug("anthropic: batch item not succeeded",
				zap.String("custom_id", item.CustomID),
				zap.String("type", item.Type),
			)
		}
		if err := fn(item); err != nil {
			return tally, eris.Wrapf(err, "anthropic: handle result %s", item.CustomID)
		}
	}
	if err := iter.Err(); err != nil {
		return tally, eris.Wrap(err, "anthropic: drain batch results")
	}

	if tally.Failed > 0 {
		zap.L().Warn("anthropic: batch had failed items",
			zap.Int("succeeded", tally.Succeeded),
			zap.Int("failed", tally.Failed),
		)
	}

	return tally, nil
}
