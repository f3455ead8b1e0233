// Package batchsvc defines the asynchronous batch-service boundary: the
// Service interface the submitter drives, the submission-file writer, and
// the Anthropic Message Batches adapter.
package batchsvc

import (
	"context"

	"github.com/sells-group/batch-cli/internal/model"
)

// Service is an external asynchronous batch-processing service.
type Service interface {
	// Submit uploads the newline-delimited submission file and returns the job id.
	Submit(ctx context.Context, filePath string) (string, error)
	// Poll reports the current status of a job.
	Poll(ctx context.Context, jobID string) (model.JobSnapshot, error)
	// Cancel requests cancellation of a running job.
	Cancel(ctx context.Context, jobID string) error
	// Download writes the job's newline-delimited results to destPath.
	Download(ctx context.Context, jobID, destPath string) error
}
