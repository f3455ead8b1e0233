package model

import "time"

// JobStatus is the terminal status reported by the batch service.
type JobStatus string

const (
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status ends polling.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCancelled, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Retryable reports whether the status should trigger another attempt.
func (s JobStatus) Retryable() bool {
	return s == JobStatusCancelled || s == JobStatusFailed
}

// JobSnapshot is a single poll observation of a batch job.
type JobSnapshot struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Completed int64     `json:"completed"`
	Total     int64     `json:"total"`
}

// LedgerState is the persisted spend for one budget period.
type LedgerState struct {
	Period    string    `json:"period"`
	LimitUSD  float64   `json:"limit_usd"`
	SpentUSD  float64   `json:"spent_usd"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining returns the unspent budget, never negative.
func (l LedgerState) Remaining() float64 {
	r := l.LimitUSD - l.SpentUSD
	if r < 0 {
		return 0
	}
	return r
}
