// Package model defines the data shapes that flow through the batch submission engine.
package model

import (
	"encoding/json"
	"time"
)

// DefaultEstimatedTokens is used when a work item carries no token estimate.
const DefaultEstimatedTokens = 300

// WorkItem is a single request destined for the batch service. Work items
// are never mutated after construction.
type WorkItem struct {
	ID              string          `json:"id"`
	Payload         json.RawMessage `json:"payload"`
	EstimatedTokens int             `json:"estimated_tokens"`
}

// NewWorkItem builds a work item with the default token estimate.
func NewWorkItem(id string, payload json.RawMessage) WorkItem {
	return WorkItem{ID: id, Payload: payload, EstimatedTokens: DefaultEstimatedTokens}
}

// UnmarshalJSON applies DefaultEstimatedTokens when estimated_tokens is absent.
func (w *WorkItem) UnmarshalJSON(data []byte) error {
	type alias WorkItem
	aux := struct {
		*alias
		EstimatedTokens *int `json:"estimated_tokens"`
	}{alias: (*alias)(w)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	w.EstimatedTokens = DefaultEstimatedTokens
	if aux.EstimatedTokens != nil {
		w.EstimatedTokens = *aux.EstimatedTokens
	}
	return nil
}

// Tokens returns the item's token estimate. Negative estimates count as zero.
func (w WorkItem) Tokens() int {
	if w.EstimatedTokens < 0 {
		return 0
	}
	return w.EstimatedTokens
}

// SubBatch is an ordered group of work items submitted as one job.
type SubBatch []WorkItem

// Tokens returns the summed token estimate of the sub-batch.
func (b SubBatch) Tokens() int {
	var n int
	for _, it := range b {
		n += it.Tokens()
	}
	return n
}

// IDs returns the item ids in order.
func (b SubBatch) IDs() []string {
	ids := make([]string, len(b))
	for i, it := range b {
		ids[i] = it.ID
	}
	return ids
}

// DeferredRecord is a sub-batch that exhausted its retries.
type DeferredRecord struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	Items     []WorkItem `json:"items"`
	Error     string     `json:"error,omitempty"`
	ErrorType string     `json:"error_type,omitempty"` // "transient" or "permanent"
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"created_at"`
}

// ResultRecord is one successfully parsed line of a result file.
type ResultRecord struct {
	ItemID        string          `json:"item_id"`
	ParsedContent json.RawMessage `json:"parsed_content"`
}
