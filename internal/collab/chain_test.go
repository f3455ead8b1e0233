package collab

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/model"
)

var filterScores = []Score{
	{Field: "relevance_score", Weight: 0.5},
	{Field: "emotional_intensity", Weight: 0.25},
	{Field: "pain_point_clarity", Weight: 0.25},
}

func TestChainSource_SelectsAboveThreshold(t *testing.T) {
	results := writeFile(t,
		`{"stage":"filter","item_id":"hi","content":{"relevance_score":9,"emotional_intensity":8,"pain_point_clarity":7}}`,
		`{"stage":"filter","item_id":"edge","content":{"relevance_score":7,"emotional_intensity":7,"pain_point_clarity":7}}`,
		`{"stage":"filter","item_id":"lo","content":{"relevance_score":2,"emotional_intensity":9,"pain_point_clarity":9}}`,
		`{"stage":"filter","item_id":"partial","content":{"relevance_score":10}}`,
		`{"stage":"filter","item_id":"str","content":"{\"relevance_score\":10,\"emotional_intensity\":10,\"pain_point_clarity\":10}"}`,
		`{"stage":"other","item_id":"skip","content":{"relevance_score":10,"emotional_intensity":10,"pain_point_clarity":10}}`,
		`garbage`,
	)
	src := &ChainSource{Results: results, Stage: "filter", Scores: filterScores, Log: zap.NewNop()}

	keep, err := src.Selected(context.Background())
	require.NoError(t, err)
	assert.Len(t, keep, 3)
	assert.InDelta(t, 8.25, keep["hi"], 1e-9)
	assert.Equal(t, 7.0, keep["edge"])
	assert.InDelta(t, 10.0, keep["str"], 1e-9)
	assert.NotContains(t, keep, "lo")
	assert.NotContains(t, keep, "partial")
	assert.NotContains(t, keep, "skip")
}

func TestChainSource_Fetch(t *testing.T) {
	results := writeFile(t,
		`{"stage":"filter","item_id":"c","content":{"score":9}}`,
		`{"stage":"filter","item_id":"a","content":{"score":5}}`,
		`{"stage":"filter","item_id":"missing","content":{"score":9}}`,
	)
	items := writeFile(t,
		`{"id":"a","payload":{"t":"a"}}`,
		`{"id":"b","payload":{"t":"b"}}`,
		`{"id":"c","payload":{"t":"c"}}`,
	)

	src := &ChainSource{
		Results:   results,
		Scores:    []Score{{Field: "score", Weight: 1}},
		Threshold: 5,
		Items:     &JSONLSource{Path: items, Log: zap.NewNop()},
		Log:       zap.NewNop(),
	}
	got, err := src.Fetch(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, it := range got {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
	assert.JSONEq(t, `{"t":"c"}`, string(got[1].Payload))
}

func TestChainSource_ReadsSinkOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.jsonl")
	sink := &JSONLSink{Path: path}
	_, err := sink.Consume(context.Background(), "filter", seq(
		model.ResultRecord{ItemID: "x", ParsedContent: json.RawMessage(`{"score":8}`)},
		model.ResultRecord{ItemID: "y", ParsedContent: json.RawMessage(`{"score":3}`)},
	))
	require.NoError(t, err)

	src := &ChainSource{Results: path, Stage: "filter", Scores: []Score{{Field: "score", Weight: 1}}, Log: zap.NewNop()}
	keep, err := src.Selected(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"x": 8}, keep)
}

func TestChainSource_Errors(t *testing.T) {
	_, err := (&ChainSource{Results: "unused"}).Selected(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scores")

	src := &ChainSource{Results: filepath.Join(t.TempDir(), "nope.jsonl"), Scores: filterScores, Log: zap.NewNop()}
	_, err = src.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collab: open results")
}
