package collab

import (
	"bufio"
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/model"
)

// DefaultThreshold is the weighted score an upstream result must reach when
// no threshold is configured.
const DefaultThreshold = 7.0

// Score weights one numeric field of an upstream result. Field is a gjson
// path into the result content.
type Score struct {
	Field  string
	Weight float64
}

// ChainSource feeds a stage from an earlier stage's results. It reads the
// JSONL written by the upstream JSONLSink, keeps item ids whose weighted
// score reaches Threshold, and returns those items from Items in Items'
// order. Results missing a scored field are not selected.
type ChainSource struct {
	// Results is the upstream stage's JSONL sink output.
	Results string
	// Stage filters result lines by their "stage" field when set.
	Stage     string
	Scores    []Score
	Threshold float64
	Items     *JSONLSource
	Log       *zap.Logger
}

// Fetch implements pipeline.Source.
func (s *ChainSource) Fetch(ctx context.Context) ([]model.WorkItem, error) {
	log := s.Log
	if log == nil {
		log = zap.L()
	}

	keep, err := s.Selected(ctx)
	if err != nil {
		return nil, err
	}
	all, err := s.Items.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]model.WorkItem, 0, len(keep))
	for _, it := range all {
		if _, ok := keep[it.ID]; ok {
			items = append(items, it)
		}
	}
	log.Info("collab: chained items selected",
		zap.String("results", s.Results),
		zap.Int("selected", len(keep)),
		zap.Int("items", len(items)),
	)
	return items, nil
}

// Selected returns the ids whose weighted score is at or above the
// threshold, mapped to that score.
func (s *ChainSource) Selected(ctx context.Context) (map[string]float64, error) {
	log := s.Log
	if log == nil {
		log = zap.L()
	}
	if len(s.Scores) == 0 {
		return nil, eris.New("collab: chain source has no scores")
	}
	threshold := s.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	f, err := os.Open(s.Results)
	if err != nil {
		return nil, eris.Wrapf(err, "collab: open results %s", s.Results)
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	keep := make(map[string]float64)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, eris.Wrap(err, "collab: select")
			}
		}
		line := sc.Bytes()
		if !gjson.ValidBytes(line) {
			continue
		}
		doc := gjson.ParseBytes(line)
		if s.Stage != "" && doc.Get("stage").Str != s.Stage {
			continue
		}
		id := doc.Get("item_id").Str
		if id == "" {
			continue
		}
		score, ok := s.weigh(doc.Get("content"))
		if !ok {
			log.Warn("collab: result missing score fields",
				zap.String("path", s.Results),
				zap.Int("line", lineNo),
				zap.String("item_id", id),
			)
			continue
		}
		if score >= threshold {
			keep[id] = score
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "collab: read results %s", s.Results)
	}
	return keep, nil
}

// weigh sums Weight*field over the scores. Content that is a JSON string is
// decoded first.
func (s *ChainSource) weigh(content gjson.Result) (float64, bool) {
	if content.Type == gjson.String {
		content = gjson.Parse(content.Str)
	}
	if !content.IsObject() {
		return 0, false
	}
	var total float64
	for _, sc := range s.Scores {
		v := content.Get(sc.Field)
		if v.Type != gjson.Number {
			return 0, false
		}
		total += v.Float() * sc.Weight
	}
	return total, true
}
