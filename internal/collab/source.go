// Package collab provides the default pipeline collaborators: a JSONL item
// source, a text sanitizer and validator, and result sinks.
package collab

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/model"
)

const maxLineBytes = 16 << 20

// JSONLSource reads work items from a newline-delimited JSON file.
//
// A line carrying a "payload" field is read as a WorkItem. Any other object
// becomes the payload of a new item whose id is taken from "id" or
// "custom_id" and whose estimate is taken from "estimated_tokens" or
// "meta.estimated_tokens". Lines without an id are skipped.
type JSONLSource struct {
	Path string
	// DefaultTokens applies when a line has no estimate. Zero uses
	// model.DefaultEstimatedTokens.
	DefaultTokens int
	Log           *zap.Logger
}

// Fetch implements pipeline.Source.
func (s *JSONLSource) Fetch(ctx context.Context) ([]model.WorkItem, error) {
	log := s.Log
	if log == nil {
		log = zap.L()
	}
	defTokens := s.DefaultTokens
	if defTokens <= 0 {
		defTokens = model.DefaultEstimatedTokens
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "collab: open %s", s.Path)
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var items []model.WorkItem
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, eris.Wrap(err, "collab: fetch")
			}
		}
		line := sc.Bytes()
		if !gjson.ValidBytes(line) {
			if len(bytes.TrimSpace(line)) > 0 {
				log.Warn("collab: skipping invalid line", zap.String("path", s.Path), zap.Int("line", lineNo))
			}
			continue
		}
		item, ok := decodeItem(line, defTokens)
		if !ok {
			log.Warn("collab: skipping line without id", zap.String("path", s.Path), zap.Int("line", lineNo))
			continue
		}
		items = append(items, item)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "collab: read %s", s.Path)
	}

	log.Info("collab: loaded items", zap.String("path", s.Path), zap.Int("items", len(items)))
	return items, nil
}

func decodeItem(line []byte, defTokens int) (model.WorkItem, bool) {
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return model.WorkItem{}, false
	}

	id := doc.Get("id")
	if !id.Exists() {
		id = doc.Get("custom_id")
	}
	if id.Type != gjson.String || id.Str == "" {
		return model.WorkItem{}, false
	}

	payload := json.RawMessage(line)
	if p := doc.Get("payload"); p.Exists() {
		payload = json.RawMessage(p.Raw)
	}

	tokens := defTokens
	for _, path := range []string{"estimated_tokens", "meta.estimated_tokens"} {
		if v := doc.Get(path); v.Type == gjson.Number {
			tokens = int(v.Int())
			break
		}
	}

	return model.WorkItem{
		ID:              id.Str,
		Payload:         append(json.RawMessage(nil), payload...),
		EstimatedTokens: tokens,
	}, true
}
