package collab

import (
	"bufio"
	"context"
	"encoding/json"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/batch-cli/internal/model"
)

// JSONLSink appends result records to a newline-delimited JSON file. Writes
// from concurrent sub-batches are serialized.
type JSONLSink struct {
	Path string

	mu sync.Mutex
}

type sinkLine struct {
	Stage   string          `json:"stage"`
	ItemID  string          `json:"item_id"`
	Content json.RawMessage `json:"content"`
}

// Consume implements pipeline.Sink.
func (s *JSONLSink) Consume(ctx context.Context, stage string, recs iter.Seq[model.ResultRecord]) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return 0, eris.Wrapf(err, "collab: create dir for %s", s.Path)
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, eris.Wrapf(err, "collab: open %s", s.Path)
	}
	defer f.Close() //nolint:errcheck

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	n := 0
	for rec := range recs {
		if err := ctx.Err(); err != nil {
			return n, eris.Wrap(err, "collab: consume")
		}
		if err := enc.Encode(sinkLine{Stage: stage, ItemID: rec.ItemID, Content: rec.ParsedContent}); err != nil {
			return n, eris.Wrapf(err, "collab: write %s", rec.ItemID)
		}
		n++
	}
	if err := w.Flush(); err != nil {
		return n, eris.Wrapf(err, "collab: flush %s", s.Path)
	}
	return n, eris.Wrapf(f.Sync(), "collab: sync %s", s.Path)
}

// ResultSaver is the persistence surface StoreSink writes through.
// store.Store satisfies it.
type ResultSaver interface {
	SaveResults(ctx context.Context, stage string, recs []model.ResultRecord) (int, error)
}

// DefaultSinkBatch is the number of records StoreSink saves per call.
const DefaultSinkBatch = 500

// StoreSink saves result records to the database in chunks.
type StoreSink struct {
	saver     ResultSaver
	batchSize int
}

// NewStoreSink creates a StoreSink. Non-positive batchSize uses DefaultSinkBatch.
func NewStoreSink(saver ResultSaver, batchSize int) *StoreSink {
	if batchSize <= 0 {
		batchSize = DefaultSinkBatch
	}
	return &StoreSink{saver: saver, batchSize: batchSize}
}

// Consume implements pipeline.Sink.
func (s *StoreSink) Consume(ctx context.Context, stage string, recs iter.Seq[model.ResultRecord]) (int, error) {
	total := 0
	buf := make([]model.ResultRecord, 0, s.batchSize)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		n, err := s.saver.SaveResults(ctx, stage, buf)
		if err != nil {
			return eris.Wrapf(err, "collab: save %d results", len(buf))
		}
		total += n
		buf = make([]model.ResultRecord, 0, s.batchSize)
		return nil
	}

	for rec := range recs {
		buf = append(buf, rec)
		if len(buf) >= s.batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}
