package deferred

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/model"
)

const (
	filePrefix = "failed_"
	fileSuffix = ".jsonl"
)

// FileStore writes each deferral to its own newline-delimited JSON file
// named failed_<label>_<ulid>.jsonl under Dir.
type FileStore struct {
	Dir string
	log *zap.Logger
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string, log *zap.Logger) *FileStore {
	if log == nil {
		log = zap.L()
	}
	return &FileStore{Dir: dir, log: log}
}

// Path returns the file a record is written to.
func (s *FileStore) Path(rec model.DeferredRecord) string {
	return filepath.Join(s.Dir, filePrefix+SafeLabel(rec.Label)+"_"+rec.ID+fileSuffix)
}

// Persist implements Store. The file is written under a temporary name and
// renamed into place once synced.
func (s *FileStore) Persist(ctx context.Context, label string, items []model.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "deferred: persist file")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return eris.Wrapf(err, "deferred: create dir %s", s.Dir)
	}

	rec := NewRecord(ctx, label, items)
	path := s.Path(rec)
	tmp := path + ".tmp"

	if err := writeItems(tmp, rec.Items); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "deferred: rename %s", tmp)
	}

	s.log.Warn("deferred: sub-batch saved",
		zap.String("label", label),
		zap.String("path", path),
		zap.Int("items", len(items)),
	)
	return nil
}

func writeItems(path string, items []model.WorkItem) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return eris.Wrapf(err, "deferred: create %s", path)
	}
	defer f.Close() //nolint:errcheck

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return eris.Wrapf(err, "deferred: encode item %s", item.ID)
		}
	}
	if err := w.Flush(); err != nil {
		return eris.Wrapf(err, "deferred: flush %s", path)
	}
	if err := f.Sync(); err != nil {
		return eris.Wrapf(err, "deferred: sync %s", path)
	}
	return nil
}

// List implements Lister. Records are returned oldest first.
func (s *FileStore) List(_ context.Context, label string) ([]model.DeferredRecord, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "deferred: read dir %s", s.Dir)
	}

	want := ""
	if label != "" {
		want = SafeLabel(label)
	}

	var out []model.DeferredRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lbl, id, ok := parseFileName(e.Name())
		if !ok || (want != "" && lbl != want) {
			continue
		}
		items, err := readItems(filepath.Join(s.Dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, model.DeferredRecord{
			ID:        id.String(),
			Label:     lbl,
			Items:     items,
			CreatedAt: ulid.Time(id.Time()).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func parseFileName(name string) (string, ulid.ULID, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", ulid.ULID{}, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	sep := strings.LastIndex(core, "_")
	if sep <= 0 {
		return "", ulid.ULID{}, false
	}
	id, err := ulid.ParseStrict(core[sep+1:])
	if err != nil {
		return "", ulid.ULID{}, false
	}
	return core[:sep], id, true
}

func readItems(path string) ([]model.WorkItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "deferred: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var items []model.WorkItem
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var item model.WorkItem
		if err := json.Unmarshal(sc.Bytes(), &item); err != nil {
			return nil, eris.Wrapf(err, "deferred: decode %s", path)
		}
		items = append(items, item)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "deferred: read %s", path)
	}
	return items, nil
}
