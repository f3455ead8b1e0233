package batchsvc

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/sells-group/batch-cli/internal/model"
)

// SubmissionLine builds one submission-file line for item. Object payloads
// are spread into the line; any other payload is kept under "payload".
// custom_id and meta.estimated_tokens are always set, and body.model is
// filled from modelName unless the payload already names one.
func SubmissionLine(item model.WorkItem, modelName string) ([]byte, error) {
	line := []byte(`{}`)
	raw := item.Payload
	if len(raw) > 0 && gjson.ValidBytes(raw) {
		if gjson.ParseBytes(raw).IsObject() {
			line = append([]byte(nil), raw...)
		} else {
			var err error
			line, err = sjson.SetRawBytes(line, "payload", raw)
			if err != nil {
				return nil, eris.Wrapf(err, "batchsvc: set payload for %s", item.ID)
			}
		}
	} else if len(raw) > 0 {
		return nil, eris.Errorf("batchsvc: item %s has invalid JSON payload", item.ID)
	}

	var err error
	if line, err = sjson.SetBytes(line, "custom_id", item.ID); err != nil {
		return nil, eris.Wrapf(err, "batchsvc: set custom_id for %s", item.ID)
	}
	if line, err = sjson.SetBytes(line, "meta.estimated_tokens", item.EstimatedTokens); err != nil {
		return nil, eris.Wrapf(err, "batchsvc: set meta for %s", item.ID)
	}
	if modelName != "" && !gjson.GetBytes(line, "body.model").Exists() {
		if line, err = sjson.SetBytes(line, "body.model", modelName); err != nil {
			return nil, eris.Wrapf(err, "batchsvc: set model for %s", item.ID)
		}
	}
	return line, nil
}

// WriteSubmission writes batch as a newline-delimited submission file
// under dir and returns its path. Each call produces a new file.
func WriteSubmission(dir string, batch model.SubBatch, modelName string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "batchsvc: create dir %s", dir)
	}

	path := filepath.Join(dir, "submit_"+uuid.NewString()+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return "", eris.Wrapf(err, "batchsvc: create %s", path)
	}
	defer f.Close() //nolint:errcheck

	w := bufio.NewWriter(f)
	for _, item := range batch {
		line, err := SubmissionLine(item, modelName)
		if err != nil {
			return "", err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return "", eris.Wrapf(err, "batchsvc: write %s", path)
		}
	}
	if err := w.Flush(); err != nil {
		return "", eris.Wrapf(err, "batchsvc: flush %s", path)
	}
	if err := f.Sync(); err != nil {
		return "", eris.Wrapf(err, "batchsvc: sync %s", path)
	}
	return path, nil
}
