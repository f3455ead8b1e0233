package batchsvc

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/model"
	"github.com/sells-group/batch-cli/pkg/anthropic"
)

const defaultMaxTokens = 1024

// AnthropicService adapts the Anthropic Message Batches API to Service.
type AnthropicService struct {
	client       anthropic.Client
	defaultModel string
	log          *zap.Logger
}

// NewAnthropicService creates a Service backed by client. defaultModel is
// used for submission lines that do not name a body.model.
func NewAnthropicService(client anthropic.Client, defaultModel string, log *zap.Logger) *AnthropicService {
	if log == nil {
		log = zap.L()
	}
	return &AnthropicService{client: client, defaultModel: defaultModel, log: log}
}

// Submit reads a submission file and creates one message batch from it.
func (s *AnthropicService) Submit(ctx context.Context, filePath string) (string, error) {
	reqs, err := s.readRequests(filePath)
	if err != nil {
		return "", err
	}
	if len(reqs) == 0 {
		return "", eris.Errorf("batchsvc: submission %s has no requests", filePath)
	}

	resp, err := s.client.CreateBatch(ctx, anthropic.BatchRequest{Requests: reqs})
	if err != nil {
		return "", eris.Wrap(err, "batchsvc: submit")
	}
	s.log.Info("batchsvc: batch created",
		zap.String("job_id", resp.ID),
		zap.Int("requests", len(reqs)),
	)
	return resp.ID, nil
}

// Poll implements Service.
func (s *AnthropicService) Poll(ctx context.Context, jobID string) (model.JobSnapshot, error) {
	resp, err := s.client.GetBatch(ctx, jobID)
	if err != nil {
		return model.JobSnapshot{}, eris.Wrap(err, "batchsvc: poll")
	}
	return Snapshot(resp), nil
}

// Cancel implements Service.
func (s *AnthropicService) Cancel(ctx context.Context, jobID string) error {
	if _, err := s.client.CancelBatch(ctx, jobID); err != nil {
		return eris.Wrap(err, "batchsvc: cancel")
	}
	return nil
}

type resultLine struct {
	CustomID string          `json:"custom_id"`
	Response *resultResponse `json:"response,omitempty"`
	Error    *resultError    `json:"error,omitempty"`
}

type resultResponse struct {
	StatusCode int        `json:"status_code"`
	Body       resultBody `json:"body"`
}

type resultBody struct {
	Choices []resultChoice `json:"choices"`
}

type resultChoice struct {
	Message resultMessage `json:"message"`
}

type resultMessage struct {
	Content string `json:"content"`
}

type resultError struct {
	Type string `json:"type"`
}

// Download streams batch results into destPath as newline-delimited
// result lines. Items that did not succeed are written with an error
// object and no response.
func (s *AnthropicService) Download(ctx context.Context, jobID, destPath string) error {
	iter, err := s.client.GetBatchResults(ctx, jobID)
	if err != nil {
		return eris.Wrap(err, "batchsvc: download")
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		_ = iter.Close()
		return eris.Wrapf(err, "batchsvc: create dir for %s", destPath)
	}
	f, err := os.Create(destPath)
	if err != nil {
		_ = iter.Close()
		return eris.Wrapf(err, "batchsvc: create %s", destPath)
	}
	defer f.Close() //nolint:errcheck

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	tally, err := anthropic.DrainBatchResults(iter, func(item anthropic.BatchResultItem) error {
		line := resultLine{CustomID: item.CustomID}
		if item.Type == anthropic.ResultSucceeded && item.Message != nil {
			line.Response = &resultResponse{
				StatusCode: 200,
				Body: resultBody{Choices: []resultChoice{
					{Message: resultMessage{Content: item.Message.Text()}},
				}},
			}
		} else {
			line.Error = &resultError{Type: item.Type}
		}
		return enc.Encode(line)
	})
	if err != nil {
		return eris.Wrapf(err, "batchsvc: download %s", jobID)
	}
	if err := w.Flush(); err != nil {
		return eris.Wrapf(err, "batchsvc: flush %s", destPath)
	}

	s.log.Info("batchsvc: results downloaded",
		zap.String("job_id", jobID),
		zap.String("path", destPath),
		zap.Int("succeeded", tally.Succeeded),
		zap.Int("failed", tally.Failed),
	)
	return nil
}

// Snapshot maps a batch response onto a JobSnapshot. An ended batch with
// no succeeded requests is Failed when any request expired, Cancelled when
// any was canceled, and Failed otherwise. Every other processing status
// (in_progress, canceling) is still in progress.
func Snapshot(resp *anthropic.BatchResponse) model.JobSnapshot {
	snap := model.JobSnapshot{
		ID:        resp.ID,
		Completed: resp.RequestCounts.Finished(),
		Total:     resp.RequestCounts.Total(),
	}
	counts := resp.RequestCounts

	switch resp.ProcessingStatus {
	case anthropic.StatusEnded:
		switch {
		case counts.Succeeded > 0 || counts.Total() == 0:
			snap.Status = model.JobStatusCompleted
		case counts.Expired > 0:
			snap.Status = model.JobStatusFailed
		case counts.Canceled > 0:
			snap.Status = model.JobStatusCancelled
		default:
			snap.Status = model.JobStatusFailed
		}
	default:
		snap.Status = model.JobStatusInProgress
	}
	return snap
}

func (s *AnthropicService) readRequests(path string) ([]anthropic.BatchRequestItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "batchsvc: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var reqs []anthropic.BatchRequestItem
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		if !gjson.ValidBytes(raw) {
			return nil, eris.Errorf("batchsvc: %s line %d is not valid JSON", path, lineNo)
		}
		reqs = append(reqs, s.requestFromLine(gjson.ParseBytes(raw)))
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "batchsvc: read %s", path)
	}
	return reqs, nil
}

func (s *AnthropicService) requestFromLine(line gjson.Result) anthropic.BatchRequestItem {
	body := line.Get("body")

	params := anthropic.MessageRequest{
		Model:     body.Get("model").String(),
		MaxTokens: body.Get("max_tokens").Int(),
	}
	if params.Model == "" {
		params.Model = s.defaultModel
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = defaultMaxTokens
	}
	if t := body.Get("temperature"); t.Exists() {
		v := t.Float()
		params.Temperature = &v
	}

	sys := body.Get("system")
	switch {
	case sys.Type == gjson.String && sys.String() != "":
		params.System = []anthropic.SystemBlock{{Text: sys.String()}}
	case sys.IsArray():
		sys.ForEach(func(_, v gjson.Result) bool {
			params.System = append(params.System, anthropic.SystemBlock{Text: blockText(v)})
			return true
		})
	}

	body.Get("messages").ForEach(func(_, m gjson.Result) bool {
		params.Messages = append(params.Messages, anthropic.Message{
			Role:    m.Get("role").String(),
			Content: blockText(m.Get("content")),
		})
		return true
	})
	if len(params.Messages) == 0 {
		// Lines without messages send their payload as the user turn.
		content := line.Get("payload").Raw
		if content == "" {
			content = body.Raw
		}
		if content == "" {
			content = line.Raw
		}
		params.Messages = []anthropic.Message{{Role: "user", Content: content}}
	}

	return anthropic.BatchRequestItem{
		CustomID: line.Get("custom_id").String(),
		Params:   params,
	}
}

// blockText flattens a string or an array of text blocks.
func blockText(v gjson.Result) string {
	if !v.IsArray() {
		if v.IsObject() {
			return v.Get("text").String()
		}
		return v.String()
	}
	var out string
	v.ForEach(func(_, b gjson.Result) bool {
		if b.Type == gjson.String {
			out += b.String()
		} else {
			out += b.Get("text").String()
		}
		return true
	})
	return out
}
