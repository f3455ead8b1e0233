// Package ingest turns downloaded batch result files into ResultRecords.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"iter"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/model"
)

const (
	idPath      = "custom_id"
	contentPath = "response.body.choices.0.message.content"
	maxLineSize = 16 * 1024 * 1024
)

// ParseError describes one skipped result line.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return e.Path + ":" + strconv.Itoa(e.Line) + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser parses result files. The zero value is usable.
type Parser struct {
	// RequiredKeys must all be present in the decoded content object.
	RequiredKeys []string
	// OnError is called for every skipped line.
	OnError func(*ParseError)
	// Log receives a warning per skipped line. Nil means zap.L().
	Log *zap.Logger

	errors atomic.Int64
}

// Errors returns the number of lines skipped across all Parse calls.
func (p *Parser) Errors() int64 {
	return p.errors.Load()
}

// Parse returns a lazy sequence of records from path. Each range over the
// sequence re-reads the file from the start. Malformed lines are skipped
// and reported through OnError; a file that cannot be opened or read is
// reported the same way with line 0.
func (p *Parser) Parse(path string) iter.Seq[model.ResultRecord] {
	return func(yield func(model.ResultRecord) bool) {
		f, err := os.Open(path)
		if err != nil {
			p.fail(path, 0, eris.Wrapf(err, "ingest: open %s", path))
			return
		}
		defer f.Close() //nolint:errcheck

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		lineNo := 0
		for sc.Scan() {
			lineNo++
			raw := sc.Bytes()
			if len(bytes.TrimSpace(raw)) == 0 {
				continue
			}
			rec, err := p.decode(raw)
			if err != nil {
				p.fail(path, lineNo, err)
				continue
			}
			if !yield(rec) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			p.fail(path, lineNo+1, eris.Wrapf(err, "ingest: read %s", path))
		}
	}
}

func (p *Parser) decode(raw []byte) (model.ResultRecord, error) {
	if !gjson.ValidBytes(raw) {
		return model.ResultRecord{}, eris.New("ingest: line is not valid JSON")
	}
	env := gjson.ParseBytes(raw)

	id := env.Get(idPath)
	if id.Type != gjson.String || id.String() == "" {
		return model.ResultRecord{}, eris.New("ingest: missing custom_id")
	}
	content := env.Get(contentPath)
	if content.Type != gjson.String {
		if e := env.Get("error.type"); e.Exists() {
			return model.ResultRecord{}, eris.Errorf("ingest: item %s returned %s", id.String(), e.String())
		}
		return model.ResultRecord{}, eris.Errorf("ingest: item %s has no message content", id.String())
	}

	body := stripFence(content.String())
	if !gjson.Valid(body) {
		return model.ResultRecord{}, eris.Errorf("ingest: item %s content is not valid JSON", id.String())
	}
	parsed := gjson.Parse(body)
	if !parsed.IsObject() {
		return model.ResultRecord{}, eris.Errorf("ingest: item %s content is not an object", id.String())
	}
	for _, k := range p.RequiredKeys {
		if !parsed.Get(gjson.Escape(k)).Exists() {
			return model.ResultRecord{}, eris.Errorf("ingest: item %s content missing %q", id.String(), k)
		}
	}

	return model.ResultRecord{
		ItemID:        id.String(),
		ParsedContent: json.RawMessage(body),
	}, nil
}

func (p *Parser) fail(path string, line int, err error) {
	p.errors.Add(1)
	perr := &ParseError{Path: path, Line: line, Err: err}
	log := p.Log
	if log == nil {
		log = zap.L()
	}
	log.Warn("ingest: skipping result line",
		zap.String("path", path),
		zap.Int("line", line),
		zap.Error(err),
	)
	if p.OnError != nil {
		p.OnError(perr)
	}
}

// stripFence removes a surrounding markdown code fence, if any.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Parse parses path with a default Parser.
func Parse(path string) iter.Seq[model.ResultRecord] {
	return (&Parser{}).Parse(path)
}
