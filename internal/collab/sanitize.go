package collab

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/batch-cli/internal/model"
)

// stripped reports runes removed by Sanitize: anything outside the Basic
// Multilingual Plane (emoji and other astral symbols) and non-printable
// runes other than ordinary whitespace.
func stripped(r rune) bool {
	if r > 0xFFFF {
		return true
	}
	return !unicode.IsPrint(r) && !unicode.IsSpace(r)
}

// Sanitize normalizes s to NFC, removes emoji and non-printable runes, and
// trims surrounding whitespace.
func Sanitize(s string) string {
	t := transform.Chain(norm.NFC, runes.Remove(runes.Predicate(stripped)))
	out, _, err := transform.String(t, s)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// Validator sanitizes the required text fields of each item's payload and
// drops items left with an empty field.
type Validator struct {
	// RequiredFields are gjson paths into the payload. With no required
	// fields every item passes unchanged.
	RequiredFields []string
	Log            *zap.Logger
}

// Clean implements pipeline.Cleaner. Input items are not modified; kept
// items carry a rewritten payload.
func (v *Validator) Clean(items []model.WorkItem) []model.WorkItem {
	if len(v.RequiredFields) == 0 {
		return items
	}
	log := v.Log
	if log == nil {
		log = zap.L()
	}

	out := make([]model.WorkItem, 0, len(items))
	dropped := 0
	for _, it := range items {
		cleaned, ok := v.cleanOne(it)
		if !ok {
			dropped++
			log.Debug("collab: dropping invalid item", zap.String("item_id", it.ID))
			continue
		}
		out = append(out, cleaned)
	}
	if dropped > 0 {
		log.Info("collab: dropped invalid items",
			zap.Int("dropped", dropped),
			zap.Int("kept", len(out)),
		)
	}
	return out
}

func (v *Validator) cleanOne(it model.WorkItem) (model.WorkItem, bool) {
	payload := append([]byte(nil), it.Payload...)
	for _, field := range v.RequiredFields {
		val := gjson.GetBytes(payload, field)
		if val.Type != gjson.String {
			return it, false
		}
		clean := Sanitize(val.Str)
		if clean == "" {
			return it, false
		}
		if clean == val.Str {
			continue
		}
		updated, err := sjson.SetBytes(payload, field, clean)
		if err != nil {
			return it, false
		}
		payload = updated
	}
	it.Payload = json.RawMessage(payload)
	return it, true
}
