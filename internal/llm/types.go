package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseStatus tags how much of a model reply survived parsing.
type ParseStatus string

const (
	StatusParsed      ParseStatus = "parsed"
	StatusDegraded    ParseStatus = "degraded"
	StatusUnparseable ParseStatus = "unparseable"
)

// HealingResponse is the structured answer to a healing prompt. Analysis,
// RootCause and Confidence are always populated.
type HealingResponse struct {
	Analysis        string  `json:"analysis"`
	RootCause       string  `json:"root_cause"`
	Confidence      float64 `json:"confidence"`
	SuggestedFix    string  `json:"suggested_fix"`
	UpdatedTestCode string  `json:"updated_test_code"`
	Recommendations string  `json:"recommendations"`

	Status   ParseStatus `json:"-"`
	Strategy string      `json:"-"`
	RawText  string      `json:"-"`
}

// Result is the tagged form printed by `testheal parse`.
type Result struct {
	Status   ParseStatus     `json:"status"`
	Strategy string          `json:"strategy"`
	Response HealingResponse `json:"response"`
	RawText  string          `json:"raw_text,omitempty"`
}

func (r HealingResponse) Result() Result {
	out := Result{Status: r.Status, Strategy: r.Strategy, Response: r}
	if r.Status != StatusParsed {
		out.RawText = r.RawText
	}
	return out
}

// HasFix reports whether the model returned replacement test code.
func (r HealingResponse) HasFix() bool {
	return strings.TrimSpace(r.UpdatedTestCode) != ""
}

// wireResponse accepts the loose shapes models actually emit.
type wireResponse struct {
	Analysis        *flexText  `json:"analysis"`
	RootCause       *flexText  `json:"root_cause"`
	Confidence      *flexFloat `json:"confidence"`
	SuggestedFix    *flexText  `json:"suggested_fix"`
	UpdatedTestCode *flexText  `json:"updated_test_code"`
	Recommendations *flexText  `json:"recommendations"`
}

func (w wireResponse) known() bool {
	return w.Analysis != nil || w.RootCause != nil || w.Confidence != nil ||
		w.SuggestedFix != nil || w.UpdatedTestCode != nil
}

// flexText decodes a string, a list of values (joined by newlines), or any
// other JSON value as its literal text.
type flexText string

func (t *flexText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = flexText(s)
	case len(data) > 0 && data[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		lines := make([]string, 0, len(items))
		for _, item := range items {
			var line flexText
			if err := line.UnmarshalJSON(item); err != nil {
				return err
			}
			lines = append(lines, string(line))
		}
		*t = flexText(strings.Join(lines, "\n"))
	default:
		*t = flexText(data)
	}
	return nil
}

// flexFloat decodes a number or a numeric string such as "85%".
type flexFloat struct {
	value float64
	valid bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		f.value, f.valid = n, true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("confidence: unsupported value %s", data)
	}
	s = strings.TrimSpace(s)
	pct := strings.HasSuffix(s, "%")
	n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
	if err != nil {
		// A word like "high" is not fatal to the rest of the object.
		return nil
	}
	if pct {
		n /= 100
	}
	f.value, f.valid = n, true
	return nil
}

// NormalizeConfidence maps any float into [0,1]. Values in [2,100] are
// read as percentages; values just above 1 are clamped to 1.
func NormalizeConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c):
		return DefaultConfidence
	case c >= 2 && c <= 100:
		c /= 100
	}
	return math.Max(0, math.Min(1, c))
}

func textOf(t *flexText) string {
	if t == nil {
		return ""
	}
	return string(*t)
}
