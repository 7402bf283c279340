package llm

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	DefaultConfidence  = 0.3
	FallbackConfidence = 0.2

	defaultAnalysis  = "No analysis provided"
	defaultRootCause = "Root cause not identified"

	degradedRootCause    = "Could not extract root cause"
	degradedSuggestedFix = "Manual review required - JSON parsing failed"
	degradedAdvice       = "Check the model output format"
	degradedPrefixRunes  = 500

	fallbackRootCause    = "Could not parse structured response"
	fallbackSuggestedFix = "Manual review required - response parsing failed"
	fallbackAdvice       = "Consider a different model or a stricter prompt"
	emptyAnalysis        = "Empty response from model"
)

var (
	jsonFence = regexp.MustCompile("(?s)```json[ \\t]*\\r?\\n?(.*?)```")
	anyFence  = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \\t]*\\r?\\n?(.*?)```")

	fieldAnalysis   = regexp.MustCompile(`"analysis"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	fieldRootCause  = regexp.MustCompile(`"root_cause"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	fieldFix        = regexp.MustCompile(`"suggested_fix"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	fieldConfidence = regexp.MustCompile(`"confidence"\s*:\s*"?(-?[0-9]*\.?[0-9]+)`)
)

type candidate struct {
	strategy string
	text     string
}

// Parse turns a raw model reply into a HealingResponse. It never fails:
// strict JSON candidates are tried first, then field extraction, then the
// raw text itself with a low confidence.
func Parse(raw string) HealingResponse {
	text := strings.TrimSpace(raw)
	if text == "" {
		return HealingResponse{
			Analysis:     emptyAnalysis,
			RootCause:    fallbackRootCause,
			Confidence:   FallbackConfidence,
			SuggestedFix: fallbackSuggestedFix,
			Status:       StatusUnparseable,
			Strategy:     "empty",
			RawText:      raw,
		}
	}

	cands := candidates(text)
	for _, c := range cands {
		if w, ok := decode(c.text); ok {
			return finish(w, c.strategy, raw)
		}
	}
	for _, c := range cands {
		if stripped := stripToBraces(c.text); stripped != "" && stripped != c.text {
			if w, ok := decode(stripped); ok {
				return finish(w, c.strategy+"+stripped", raw)
			}
		}
	}

	if resp, ok := extractFields(text); ok {
		resp.RawText = raw
		return resp
	}

	return HealingResponse{
		Analysis:        text,
		RootCause:       fallbackRootCause,
		Confidence:      FallbackConfidence,
		SuggestedFix:    fallbackSuggestedFix,
		Recommendations: fallbackAdvice,
		Status:          StatusUnparseable,
		Strategy:        "raw",
		RawText:         raw,
	}
}

// candidates lists JSON candidates in the order they are trusted: fenced
// json blocks, any fenced block, top-level objects found by brace
// matching, and finally the whole text.
func candidates(text string) []candidate {
	var out []candidate
	for _, m := range jsonFence.FindAllStringSubmatch(text, -1) {
		out = append(out, candidate{"json-fence", strings.TrimSpace(m[1])})
	}
	for _, m := range anyFence.FindAllStringSubmatch(text, -1) {
		out = append(out, candidate{"code-fence", strings.TrimSpace(m[1])})
	}
	for _, span := range objectSpans(text) {
		out = append(out, candidate{"object-span", span})
	}
	return append(out, candidate{"whole-text", text})
}

// objectSpans returns each top-level `{"` object in text, matched by
// string-aware brace counting. An unterminated object runs to the end.
func objectSpans(text string) []string {
	var spans []string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' || !startsWithKey(text[i+1:]) {
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			spans = append(spans, text[i:])
			break
		}
		spans = append(spans, text[i:end+1])
		i = end
	}
	return spans
}

func startsWithKey(s string) bool {
	s = strings.TrimLeft(s, " \t\r\n")
	return strings.HasPrefix(s, `"`)
}

func matchBrace(text string, open int) int {
	depth := 0
	inString, escaped := false, false
	for i := open; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// stripToBraces drops everything before the first '{' and after the last '}'.
func stripToBraces(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func decode(s string) (wireResponse, bool) {
	var w wireResponse
	if !strings.HasPrefix(s, "{") {
		return w, false
	}
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return w, false
	}
	return w, w.known()
}

func finish(w wireResponse, strategy, raw string) HealingResponse {
	resp := HealingResponse{
		Analysis:        textOf(w.Analysis),
		RootCause:       textOf(w.RootCause),
		Confidence:      DefaultConfidence,
		SuggestedFix:    textOf(w.SuggestedFix),
		UpdatedTestCode: textOf(w.UpdatedTestCode),
		Recommendations: textOf(w.Recommendations),
		Status:          StatusParsed,
		Strategy:        strategy,
		RawText:         raw,
	}
	if w.Confidence != nil && w.Confidence.valid {
		resp.Confidence = NormalizeConfidence(w.Confidence.value)
	}
	if strings.TrimSpace(resp.Analysis) == "" {
		resp.Analysis = defaultAnalysis
	}
	if strings.TrimSpace(resp.RootCause) == "" {
		resp.RootCause = defaultRootCause
	}
	return resp
}

// extractFields pulls known fields out of text that is not valid JSON, for
// example a reply truncated mid-object.
func extractFields(text string) (HealingResponse, bool) {
	analysis, hasAnalysis := quotedField(fieldAnalysis, text)
	rootCause, hasRootCause := quotedField(fieldRootCause, text)
	fix, hasFix := quotedField(fieldFix, text)
	confMatch := fieldConfidence.FindStringSubmatch(text)

	if !hasAnalysis && !hasRootCause && confMatch == nil {
		return HealingResponse{}, false
	}

	resp := HealingResponse{
		Analysis:        analysis,
		RootCause:       rootCause,
		Confidence:      DefaultConfidence,
		SuggestedFix:    degradedSuggestedFix,
		Recommendations: degradedAdvice,
		Status:          StatusDegraded,
		Strategy:        "field-extract",
	}
	if !hasAnalysis {
		resp.Analysis = prefix(text, degradedPrefixRunes)
	}
	if !hasRootCause {
		resp.RootCause = degradedRootCause
	}
	if hasFix {
		resp.SuggestedFix = fix
	}
	if confMatch != nil {
		if c, err := strconv.ParseFloat(confMatch[1], 64); err == nil {
			resp.Confidence = NormalizeConfidence(c)
		}
	}
	return resp, true
}

func quotedField(re *regexp.Regexp, text string) (string, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &s); err != nil {
		s = m[1]
	}
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
