package llm

import (
	"strings"
	"text/template"

	"testheal/internal/capture"
	"testheal/internal/logger"

	"go.uber.org/zap"
)

// SystemPrompt is sent with every healing request.
const SystemPrompt = "You are an expert Quality Assurance Engineer and test automation specialist. Respond ONLY with valid JSON, no markdown or extra text."

// ResponseKeys are the fields the prompt asks the model to return.
var ResponseKeys = []string{"analysis", "root_cause", "confidence", "suggested_fix", "updated_test_code", "recommendations"}

const promptText = `A browser test written in Go has failed and needs analysis for potential auto-healing.

## Test Information
- Test: {{.TestName}}
- Test ID: {{.TestID}}
- Error Type: {{.ErrorType}}
- URL: {{.URL}}
- Page Title: {{.PageTitle}}

## Error Message
{{.ErrorMessage}}

## Original Test Code
{{.Source}}

## Test Documentation
{{.Docstring}}

## DOM Context{{if .Truncated}} (truncated){{end}}
{{.DOM}}
{{- if .CaptureNote}}

## Capture Problems
{{.CaptureNote}}
{{- end}}

## Your Task
Analyze this failure and provide:
1. Root cause: what exactly made the test fail.
2. Confidence: how sure you are of the analysis, from 0.0 to 1.0.
3. Suggested fix: the specific change to make.
4. Updated test code: the complete corrected Go test function.
5. Recommendations: anything that would make the test more stable.

Respond with a single JSON object and nothing else, using exactly these keys:
{"analysis": "what went wrong", "root_cause": "the specific cause", "confidence": 0.85, "suggested_fix": "the fix", "updated_test_code": "the full corrected test function", "recommendations": "stability advice"}

Common causes of browser test failures:
- selectors that no longer match the page
- timing problems and races with page rendering
- slow or failed network requests
- leftover state from earlier steps
- flaky waits and assertions
`

var promptTmpl = template.Must(template.New("healing").Parse(promptText))

type promptData struct {
	TestName, TestID, ErrorType, URL, PageTitle string
	ErrorMessage, Source, Docstring, DOM        string
	Truncated                                   bool
	CaptureNote                                 string
}

// BuildPrompt renders the healing prompt for a failure. Identical inputs
// always produce identical output. Error text, source and DOM are passed
// through the default sanitizer.
func BuildPrompt(fc capture.FailureContext, source string) string {
	return NewPromptBuilder(nil, nil).Build(fc, source)
}

type PromptBuilder struct {
	sanitizer *Sanitizer
	log       *zap.Logger
}

func NewPromptBuilder(s *Sanitizer, log *zap.Logger) *PromptBuilder {
	if s == nil {
		s = DefaultSanitizer()
	}
	return &PromptBuilder{sanitizer: s, log: logger.OrNop(log)}
}

func (b *PromptBuilder) Build(fc capture.FailureContext, source string) string {
	var fired []string
	clean := func(part, text string) string {
		out, rules := b.sanitizer.SanitizeWithReport(text)
		for _, r := range rules {
			fired = append(fired, part+": "+r)
		}
		return out
	}

	data := promptData{
		TestName:     orDefault(fc.TestName, "unknown"),
		TestID:       orDefault(fc.TestID, "unknown"),
		ErrorType:    orDefault(fc.ErrorType, "Unknown"),
		URL:          orDefault(fc.URL, "N/A"),
		PageTitle:    orDefault(fc.PageTitle, "N/A"),
		ErrorMessage: fence("", orDefault(clean("error", fc.ErrorMessage), "No error message")),
		Source:       fence("go", orDefault(clean("source", source), "// source not available")),
		Docstring:    orDefault(strings.TrimSpace(fc.TestDocstring), "No test documentation provided"),
		DOM:          fence("html", orDefault(clean("dom", fc.DOMSnapshot), "No DOM captured")),
		Truncated:    fc.DOMTruncated,
		CaptureNote:  fc.CaptureError,
	}

	if len(fired) > 0 {
		b.log.Debug("redacted secrets from prompt", zap.String("test", fc.TestID), zap.Strings("rules", fired))
	}

	var sb strings.Builder
	if err := promptTmpl.Execute(&sb, data); err != nil {
		// The template is static and data is plain strings.
		panic(err)
	}
	return sb.String()
}

func fence(lang, body string) string {
	body = strings.TrimRight(body, "\n")
	return "```" + lang + "\n" + body + "\n```"
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
