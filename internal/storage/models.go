package storage

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Outcome is how a healing attempt ended.
type Outcome string

const (
	OutcomeHealed     Outcome = "healed"
	OutcomeNotReady   Outcome = "skipped-not-ready"
	OutcomeNoResponse Outcome = "no-response"
	OutcomeNoContext  Outcome = "skipped-no-context"
	OutcomeFailed     Outcome = "failed"
)

// Attempt is one row of healing history.
type Attempt struct {
	ID             string        `json:"id"`
	Timestamp      time.Time     `json:"timestamp"`
	TestID         string        `json:"test_id"`
	TestName       string        `json:"test_name"`
	Attempt        int           `json:"attempt"`
	ErrorType      string        `json:"error_type"`
	ErrorMessage   string        `json:"error_message"`
	ErrorSignature string        `json:"error_signature"`
	Outcome        Outcome       `json:"outcome"`
	Reason         string        `json:"reason,omitempty"`
	Model          string        `json:"model,omitempty"`
	Confidence     float64       `json:"confidence"`
	ParseStatus    string        `json:"parse_status,omitempty"`
	RootCause      string        `json:"root_cause,omitempty"`
	SuggestedFix   string        `json:"suggested_fix,omitempty"`
	ReportPath     string        `json:"report_path,omitempty"`
	HealedPath     string        `json:"healed_path,omitempty"`
	ScreenshotPath string        `json:"screenshot_path,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Stats summarises history per outcome.
type Stats struct {
	Total         int             `json:"total"`
	ByOutcome     map[Outcome]int `json:"by_outcome"`
	AvgConfidence float64         `json:"avg_confidence"`
	WithFix       int             `json:"with_fix"`
}

// Filter narrows a history query. Zero values match everything.
type Filter struct {
	TestID    string
	Signature string
	Outcome   Outcome
	Since     time.Time
	Limit     int
}

// GenerateErrorSignature fingerprints a failure so repeats of the same
// breakage group together regardless of timestamps further down the output.
func GenerateErrorSignature(testID, errorType, message string) string {
	firstLine := strings.TrimSpace(message)
	if idx := strings.IndexByte(firstLine, '\n'); idx >= 0 {
		firstLine = strings.TrimSpace(firstLine[:idx])
	}
	if len(firstLine) > 100 {
		firstLine = firstLine[:100]
	}
	return hashString(fmt.Sprintf("%s|%s|%s", testID, errorType, firstLine))
}

func hashString(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}
