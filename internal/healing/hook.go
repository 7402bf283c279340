package healing

import (
	"testheal/internal/llm"
	"testheal/internal/report"
)

// Phase is the test-runner phase a report describes.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseCall     Phase = "call"
	PhaseTeardown Phase = "teardown"
)

// TestReport is what a test runner hands the orchestrator after each phase
// of a test.
type TestReport struct {
	TestID   string
	TestName string
	Phase    Phase
	Failed   bool
	Err      error
	// ErrorType overrides the type derived from Err.
	ErrorType string
	Docstring string

	// Source is the test's code. SourcePath is read when Source is empty.
	Source     string
	SourcePath string

	// MaxReruns is how many times the runner will retry a failing test.
	MaxReruns int
	// Attempt is the runner's 1-based attempt number, 0 when unknown.
	Attempt int

	// Fixtures are searched for a browser.PageProvider or browser.Page.
	Fixtures []any
}

func (r TestReport) name() string {
	if r.TestName != "" {
		return r.TestName
	}
	return r.TestID
}

type Outcome string

const (
	// OutcomeIgnored: disabled, not a call phase, or the test passed.
	OutcomeIgnored  Outcome = "ignored"
	OutcomeDeferred Outcome = "deferred"
	OutcomeHealed   Outcome = "healed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Result describes what HandleReport did.
type Result struct {
	Outcome   Outcome
	Count     int
	Reason    string
	Response  *llm.HealingResponse
	Artifacts report.Artifacts
}
