package runner

import (
	"regexp"
	"strings"
)

// Signature is a coarse failure category derived from test output.
type Signature string

const (
	SigTimeout   Signature = "TIMEOUT"
	SigSelector  Signature = "SELECTOR"
	SigDOMDetach Signature = "DOM_DETACH"
	SigNetwork   Signature = "NETWORK"
	SigAssertion Signature = "ASSERTION"
	SigPanic     Signature = "PANIC"
	SigUnknown   Signature = "UNKNOWN"
)

var signatureRules = []struct {
	sig Signature
	re  *regexp.Regexp
}{
	{SigSelector, regexp.MustCompile(`(?i)element not found|ElementNotFound|no such element|cannot find element|selector`)},
	{SigDOMDetach, regexp.MustCompile(`(?i)detached|stale element|node is not attached|cannot find context with specified id`)},
	{SigTimeout, regexp.MustCompile(`(?i)test timed out after|context deadline exceeded|timed out|timeout`)},
	{SigNetwork, regexp.MustCompile(`(?i)connection refused|connection reset|no such host|dial tcp|net::ERR_|ERR_CONNECTION|unexpected EOF`)},
	{SigPanic, regexp.MustCompile(`(?m)^\s*panic: `)},
	{SigAssertion, regexp.MustCompile(`(?i)Error Trace:|Not equal|expected .* (got|but)|got .* want|want .* got|assert`)},
}

// Classify picks the first matching signature. Locator failures are checked
// before timeouts since they mention their wait time.
func Classify(output string) Signature {
	for _, r := range signatureRules {
		if r.re.MatchString(output) {
			return r.sig
		}
	}
	return SigUnknown
}

// ErrorType maps a signature to the name used in failure reports.
func (s Signature) ErrorType() string {
	switch s {
	case SigSelector:
		return "ElementNotFound"
	case SigDOMDetach:
		return "DetachedElement"
	case SigTimeout:
		return "Timeout"
	case SigNetwork:
		return "NetworkError"
	case SigAssertion:
		return "AssertionError"
	case SigPanic:
		return "Panic"
	}
	return "TestFailure"
}

const maxMessageLines = 40

var noiseLine = regexp.MustCompile(`^(=== (RUN|PAUSE|CONT|NAME)|--- (PASS|SKIP)|PASS$|FAIL$|ok\s|FAIL\s|exit status \d+$|coverage: )`)

// ErrorMessage extracts the failure text from a test's output, dropping the
// runner's own framing lines.
func ErrorMessage(output string) string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || noiseLine.MatchString(trimmed) {
			continue
		}
		if strings.HasPrefix(trimmed, "--- FAIL") {
			continue
		}
		lines = append(lines, trimmed)
		if len(lines) == maxMessageLines {
			break
		}
	}
	if len(lines) == 0 {
		return "test failed"
	}
	return strings.Join(lines, "\n")
}
