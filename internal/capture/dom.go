package capture

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// TruncationMarker is appended to DOM snapshots cut at the context window.
const TruncationMarker = "..."

var (
	styleBlock  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
	styleAttr   = regexp.MustCompile(`(?i)\s+style\s*=\s*(?:"[^"]*"|'[^']*')`)
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
)

// StripStyles removes stylesheet blocks and inline style attributes so the
// character budget is spent on structure and content.
func StripStyles(html string) string {
	return styleAttr.ReplaceAllString(styleBlock.ReplaceAllString(html, ""), "")
}

// TruncateDOM cuts dom to window characters plus TruncationMarker. A dom
// within the window is returned unmodified.
func TruncateDOM(dom string, window int) (string, bool) {
	if window <= 0 || utf8.RuneCountInString(dom) <= window {
		return dom, false
	}
	runes := []rune(dom)
	return string(runes[:window]) + TruncationMarker, true
}

// FileStem turns a test name into something safe to embed in a file name.
// Subtest separators and parameter brackets collapse to underscores.
func FileStem(testName string) string {
	stem := strings.Trim(unsafeChars.ReplaceAllString(testName, "_"), "_")
	if stem == "" {
		return "test"
	}
	return stem
}
