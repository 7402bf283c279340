package llm

import (
	"fmt"
	"regexp"
)

// Sanitizer redacts credentials from text that is about to leave the
// process inside a prompt: error messages, test source and page HTML.
type Sanitizer struct {
	rules []redaction
}

type redaction struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

func DefaultSanitizer() *Sanitizer {
	return &Sanitizer{rules: []redaction{
		{"private key", regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE KEY-----[\s\S]*?-----END\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE KEY-----`), `[REDACTED_PRIVATE_KEY]`},
		{"bearer token", regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.=]+`), `Bearer [REDACTED_TOKEN]`},
		{"jwt", regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), `[REDACTED_JWT]`},
		{"aws access key", regexp.MustCompile(`(?:AKIA|ABIA|ACCA|ASIA)[A-Z0-9]{16}`), `[REDACTED_AWS_KEY]`},
		{"github token", regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36}`), `[REDACTED_GITHUB_TOKEN]`},
		{"slack token", regexp.MustCompile(`xox[baprs]-[a-zA-Z0-9-]+`), `[REDACTED_SLACK_TOKEN]`},
		{"url credentials", regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*)://([^:/@\s]+):([^@/\s]+)@`), `$1://$2:[REDACTED]@`},
		{"api key", regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|access[_-]?token)(\s*[=:]\s*)["']?[a-zA-Z0-9_\-]{16,}["']?`), `$1$2[REDACTED]`},
		{"password assignment", regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret)(\s*[=:]\s*)["']?[^\s"'<>&]{4,}["']?`), `$1$2[REDACTED]`},
		// Page HTML: typed passwords and CSRF tokens are rendered into attributes.
		{"password input", regexp.MustCompile(`(?i)(<input\b[^>]*\btype\s*=\s*["']?password["']?[^>]*\bvalue\s*=\s*)("[^"]*"|'[^']*')`), `$1"[REDACTED]"`},
		{"password input", regexp.MustCompile(`(?i)(<input\b[^>]*\bvalue\s*=\s*)("[^"]*"|'[^']*')([^>]*\btype\s*=\s*["']?password)`), `$1"[REDACTED]"$3`},
		{"csrf token", regexp.MustCompile(`(?i)(<(?:meta|input)\b[^>]*\b(?:name|id)\s*=\s*["'][^"']*(?:csrf|xsrf|authenticity)[^"']*["'][^>]*\b(?:content|value)\s*=\s*)("[^"]*"|'[^']*')`), `$1"[REDACTED]"`},
		{"cookie header", regexp.MustCompile(`(?im)^((?:set-)?cookie:\s*).+$`), `$1[REDACTED]`},
	}}
}

func (s *Sanitizer) Sanitize(input string) string {
	for _, r := range s.rules {
		input = r.re.ReplaceAllString(input, r.replacement)
	}
	return input
}

// SanitizeWithReport also names the rules that fired, once each.
func (s *Sanitizer) SanitizeWithReport(input string) (string, []string) {
	var found []string
	seen := make(map[string]bool)
	for _, r := range s.rules {
		if !r.re.MatchString(input) {
			continue
		}
		if !seen[r.name] {
			seen[r.name] = true
			found = append(found, r.name)
		}
		input = r.re.ReplaceAllString(input, r.replacement)
	}
	return input, found
}

// AddRule appends a custom redaction applied after the defaults. An empty
// replacement redacts to "[REDACTED]".
func (s *Sanitizer) AddRule(name, pattern, replacement string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("redaction %q: %w", name, err)
	}
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	s.rules = append(s.rules, redaction{name: name, re: re, replacement: replacement})
	return nil
}
