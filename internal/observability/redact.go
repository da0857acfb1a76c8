package observability

import (
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

// Redactor masks credentials in log output.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a redactor with patterns for upstream API keys, OAuth
// bearer tokens, AWS access keys and stored credential ciphertexts.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.AddPattern(`sk-ant-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_ANTHROPIC_KEY]", "anthropic_key")
	r.AddPattern(`sk-proj-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_OPENAI_PROJECT_KEY]", "openai_project_key")
	r.AddPattern(`sk-[a-zA-Z0-9]{20,}`, "[REDACTED_OPENAI_KEY]", "openai_key")
	r.AddPattern(`AIza[a-zA-Z0-9\-_]{35}`, "[REDACTED_GOOGLE_KEY]", "google_key")
	r.AddPattern(`ya29\.[a-zA-Z0-9\-_\.]+`, "[REDACTED_GOOGLE_TOKEN]", "google_oauth_token")
	r.AddPattern(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`, "[REDACTED_AWS_KEY]", "aws_access_key")
	r.AddPattern(`\b[0-9a-f]{32}:[0-9a-f]{32,}\b`, "[REDACTED_CIPHERTEXT]", "ciphertext")
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]", "bearer_token")
	r.AddPattern(`(?i)(x-api-key|api-key|authorization):\s*[^\s,]+`, "$1: [REDACTED]", "auth_header")
	return r
}

// AddPattern adds a redaction pattern. Invalid expressions are ignored.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// Redact applies all patterns to input.
func (r *Redactor) Redact(input string) string {
	for _, p := range r.patterns {
		input = p.regex.ReplaceAllString(input, p.replacement)
	}
	return input
}

var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"token":         true,
	"secret":        true,
	"password":      true,
	"credentials":   true,
	"authorization": true,
}

var sensitiveSuffixes = []string{"_token", "_secret", "_password", "_api_key"}

// isSensitiveKey matches whole keys or suffixes so that counters such as
// "input_tokens" stay visible.
func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if sensitiveKeys[k] {
		return true
	}
	for _, s := range sensitiveSuffixes {
		if strings.HasSuffix(k, s) {
			return true
		}
	}
	return false
}

var sensitiveHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"api-key":        true,
	"x-goog-api-key": true,
	"cookie":         true,
	"set-cookie":     true,
}

// RedactHeaders returns a copy of headers with credential headers masked.
func (r *Redactor) RedactHeaders(headers map[string][]string) map[string][]string {
	result := make(map[string][]string, len(headers))
	for k, v := range headers {
		if sensitiveHeaders[strings.ToLower(k)] {
			result[k] = []string{redactedValue}
		} else {
			result[k] = v
		}
	}
	return result
}
