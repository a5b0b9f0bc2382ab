package shared

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces secret material in logs, audit rows and API responses.
const RedactedPlaceholder = "[REDACTED]"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Ciphertext produced by the secret codec.
	regexp.MustCompile(`(enc:)([A-Za-z0-9+/=]{24,})`),
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + RedactedPlaceholder
			}
			return RedactedPlaceholder
		})
	}
	return result
}

// IsSensitiveKey reports whether a key name looks like it carries a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
