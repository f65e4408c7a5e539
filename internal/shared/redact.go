package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match credentials that end up in proof notes, request
// errors and config dumps.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Pre-signed artifact URLs carry their credential in the query string.
	regexp.MustCompile(`(?i)([?&](?:X-Amz-Signature|sig|signature|token)=)([^&\s]+)`),
}

// Redact replaces secret-bearing substrings in input with [REDACTED],
// keeping the key or prefix that identified them.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) >= 3 {
				secret := sub[len(sub)-1]
				i := strings.LastIndex(match, secret)
				return match[:i] + redactedPlaceholder + match[i+len(secret):]
			}
			return redactedPlaceholder
		})
	}
	return result
}

// SensitiveKey reports whether a structured field name looks like it holds a
// credential.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "credential"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
