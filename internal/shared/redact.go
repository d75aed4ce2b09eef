package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces secret material in logs, audit details and error text.
const Redacted = "[REDACTED]"

// redactRule keeps group 1 of a match and replaces the rest.
type redactRule struct {
	name string
	re   *regexp.Regexp
}

var redactRules = []redactRule{
	{"assignment", regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`)},
	{"bearer", regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{16,}`)},
	{"hex-key", regexp.MustCompile(`(?i)((?:private[_-]?key|secret)\s*[:=]\s*"?)(?:0x)?[0-9a-f]{64}"?`)},
	// Hosted RPC providers put the project key in the path.
	{"rpc-path-key", regexp.MustCompile(`(?i)(https?://[a-z0-9.\-]+/v[23]/)[A-Za-z0-9_\-]{16,}`)},
	{"query-token", regexp.MustCompile(`(?i)([?&](?:access_token|apikey|key)=)[^&\s"]{8,}`)},
}

// sensitiveKeyParts flag attribute, env and field names whose value is
// withheld entirely. Contact details are personal data.
var sensitiveKeyParts = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey",
	"bearer", "private_key", "credential", "plaintext", "contacts", "dek_raw",
}

// Redact masks secret-bearing fragments of s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactRules {
		s = r.re.ReplaceAllString(s, "${1}"+Redacted)
	}
	return s
}

// SensitiveKey reports whether a value stored under key must never be shown.
func SensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// RedactEnvValue returns value, or Redacted when key names a secret.
func RedactEnvValue(key, value string) string {
	if SensitiveKey(key) {
		return Redacted
	}
	return value
}
