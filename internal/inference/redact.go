package inference

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

// redactPattern is a compiled secret pattern with its replacement.
type redactPattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// secretPatterns are applied to all evidence before it leaves the process.
var secretPatterns = []redactPattern{
	{"aws access key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[AWS_ACCESS_KEY_REDACTED]"},
	{"aws secret key", regexp.MustCompile(`(?i)(aws_secret_access_key|secret_access_key)\s*[=:]\s*\S+`), "$1=[AWS_SECRET_REDACTED]"},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), "[JWT_REDACTED]"},
	{"slack token", regexp.MustCompile(`xox[baprs]-[0-9a-zA-Z-]+`), "[SLACK_TOKEN_REDACTED]"},
	{"pem block", regexp.MustCompile(`-----BEGIN [A-Z ]+-----[\s\S]+?-----END [A-Z ]+-----`), "[PEM_BLOCK_REDACTED]"},
	{"github token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`), "[GITHUB_TOKEN_REDACTED]"},
	{"openai key", regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), "[API_KEY_REDACTED]"},
	{"private key inline", regexp.MustCompile(`(?i)(private[_-]?key)\s*[=:]\s*\S+`), "$1=[PRIVATE_KEY_REDACTED]"},
	{"bearer", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_.-]{20,}`), "Bearer [TOKEN_REDACTED]"},
	{"basic auth", regexp.MustCompile(`(?i)basic\s+[A-Za-z0-9+/=]{20,}`), "Basic [CREDENTIALS_REDACTED]"},
	{"connection string", regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^:/\s]+:[^@/\s]+@`), "$1[CREDENTIALS_REDACTED]@"},
	{"generic secret", regexp.MustCompile(`(?i)(password|passwd|token|secret|api_key|apikey)(["']?\s*[=:]\s*)["']?[^\s"',;]+["']?`), "$1$2[REDACTED]"},
}

// Redactor scrubs secrets from evidence text. Pattern matches run first,
// then any literal values registered from the environment.
type Redactor struct {
	patterns []redactPattern
	values   []string // longest first
}

// NewRedactor returns a redactor with the default patterns. envNames lists
// environment variables whose values are masked literally when set.
func NewRedactor(envNames ...string) *Redactor {
	r := &Redactor{patterns: secretPatterns}
	for _, name := range envNames {
		if v := os.Getenv(name); len(v) >= 6 {
			r.values = append(r.values, v)
		}
	}
	sort.SliceStable(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
	return r
}

// Redact returns input with secrets replaced. A nil Redactor is a no-op.
func (r *Redactor) Redact(input string) string {
	if r == nil || input == "" {
		return input
	}
	for _, p := range r.patterns {
		input = p.re.ReplaceAllString(input, p.replacement)
	}
	for _, v := range r.values {
		input = strings.ReplaceAll(input, v, "***")
	}
	return input
}
