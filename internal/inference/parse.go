package inference

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// ExtractJSON finds a JSON document in a model reply: the whole reply, a
// fenced code block, or the outermost object embedded in prose.
func ExtractJSON(raw string) (json.RawMessage, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw), true
	}
	if block, ok := fencedBlock(raw); ok {
		if out, ok := ExtractJSON(block); ok {
			return out, true
		}
	}
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(raw, pair[0])
		end := strings.LastIndex(raw, pair[1])
		if start < 0 || end <= start {
			continue
		}
		candidate := raw[start : end+1]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), true
		}
	}
	return nil, false
}

func fencedBlock(raw string) (string, bool) {
	const fence = "```"
	start := strings.Index(raw, fence)
	if start < 0 {
		return "", false
	}
	// Skip the opening fence line (may carry a language tag).
	nl := strings.Index(raw[start:], "\n")
	if nl < 0 {
		return "", false
	}
	contentStart := start + nl + 1
	end := strings.Index(raw[contentStart:], fence)
	if end < 0 {
		return "", false
	}
	return raw[contentStart : contentStart+end], true
}

// truncate keeps the head (70%) and tail (30%) of s when it exceeds
// maxBytes, never splitting a multi-byte rune.
func truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	const separator = "\n...[truncated]...\n"
	budget := maxBytes - len(separator)
	if budget <= 0 {
		return prefixBytes(s, maxBytes)
	}
	head := budget * 7 / 10
	return prefixBytes(s, head) + separator + suffixBytes(s, budget-head)
}

func prefixBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func suffixBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
