package logutil

import (
	"strconv"
	"strings"
)

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 || r == ' ' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// keyPreviewLen bounds how much of a key's envelope is ever logged.
const keyPreviewLen = 24

// RedactKey returns a bounded diagnostic preview of private key material:
// the envelope header (truncated), the total length, and nothing of the body.
func RedactKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "<empty>"
	}
	head := key
	if i := strings.IndexAny(head, "\r\n"); i >= 0 {
		head = head[:i]
	}
	if !strings.HasPrefix(head, "-----") {
		head = ""
	}
	if len(head) > keyPreviewLen {
		head = head[:keyPreviewLen] + "..."
	}
	if head == "" {
		return "<redacted " + strconv.Itoa(len(key)) + " bytes>"
	}
	return SanitizeForLog(head) + " <redacted " + strconv.Itoa(len(key)) + " bytes>"
}
