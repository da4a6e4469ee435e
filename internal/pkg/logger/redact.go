package logger

import (
	"regexp"
	"strings"
)

// RedactEmail masks a recipient address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactValue(key, val string) string {
	key = strings.ToLower(key)
	// SMTP credentials never appear in logs, even partially.
	if strings.Contains(key, "password") || strings.Contains(key, "secret") || strings.Contains(key, "credential") {
		return "***"
	}
	if strings.Contains(key, "email") || strings.Contains(key, "recipient") || strings.Contains(key, "subscriber") || key == "to" {
		return RedactEmail(val)
	}
	// Redact any embedded emails in generic fields (error text from the
	// transport often quotes the RCPT address).
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
