package util

import "strings"

// SanitizePostgresText strips NUL bytes and invalid UTF-8 so that evidence
// text can be stored in text columns without driver errors.
func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// NormalizeSpace trims the value and collapses all interior whitespace
// runs (including newlines) to single spaces.
func NormalizeSpace(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return strings.Join(strings.Fields(value), " ")
}
