package identity

import "strings"

// NormalizeEmail performs case-insensitive canonicalization.
// For now we only trim + lower-case; the normalized form is the natural key.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
