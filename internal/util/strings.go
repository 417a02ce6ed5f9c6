// Package util provides small helpers shared across the authgate library.
package util

import "strings"

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging sensitive values such as tokens, where only a short
// prefix should ever reach the logs.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes.
// URLs that differ only in trailing slashes are considered equivalent for
// resource and issuer comparison.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
