package features

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	stringLiteralRe = regexp.MustCompile(`'[^']*'`)
	numberLiteralRe = regexp.MustCompile(`\b\d+\b`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// Normalize turns a query into its template: string literals become '?',
// standalone integers become ? and runs of whitespace collapse to one space.
// Normalize(Normalize(q)) == Normalize(q).
func Normalize(query string) string {
	normalized := stringLiteralRe.ReplaceAllString(query, "'?'")
	normalized = numberLiteralRe.ReplaceAllString(normalized, "?")
	normalized = whitespaceRe.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// Hash returns the hex SHA-256 of a normalized template
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Fingerprint normalizes a query and returns the template together with its hash
func Fingerprint(query string) (normalized, hash string) {
	normalized = Normalize(query)
	return normalized, Hash(normalized)
}
