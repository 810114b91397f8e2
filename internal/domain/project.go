package domain

import (
	"regexp"
	"strings"
)

// MaxProjectIDLength caps normalized project identifiers.
const MaxProjectIDLength = 128

var validProjectID = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// NormalizeProjectID returns the trimmed, lowercased identifier or an
// InvalidProjectIDError. The constrained character set avoids accidental
// high-cardinality keys caused by whitespace, casing, or unusual characters.
// Normalization is idempotent.
func NormalizeProjectID(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", &InvalidProjectIDError{Input: raw, Reason: "projectId (string) is required"}
	}

	candidate = strings.ToLower(candidate)
	if len(candidate) > MaxProjectIDLength {
		return "", &InvalidProjectIDError{Input: raw, Reason: "projectId exceeds max length (128)"}
	}

	if !validProjectID.MatchString(candidate) {
		return "", &InvalidProjectIDError{
			Input:  raw,
			Reason: "projectId may only contain lowercase letters, numbers, '.', '_' or '-'",
		}
	}

	return candidate, nil
}

// ProjectOrGlobal trims a caller-supplied project scope and falls back to the
// global sentinel when blank. Used by the token-metric paths, which accept
// missing projects.
func ProjectOrGlobal(raw string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return GlobalProject
	}
	return candidate
}
