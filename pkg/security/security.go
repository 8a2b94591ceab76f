package security

import (
	"strings"
	"unicode/utf8"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
)

// Security limits and configuration
const (
	// MaxConcurrency is the hard limit for concurrent retrievals
	MaxConcurrency = 1000

	// MaxMessageLength is the maximum length for stored status messages
	MaxMessageLength = 4096

	// MaxUIDLength is the maximum length of a DICOM UID
	MaxUIDLength = 64

	// MaxPathSegmentLength is the maximum length of one staging path segment
	MaxPathSegmentLength = 255
)

// ValidateUID validates a DICOM UID: dot-separated numeric components without
// leading zeros, at most 64 characters.
func ValidateUID(uid string) error {
	if uid == "" || len(uid) > MaxUIDLength {
		return core.ErrInvalidUID
	}
	for _, part := range strings.Split(uid, ".") {
		if part == "" {
			return core.ErrInvalidUID
		}
		if len(part) > 1 && part[0] == '0' {
			return core.ErrInvalidUID
		}
		for i := 0; i < len(part); i++ {
			if part[i] < '0' || part[i] > '9' {
				return core.ErrInvalidUID
			}
		}
	}
	return nil
}

// ValidatePathSegment rejects identifiers that would escape or alias a
// staging directory when used as a single path element.
func ValidatePathSegment(s string) error {
	if s == "" || s == "." || s == ".." || len(s) > MaxPathSegmentLength {
		return core.ErrUnsafePathSegment
	}
	if strings.HasPrefix(s, ".") {
		// Dot-prefixed names are reserved for in-flight temp files
		return core.ErrUnsafePathSegment
	}
	if strings.ContainsAny(s, "/\\\x00") {
		return core.ErrUnsafePathSegment
	}
	return nil
}

// SanitizeMessage truncates and sanitizes status messages for storage. Remote
// diagnostics are kept verbatim apart from control characters.
func SanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxMessageLength-3]) + "..."
	}

	return result
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
