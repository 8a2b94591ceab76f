package security

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
)

func TestValidateUID_Valid(t *testing.T) {
	validUIDs := []string{
		"1.2.840.10008.5.1.4.1.1.2",
		"1.2.840.10008.5.1.4.1.1.104.1",
		"0.1",
		"2.25.329800735698586629295641978511506172918",
	}

	for _, uid := range validUIDs {
		assert.NoError(t, ValidateUID(uid), "Expected %q to be valid", uid)
	}
}

func TestValidateUID_Invalid(t *testing.T) {
	invalidUIDs := []string{
		"",                             // empty
		"1.2.840.",                     // trailing dot
		".1.2",                         // leading dot
		"1..2",                         // empty component
		"1.02.3",                       // leading zero
		"1.2.abc",                      // letters
		"1.2.3 ",                       // whitespace
		"1." + strings.Repeat("1", 70), // too long
	}

	for _, uid := range invalidUIDs {
		err := ValidateUID(uid)
		assert.True(t, errors.Is(err, core.ErrInvalidUID), "Expected %q to be invalid", uid)
	}
}

func TestValidatePathSegment(t *testing.T) {
	valid := []string{"12345", "MRN-0001", "ACC_77", "1.2.840.113619.2.55"}
	for _, s := range valid {
		assert.NoError(t, ValidatePathSegment(s), "Expected %q to be valid", s)
	}

	invalid := []string{"", ".", "..", "../etc", "a/b", `a\b`, "a\x00b", ".hidden", strings.Repeat("x", 300)}
	for _, s := range invalid {
		err := ValidatePathSegment(s)
		assert.True(t, errors.Is(err, core.ErrUnsafePathSegment), "Expected %q to be invalid", s)
	}
}

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "normal message",
			input:    "Refused: Move Destination unknown",
			expected: "Refused: Move Destination unknown",
		},
		{
			name:     "message with newlines",
			input:    "error on\nline 2",
			expected: "error on\nline 2",
		},
		{
			name:     "message with null bytes",
			input:    "error\x00with\x00nulls",
			expected: "errorwithnulls",
		},
		{
			name:     "empty message",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeMessage(tt.input))
		})
	}
}

func TestSanitizeMessage_Truncation(t *testing.T) {
	longMessage := strings.Repeat("a", 5000)
	result := SanitizeMessage(longMessage)

	assert.LessOrEqual(t, len(result), MaxMessageLength)
	assert.True(t, strings.HasSuffix(result, "..."))
}

func TestClampConcurrency(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{-1, 1},
		{0, 1},
		{1, 1},
		{5, 5},
		{1000, 1000},
		{1001, 1000},
	}

	for _, tt := range tests {
		result := ClampConcurrency(tt.input)
		assert.Equal(t, tt.expected, result, "ClampConcurrency(%d)", tt.input)
	}
}
