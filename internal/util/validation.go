package util

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// IsValidUUID accepts only the canonical 36-character hyphenated form.
func IsValidUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// HasControlChars reports whether s contains C0 control characters or DEL.
func HasControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] <= 0x1f || s[i] == 0x7f {
			return true
		}
	}
	return false
}

// RuneLen counts characters rather than bytes.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

// ClampSeconds returns def when v is not positive, otherwise v bounded to [lo, hi].
func ClampSeconds(v, lo, hi, def int) int {
	if v <= 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TrimmedPtr returns nil for nil or blank input, otherwise the trimmed value.
func TrimmedPtr(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
