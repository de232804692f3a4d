package store

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxIDLength is the maximum allowed length for task and agent identifiers.
// Matches the VARCHAR(255) constraint in the database schema.
const MaxIDLength = 255

// ValidateID checks that an identifier is present, does not exceed
// MaxIDLength and carries no control characters or path separators.
func ValidateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s too long: %d chars (max %d)", kind, len(id), MaxIDLength)
	}
	if strings.IndexFunc(id, func(r rune) bool { return unicode.IsControl(r) || r == '/' }) >= 0 {
		return fmt.Errorf("%s contains invalid characters", kind)
	}
	return nil
}
