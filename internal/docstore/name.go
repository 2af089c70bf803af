package docstore

import (
	"fmt"
	"regexp"
)

// MaxNameLength is the maximum length of a database or collection name.
const MaxNameLength = 64

// namePattern must start and end with an alphanumeric and may contain
// hyphens and underscores in between.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9_-]*[A-Za-z0-9])?$`)

// ValidateName validates a database or collection name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidName, MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q (must be alphanumeric with hyphens or underscores)", ErrInvalidName, name)
	}
	return nil
}
