// Package uuid generates and validates queue item identifiers.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Item ids are lowercase UUID v4 strings.
var itemIDRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// New generates a new item id.
func New() string {
	return uuid.NewString()
}

// IsValid reports whether s is a well-formed item id.
func IsValid(s string) bool {
	return itemIDRegex.MatchString(s)
}

// Validate returns an error if s is not a well-formed item id.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid item id %q", s)
	}
	return nil
}
