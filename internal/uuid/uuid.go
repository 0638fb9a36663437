// Package uuid generates and checks the random (version 4) identifiers used
// as primary keys for users, products and inventory entries.
package uuid

import (
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// New returns a new row identifier in canonical lower-case form.
func New() string {
	return uuid.NewString()
}

// IsValid reports whether s is a canonical, dashed version 4 UUID.
func IsValid(s string) bool {
	if len(s) != 36 || strings.Count(s, "-") != 4 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// Validate returns a NotValid error naming what when s is not an
// identifier produced by New.
func Validate(what, s string) error {
	if !IsValid(s) {
		return errors.NotValidf("%s id %q", what, s)
	}
	return nil
}
