// Package uuid wraps github.com/google/uuid so the rest of the module depends on a
// single identifier type and can swap generation strategies in one place.
package uuid

import "github.com/google/uuid"

// UUID is a 128 bit identifier.
type UUID = uuid.UUID

// Nil is the zero UUID.
var Nil = uuid.Nil

// New returns a random (version 4) UUID. It panics if the random source fails.
func New() UUID { return uuid.New() }

// NewString returns the string form of a new random UUID.
func NewString() string { return uuid.NewString() }

// Parse decodes s into a UUID.
func Parse(s string) (UUID, error) { return uuid.Parse(s) }

// MustParse is like Parse but panics if s cannot be parsed.
func MustParse(s string) UUID { return uuid.MustParse(s) }
