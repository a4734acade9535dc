// Package uuid generates search IDs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator issues time-ordered UUIDv7 strings, so IDs sort by creation.
type Generator struct{}

// New returns a Generator.
func New() Generator {
	return Generator{}
}

// NewID implements search.IDGenerator.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether s parses as a UUID. Handlers use it to reject
// malformed IDs before touching the store.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
