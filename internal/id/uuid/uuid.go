// Package uuid issues the identifiers the console hands out: time-ordered
// console IDs and random request IDs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates identifiers. The zero value is ready to use.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string, so console IDs sort by creation time.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// RequestID returns a random UUIDv4 string for correlating HTTP requests.
func (Generator) RequestID() string {
	return uuid.NewString()
}
