// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates the identifiers the tracker hands out.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// WorkerID returns a UUID7 string. Worker ids sort by registration time,
// which keeps log output and database listings readable.
func (Generator) WorkerID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// LeaseToken returns a UUIDv4 string. Tokens only need to be unguessable
// and unique, so the random variant is enough.
func (Generator) LeaseToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return id.String(), nil
}
