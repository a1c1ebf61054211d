// Package uuid provides bundle id generation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
)

// Generator creates UUIDv7 bundle ids. Version 7 ids carry a millisecond
// timestamp and a monotonic counter, so within one process a later id always
// sorts after an earlier one.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewBID returns a fresh bundle id.
func (Generator) NewBID() (bundle.BID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return bundle.BID(id.String()), nil
}

// NewID returns a UUIDv7 string, used for run ids.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
