// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// eventNamespace scopes derived event IDs so they never collide with other v5 users.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("episode-sync/events"))

// Generator creates time-ordered UUID v7 strings for sync runs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Derive returns a name-based (v5) UUID for an item within a run. The same run and item
// always yield the same ID, so a republished event can be deduplicated downstream.
func Derive(runID, item string) string {
	return uuid.NewSHA1(eventNamespace, []byte(runID+"\x00"+item)).String()
}
