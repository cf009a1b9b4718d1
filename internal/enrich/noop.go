// Package enrich holds metadata enrichers. Every enricher is best-effort: empty results
// are not errors and callers never block persistence on them.
package enrich

import (
	"context"

	"github.com/JakeFAU/episode-sync/internal/catalog"
)

// Noop returns empty results for every lookup.
type Noop struct{}

var _ catalog.Enricher = Noop{}

// Search returns no match.
func (Noop) Search(context.Context, string, catalog.Kind) (string, error) {
	return "", nil
}

// Details returns no details.
func (Noop) Details(context.Context, string, catalog.Kind) (*catalog.Details, error) {
	return nil, nil
}

// EpisodeImage returns no image.
func (Noop) EpisodeImage(context.Context, string, int, int) (string, error) {
	return "", nil
}
