// Package reconcile runs the feed reconciliation pass: it detects inserts,
// changes, identity rotations and duplicates against the previously recorded
// state, applies clone-and-retire lifecycle transitions, and governs safe
// removal of records whose entries disappeared from their feeds.
package reconcile

import (
	"time"

	"github.com/tidewell/reservesync/internal/feed"
	"github.com/tidewell/reservesync/internal/registry"
)

// RunContext holds the run-scoped lookups populated once at run start and
// treated as immutable for the remainder of the run. Components receive it
// explicitly instead of consulting shared mutable caches.
type RunContext struct {
	RunID  string
	Now    time.Time
	Window feed.Window

	// Sources indexes the feed registry by feed id.
	Sources map[string]registry.FeedSource
	// PropertyNames maps property id to display name for log readability.
	PropertyNames map[string]string
}

// NewRunContext builds the immutable run context from the registry snapshot.
func NewRunContext(runID string, now time.Time, window feed.Window, sources []registry.FeedSource) RunContext {
	byFeed := make(map[string]registry.FeedSource, len(sources))
	names := make(map[string]string, len(sources))
	for _, source := range sources {
		byFeed[source.FeedID] = source
		if source.PropertyName != "" {
			names[source.PropertyID] = source.PropertyName
		}
	}
	return RunContext{
		RunID:         runID,
		Now:           now,
		Window:        window,
		Sources:       byFeed,
		PropertyNames: names,
	}
}

// PropertyName resolves a property id to its display name, falling back to
// the id itself when the registry carries no name for it.
func (c RunContext) PropertyName(propertyID string) string {
	if name, ok := c.PropertyNames[propertyID]; ok {
		return name
	}
	return propertyID
}
