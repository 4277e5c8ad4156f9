// Package resolver orchestrates price resolution: the raw-card provider
// waterfall, the graded-item state machine and the batch engine that drives
// both over catalog selections.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cardvault/internal/core"
	"cardvault/internal/pricestore"
)

// sourceNames maps each source kind to its display name.
var sourceNames = map[string]string{
	core.SourceTCGdex:       "TCGplayer via TCGdex",
	core.SourceTCGCSV:       "TCGplayer via TCGCSV",
	core.SourceGradedDirect: "PriceTracker (graded)",
	core.SourceGradedSales:  "PriceTracker (eBay)",
}

// SourceName returns the display name for a source kind, falling back to the
// kind itself.
func SourceName(kind string) string {
	if name := sourceNames[kind]; name != "" {
		return name
	}
	return kind
}

// sources memoizes EnsureSource lookups per kind for the life of a resolver.
type sources struct {
	mu     sync.Mutex
	store  pricestore.Store
	byKind map[string]core.Source
}

func newSources(store pricestore.Store) *sources {
	return &sources{store: store, byKind: make(map[string]core.Source)}
}

func (s *sources) get(ctx context.Context, kind string) (core.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.byKind[kind]; ok {
		return src, nil
	}
	src, err := s.store.EnsureSource(ctx, kind, SourceName(kind), nil)
	if err != nil {
		return core.Source{}, err
	}
	s.byKind[kind] = src
	return src, nil
}

// NotAvailableError reports that a graded item could not be valued. It
// carries the grade keys that were present in the provider's data, so a
// caller can see which grades the provider does know about.
type NotAvailableError struct {
	GradeKeysSeen []string
}

func (e *NotAvailableError) Error() string {
	if len(e.GradeKeysSeen) == 0 {
		return "no price available for graded item"
	}
	return fmt.Sprintf("no price available for graded item (grades present: %s)",
		strings.Join(e.GradeKeysSeen, ", "))
}
