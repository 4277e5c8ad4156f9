// Package catalog reads the card catalog: sets, raw cards, graded items and
// the holdings that mark which cards are tracked. The price engine only reads
// these tables; collection management writes them elsewhere.
package catalog

import (
	"context"
	"fmt"

	"cardvault/internal/core"
	"cardvault/internal/storage"
)

// Selection modes for picking raw cards to price in a batch.
const (
	// ModeTracked selects only cards present in at least one holding.
	ModeTracked = "tracked"
	// ModeSet selects all cards of one set, by code or id.
	ModeSet = "set"
	// ModeAll selects the whole catalog.
	ModeAll = "all"
)

// Selection picks the raw cards a batch run will price.
type Selection struct {
	Mode    string
	SetCode string
	SetID   int64
	// Limit caps the number of subjects. Zero means no cap.
	Limit int
}

// Validate checks the selection for consistency.
func (s Selection) Validate() error {
	switch s.Mode {
	case ModeTracked, ModeAll:
		return nil
	case ModeSet:
		if s.SetCode == "" && s.SetID == 0 {
			return fmt.Errorf("set selection requires a set code or set id")
		}
		return nil
	default:
		return fmt.Errorf("unknown selection mode: %s (valid: tracked, set, all)", s.Mode)
	}
}

// Catalog provides read access to priceable subjects.
type Catalog interface {
	// RawSubjects lists the raw cards matching the selection.
	RawSubjects(ctx context.Context, sel Selection) ([]core.CardSubject, error)

	// CardSubject loads one raw card by id, or nil if it does not exist.
	CardSubject(ctx context.Context, cardID int64) (*core.CardSubject, error)

	// GradedSubject loads one graded item by id, or nil if it does not exist.
	GradedSubject(ctx context.Context, gradedID int64) (*core.GradedSubject, error)

	// GradedSubjects lists all graded items, oldest first.
	GradedSubjects(ctx context.Context) ([]core.GradedSubject, error)
}

// New creates a Catalog backed by the given storage connection.
// The catalog schema is created if it does not exist yet, so a fresh
// SQLite deployment works without a separate migration step.
func New(ctx context.Context, st storage.Storage) (Catalog, error) {
	switch st.Type() {
	case storage.TypeSQLite:
		return newSQLiteCatalog(ctx, st.SQLiteDB())
	case storage.TypePostgreSQL:
		return newPostgresCatalog(ctx, st.PostgreSQLPool())
	default:
		return nil, fmt.Errorf("unsupported storage type for catalog: %s", st.Type())
	}
}
