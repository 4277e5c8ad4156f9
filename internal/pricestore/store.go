// Package pricestore persists the engine's reconciled output: provider
// source records, latest prices, the append-only price history, the
// provider-native identifier cache and batch job bookkeeping.
package pricestore

import (
	"context"
	"fmt"
	"time"

	"cardvault/internal/core"
	"cardvault/internal/storage"
)

// JobRun records one batch execution.
type JobRun struct {
	ID         string     `json:"id"`
	JobName    string     `json:"job_name"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	StatsJSON  string     `json:"stats,omitempty"`
	ErrorText  string     `json:"error,omitempty"`
}

// Store is the persistence interface of the price engine.
// Implementations must be safe for concurrent use; the batch engine
// nevertheless serializes its writes into a single merge phase.
type Store interface {
	// EnsureSource returns the source record for kind, creating it with the
	// given name and config on first use. Idempotent: concurrent creators of
	// the same kind converge on one row.
	EnsureSource(ctx context.Context, kind, name string, config map[string]string) (core.Source, error)

	// LatestPrice returns the reconciled price for one
	// (subjectType, subjectID, sourceID) triple, or nil if none exists.
	LatestPrice(ctx context.Context, subjectType core.SubjectType, subjectID, sourceID int64) (*core.LatestPrice, error)

	// UpsertLatestPrice writes the single reconciled row for the triple,
	// replacing the previous values in place.
	UpsertLatestPrice(ctx context.Context, lp core.LatestPrice) error

	// AppendHistory adds one append-only history row. Never updates.
	AppendHistory(ctx context.Context, lp core.LatestPrice) error

	// ExternalID returns the cached provider-native id for a subject, or nil.
	ExternalID(ctx context.Context, subjectType core.SubjectType, subjectID int64, source string) (*core.ExternalID, error)

	// PutExternalID stores a discovered provider-native id. Re-discovery of
	// the same triple overwrites the previous mapping and confidence.
	PutExternalID(ctx context.Context, eid core.ExternalID) error

	// DeleteExternalID drops a cached mapping; the manual invalidation hook
	// for corrected catalog entries.
	DeleteExternalID(ctx context.Context, subjectType core.SubjectType, subjectID int64, source string) error

	// StartJobRun records the beginning of a batch run and returns its id.
	StartJobRun(ctx context.Context, jobName string) (string, error)

	// FinishJobRun closes a run with its final status, stats JSON and
	// optional error text.
	FinishJobRun(ctx context.Context, id, status, statsJSON, errorText string) error

	// RecentJobRuns lists runs newest first.
	RecentJobRuns(ctx context.Context, limit int) ([]JobRun, error)
}

// New creates a Store backed by the given storage connection.
// The schema is created if it does not exist yet.
func New(ctx context.Context, st storage.Storage) (Store, error) {
	switch st.Type() {
	case storage.TypeSQLite:
		return newSQLiteStore(ctx, st.SQLiteDB())
	case storage.TypePostgreSQL:
		return newPostgresStore(ctx, st.PostgreSQLPool())
	default:
		return nil, fmt.Errorf("unsupported storage type for price store: %s", st.Type())
	}
}
