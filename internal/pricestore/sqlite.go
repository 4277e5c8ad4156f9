package pricestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cardvault/internal/core"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS price_sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	source_type TEXT NOT NULL UNIQUE,
	config_json TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS latest_prices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_id INTEGER NOT NULL,
	source_id INTEGER NOT NULL REFERENCES price_sources(id),
	currency TEXT NOT NULL DEFAULT 'USD',
	market_price REAL,
	low_price REAL,
	mid_price REAL,
	high_price REAL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(entity_type, entity_id, source_id)
);

CREATE TABLE IF NOT EXISTS price_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_id INTEGER NOT NULL,
	source_id INTEGER NOT NULL REFERENCES price_sources(id),
	currency TEXT NOT NULL DEFAULT 'USD',
	market_price REAL,
	low_price REAL,
	mid_price REAL,
	high_price REAL,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_entity
	ON price_history(entity_type, entity_id, recorded_at);

CREATE TABLE IF NOT EXISTS external_ids (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_id INTEGER NOT NULL,
	source TEXT NOT NULL,
	external_id TEXT NOT NULL,
	confidence TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(entity_type, entity_id, source)
);

CREATE TABLE IF NOT EXISTS job_runs (
	id TEXT PRIMARY KEY,
	job_name TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	status TEXT NOT NULL,
	stats_json TEXT NOT NULL DEFAULT '{}',
	error_text TEXT NOT NULL DEFAULT ''
);
`

type sqliteStore struct {
	db *sql.DB
}

func newSQLiteStore(ctx context.Context, db *sql.DB) (*sqliteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite connection is nil")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to create price store schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) EnsureSource(ctx context.Context, kind, name string, config map[string]string) (core.Source, error) {
	if src, err := s.sourceByKind(ctx, kind); err == nil {
		return src, nil
	} else if err != sql.ErrNoRows {
		return core.Source{}, err
	}

	cfgJSON, err := json.Marshal(configOrEmpty(config))
	if err != nil {
		return core.Source{}, fmt.Errorf("failed to encode source config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO price_sources (name, source_type, config_json) VALUES (?, ?, ?)
		 ON CONFLICT(source_type) DO NOTHING`,
		name, kind, string(cfgJSON))
	if err != nil {
		return core.Source{}, fmt.Errorf("failed to insert price source %s: %w", kind, err)
	}

	// Re-select so a concurrent creator's row wins consistently.
	src, err := s.sourceByKind(ctx, kind)
	if err != nil {
		return core.Source{}, fmt.Errorf("failed to load price source %s: %w", kind, err)
	}
	return src, nil
}

func (s *sqliteStore) sourceByKind(ctx context.Context, kind string) (core.Source, error) {
	var src core.Source
	var cfgJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, source_type, config_json FROM price_sources WHERE source_type = ?`,
		kind).Scan(&src.ID, &src.Name, &src.Kind, &cfgJSON)
	if err != nil {
		return core.Source{}, err
	}
	if err := json.Unmarshal([]byte(cfgJSON), &src.Config); err != nil {
		return core.Source{}, fmt.Errorf("failed to decode source config: %w", err)
	}
	return src, nil
}

func (s *sqliteStore) LatestPrice(ctx context.Context, subjectType core.SubjectType, subjectID, sourceID int64) (*core.LatestPrice, error) {
	lp := core.LatestPrice{SubjectType: subjectType, SubjectID: subjectID, SourceID: sourceID}
	err := s.db.QueryRowContext(ctx,
		`SELECT currency, market_price, low_price, mid_price, high_price, updated_at
		 FROM latest_prices
		 WHERE entity_type = ? AND entity_id = ? AND source_id = ?`,
		string(subjectType), subjectID, sourceID,
	).Scan(&lp.Currency, &lp.Market, &lp.Low, &lp.Mid, &lp.High, &lp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest price: %w", err)
	}
	return &lp, nil
}

func (s *sqliteStore) UpsertLatestPrice(ctx context.Context, lp core.LatestPrice) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO latest_prices
			(entity_type, entity_id, source_id, currency, market_price, low_price, mid_price, high_price, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_type, entity_id, source_id) DO UPDATE SET
			currency = excluded.currency,
			market_price = excluded.market_price,
			low_price = excluded.low_price,
			mid_price = excluded.mid_price,
			high_price = excluded.high_price,
			updated_at = excluded.updated_at`,
		string(lp.SubjectType), lp.SubjectID, lp.SourceID,
		lp.Currency, lp.Market, lp.Low, lp.Mid, lp.High, lp.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert latest price: %w", err)
	}
	return nil
}

func (s *sqliteStore) AppendHistory(ctx context.Context, lp core.LatestPrice) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO price_history
			(entity_type, entity_id, source_id, currency, market_price, low_price, mid_price, high_price, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(lp.SubjectType), lp.SubjectID, lp.SourceID,
		lp.Currency, lp.Market, lp.Low, lp.Mid, lp.High, lp.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append price history: %w", err)
	}
	return nil
}

func (s *sqliteStore) ExternalID(ctx context.Context, subjectType core.SubjectType, subjectID int64, source string) (*core.ExternalID, error) {
	eid := core.ExternalID{SubjectType: subjectType, SubjectID: subjectID, Source: source}
	err := s.db.QueryRowContext(ctx,
		`SELECT external_id, confidence FROM external_ids
		 WHERE entity_type = ? AND entity_id = ? AND source = ?`,
		string(subjectType), subjectID, source,
	).Scan(&eid.ExternalID, &eid.Confidence)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load external id: %w", err)
	}
	return &eid, nil
}

func (s *sqliteStore) PutExternalID(ctx context.Context, eid core.ExternalID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO external_ids (entity_type, entity_id, source, external_id, confidence)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(entity_type, entity_id, source) DO UPDATE SET
			external_id = excluded.external_id,
			confidence = excluded.confidence`,
		string(eid.SubjectType), eid.SubjectID, eid.Source, eid.ExternalID, eid.Confidence)
	if err != nil {
		return fmt.Errorf("failed to store external id: %w", err)
	}
	return nil
}

func (s *sqliteStore) DeleteExternalID(ctx context.Context, subjectType core.SubjectType, subjectID int64, source string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM external_ids WHERE entity_type = ? AND entity_id = ? AND source = ?`,
		string(subjectType), subjectID, source)
	if err != nil {
		return fmt.Errorf("failed to delete external id: %w", err)
	}
	return nil
}

func (s *sqliteStore) StartJobRun(ctx context.Context, jobName string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (id, job_name, started_at, status) VALUES (?, ?, ?, 'running')`,
		id, jobName, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to start job run: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) FinishJobRun(ctx context.Context, id, status, statsJSON, errorText string) error {
	if statsJSON == "" {
		statsJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET finished_at = ?, status = ?, stats_json = ?, error_text = ? WHERE id = ?`,
		time.Now().UTC(), status, statsJSON, errorText, id)
	if err != nil {
		return fmt.Errorf("failed to finish job run: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentJobRuns(ctx context.Context, limit int) ([]JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_name, started_at, finished_at, status, stats_json, error_text
		 FROM job_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var r JobRun
		if err := rows.Scan(&r.ID, &r.JobName, &r.StartedAt, &r.FinishedAt, &r.Status, &r.StatsJSON, &r.ErrorText); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func configOrEmpty(config map[string]string) map[string]string {
	if config == nil {
		return map[string]string{}
	}
	return config
}
