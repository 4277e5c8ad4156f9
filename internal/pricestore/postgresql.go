package pricestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cardvault/internal/core"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS price_sources (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	source_type TEXT NOT NULL UNIQUE,
	config_json JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS latest_prices (
	id BIGSERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id BIGINT NOT NULL,
	source_id BIGINT NOT NULL REFERENCES price_sources(id),
	currency TEXT NOT NULL DEFAULT 'USD',
	market_price DOUBLE PRECISION,
	low_price DOUBLE PRECISION,
	mid_price DOUBLE PRECISION,
	high_price DOUBLE PRECISION,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE(entity_type, entity_id, source_id)
);

CREATE TABLE IF NOT EXISTS price_history (
	id BIGSERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id BIGINT NOT NULL,
	source_id BIGINT NOT NULL REFERENCES price_sources(id),
	currency TEXT NOT NULL DEFAULT 'USD',
	market_price DOUBLE PRECISION,
	low_price DOUBLE PRECISION,
	mid_price DOUBLE PRECISION,
	high_price DOUBLE PRECISION,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_entity
	ON price_history(entity_type, entity_id, recorded_at);

CREATE TABLE IF NOT EXISTS external_ids (
	id BIGSERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id BIGINT NOT NULL,
	source TEXT NOT NULL,
	external_id TEXT NOT NULL,
	confidence TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(entity_type, entity_id, source)
);

CREATE TABLE IF NOT EXISTS job_runs (
	id TEXT PRIMARY KEY,
	job_name TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	stats_json JSONB NOT NULL DEFAULT '{}',
	error_text TEXT NOT NULL DEFAULT ''
);
`

type postgresStore struct {
	pool *pgxpool.Pool
}

func newPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*postgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to create price store schema: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) EnsureSource(ctx context.Context, kind, name string, config map[string]string) (core.Source, error) {
	if src, err := s.sourceByKind(ctx, kind); err == nil {
		return src, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return core.Source{}, err
	}

	cfgJSON, err := json.Marshal(configOrEmpty(config))
	if err != nil {
		return core.Source{}, fmt.Errorf("failed to encode source config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO price_sources (name, source_type, config_json) VALUES ($1, $2, $3)
		 ON CONFLICT (source_type) DO NOTHING`,
		name, kind, cfgJSON)
	if err != nil {
		return core.Source{}, fmt.Errorf("failed to insert price source %s: %w", kind, err)
	}

	src, err := s.sourceByKind(ctx, kind)
	if err != nil {
		return core.Source{}, fmt.Errorf("failed to load price source %s: %w", kind, err)
	}
	return src, nil
}

func (s *postgresStore) sourceByKind(ctx context.Context, kind string) (core.Source, error) {
	var src core.Source
	var cfgJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, source_type, config_json FROM price_sources WHERE source_type = $1`,
		kind).Scan(&src.ID, &src.Name, &src.Kind, &cfgJSON)
	if err != nil {
		return core.Source{}, err
	}
	if err := json.Unmarshal(cfgJSON, &src.Config); err != nil {
		return core.Source{}, fmt.Errorf("failed to decode source config: %w", err)
	}
	return src, nil
}

func (s *postgresStore) LatestPrice(ctx context.Context, subjectType core.SubjectType, subjectID, sourceID int64) (*core.LatestPrice, error) {
	lp := core.LatestPrice{SubjectType: subjectType, SubjectID: subjectID, SourceID: sourceID}
	err := s.pool.QueryRow(ctx,
		`SELECT currency, market_price, low_price, mid_price, high_price, updated_at
		 FROM latest_prices
		 WHERE entity_type = $1 AND entity_id = $2 AND source_id = $3`,
		string(subjectType), subjectID, sourceID,
	).Scan(&lp.Currency, &lp.Market, &lp.Low, &lp.Mid, &lp.High, &lp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest price: %w", err)
	}
	return &lp, nil
}

func (s *postgresStore) UpsertLatestPrice(ctx context.Context, lp core.LatestPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO latest_prices
			(entity_type, entity_id, source_id, currency, market_price, low_price, mid_price, high_price, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (entity_type, entity_id, source_id) DO UPDATE SET
			currency = EXCLUDED.currency,
			market_price = EXCLUDED.market_price,
			low_price = EXCLUDED.low_price,
			mid_price = EXCLUDED.mid_price,
			high_price = EXCLUDED.high_price,
			updated_at = EXCLUDED.updated_at`,
		string(lp.SubjectType), lp.SubjectID, lp.SourceID,
		lp.Currency, lp.Market, lp.Low, lp.Mid, lp.High, lp.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert latest price: %w", err)
	}
	return nil
}

func (s *postgresStore) AppendHistory(ctx context.Context, lp core.LatestPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_history
			(entity_type, entity_id, source_id, currency, market_price, low_price, mid_price, high_price, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(lp.SubjectType), lp.SubjectID, lp.SourceID,
		lp.Currency, lp.Market, lp.Low, lp.Mid, lp.High, lp.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append price history: %w", err)
	}
	return nil
}

func (s *postgresStore) ExternalID(ctx context.Context, subjectType core.SubjectType, subjectID int64, source string) (*core.ExternalID, error) {
	eid := core.ExternalID{SubjectType: subjectType, SubjectID: subjectID, Source: source}
	err := s.pool.QueryRow(ctx,
		`SELECT external_id, confidence FROM external_ids
		 WHERE entity_type = $1 AND entity_id = $2 AND source = $3`,
		string(subjectType), subjectID, source,
	).Scan(&eid.ExternalID, &eid.Confidence)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load external id: %w", err)
	}
	return &eid, nil
}

func (s *postgresStore) PutExternalID(ctx context.Context, eid core.ExternalID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO external_ids (entity_type, entity_id, source, external_id, confidence)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (entity_type, entity_id, source) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			confidence = EXCLUDED.confidence`,
		string(eid.SubjectType), eid.SubjectID, eid.Source, eid.ExternalID, eid.Confidence)
	if err != nil {
		return fmt.Errorf("failed to store external id: %w", err)
	}
	return nil
}

func (s *postgresStore) DeleteExternalID(ctx context.Context, subjectType core.SubjectType, subjectID int64, source string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM external_ids WHERE entity_type = $1 AND entity_id = $2 AND source = $3`,
		string(subjectType), subjectID, source)
	if err != nil {
		return fmt.Errorf("failed to delete external id: %w", err)
	}
	return nil
}

func (s *postgresStore) StartJobRun(ctx context.Context, jobName string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_runs (id, job_name, started_at, status) VALUES ($1, $2, $3, 'running')`,
		id, jobName, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to start job run: %w", err)
	}
	return id, nil
}

func (s *postgresStore) FinishJobRun(ctx context.Context, id, status, statsJSON, errorText string) error {
	if statsJSON == "" {
		statsJSON = "{}"
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE job_runs SET finished_at = $1, status = $2, stats_json = $3, error_text = $4 WHERE id = $5`,
		time.Now().UTC(), status, statsJSON, errorText, id)
	if err != nil {
		return fmt.Errorf("failed to finish job run: %w", err)
	}
	return nil
}

func (s *postgresStore) RecentJobRuns(ctx context.Context, limit int) ([]JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_name, started_at, finished_at, status, stats_json::text, error_text
		 FROM job_runs ORDER BY started_at DESC LIMIT $1`, limit)
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
