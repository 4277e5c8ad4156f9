package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cardvault/internal/core"
)

const postgresCatalogSchema = `
CREATE TABLE IF NOT EXISTS card_sets (
	id BIGSERIAL PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	series TEXT NOT NULL DEFAULT '',
	release_date TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cards (
	id BIGSERIAL PRIMARY KEY,
	set_id BIGINT NOT NULL REFERENCES card_sets(id),
	number TEXT NOT NULL,
	name TEXT NOT NULL,
	rarity TEXT NOT NULL DEFAULT '',
	UNIQUE(set_id, number)
);

CREATE TABLE IF NOT EXISTS graded_items (
	id BIGSERIAL PRIMARY KEY,
	card_id BIGINT NOT NULL REFERENCES cards(id),
	grader TEXT NOT NULL,
	grade TEXT NOT NULL,
	cert_number TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS holdings (
	id BIGSERIAL PRIMARY KEY,
	card_id BIGINT NOT NULL REFERENCES cards(id),
	quantity INTEGER NOT NULL DEFAULT 1,
	acquired_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_holdings_card ON holdings(card_id);
`

type postgresCatalog struct {
	pool *pgxpool.Pool
}

func newPostgresCatalog(ctx context.Context, pool *pgxpool.Pool) (*postgresCatalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, postgresCatalogSchema); err != nil {
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}
	return &postgresCatalog{pool: pool}, nil
}

func (c *postgresCatalog) RawSubjects(ctx context.Context, sel Selection) ([]core.CardSubject, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	var b strings.Builder
	var args []any
	b.WriteString(`SELECT ` + cardSelectColumns + ` FROM cards c JOIN card_sets s ON s.id = c.set_id`)

	switch sel.Mode {
	case ModeTracked:
		b.WriteString(` WHERE EXISTS (SELECT 1 FROM holdings h WHERE h.card_id = c.id)`)
	case ModeSet:
		if sel.SetID != 0 {
			args = append(args, sel.SetID)
			fmt.Fprintf(&b, ` WHERE s.id = $%d`, len(args))
		} else {
			args = append(args, sel.SetCode)
			fmt.Fprintf(&b, ` WHERE s.code = $%d`, len(args))
		}
	}
	b.WriteString(` ORDER BY c.id`)
	if sel.Limit > 0 {
		args = append(args, sel.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}

	rows, err := c.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw subjects: %w", err)
	}
	defer rows.Close()

	var subjects []core.CardSubject
	for rows.Next() {
		var s core.CardSubject
		if err := rows.Scan(&s.CardID, &s.Number, &s.Name, &s.SetID, &s.SetCode, &s.SetName); err != nil {
			return nil, fmt.Errorf("failed to scan card subject: %w", err)
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

func (c *postgresCatalog) CardSubject(ctx context.Context, cardID int64) (*core.CardSubject, error) {
	var s core.CardSubject
	err := c.pool.QueryRow(ctx,
		`SELECT `+cardSelectColumns+` FROM cards c JOIN card_sets s ON s.id = c.set_id WHERE c.id = $1`,
		cardID).Scan(&s.CardID, &s.Number, &s.Name, &s.SetID, &s.SetCode, &s.SetName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load card %d: %w", cardID, err)
	}
	return &s, nil
}

func (c *postgresCatalog) GradedSubject(ctx context.Context, gradedID int64) (*core.GradedSubject, error) {
	var g core.GradedSubject
	err := c.pool.QueryRow(ctx,
		`SELECT g.id, g.grader, g.grade, `+cardSelectColumns+`
		 FROM graded_items g
		 JOIN cards c ON c.id = g.card_id
		 JOIN card_sets s ON s.id = c.set_id
		 WHERE g.id = $1`,
		gradedID).Scan(&g.GradedID, &g.Grader, &g.Grade,
		&g.Card.CardID, &g.Card.Number, &g.Card.Name, &g.Card.SetID, &g.Card.SetCode, &g.Card.SetName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load graded item %d: %w", gradedID, err)
	}
	return &g, nil
}

func (c *postgresCatalog) GradedSubjects(ctx context.Context) ([]core.GradedSubject, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT g.id, g.grader, g.grade, `+cardSelectColumns+`
		 FROM graded_items g
		 JOIN cards c ON c.id = g.card_id
		 JOIN card_sets s ON s.id = c.set_id
		 ORDER BY g.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list graded items: %w", err)
	}
	defer rows.Close()

	var subjects []core.GradedSubject
	for rows.Next() {
		var g core.GradedSubject
		if err := rows.Scan(&g.GradedID, &g.Grader, &g.Grade,
			&g.Card.CardID, &g.Card.Number, &g.Card.Name, &g.Card.SetID, &g.Card.SetCode, &g.Card.SetName); err != nil {
			return nil, fmt.Errorf("failed to scan graded subject: %w", err)
		}
		subjects = append(subjects, g)
	}
	return subjects, rows.Err()
}
