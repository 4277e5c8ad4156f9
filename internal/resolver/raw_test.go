package resolver

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"cardvault/internal/catalog"
	"cardvault/internal/core"
	"cardvault/internal/pricestore"
	"cardvault/internal/storage"
)

func newTestStore(t *testing.T) (pricestore.Store, catalog.Catalog, *sql.DB) {
	t.Helper()
	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	store, err := pricestore.New(ctx, st)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	cat, err := catalog.New(ctx, st)
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	return store, cat, st.SQLiteDB()
}

func seedSubjects(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`INSERT INTO card_sets (id, code, name) VALUES (1, 'sv1', 'Scarlet & Violet')`,
		`INSERT INTO cards (id, set_id, number, name) VALUES (1, 1, '1/100', 'Sprigatito')`,
		`INSERT INTO graded_items (id, card_id, grader, grade) VALUES (1, 1, 'PSA', '10')`,
		`INSERT INTO holdings (card_id, quantity) VALUES (1, 1)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

// fakeProvider is a scripted raw price provider with a call counter.
type fakeProvider struct {
	name  string
	calls int
	tuple *core.PriceTuple
	err   error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CardPrice(ctx context.Context, subject core.CardSubject) (*core.PriceTuple, error) {
	f.calls++
	return f.tuple, f.err
}

var testSubject = core.CardSubject{CardID: 1, Number: "1/100", Name: "Sprigatito", SetID: 1, SetCode: "sv1", SetName: "Scarlet & Violet"}

func TestRawFetch_ShortCircuitsOnPrimaryHit(t *testing.T) {
	store, _, _ := newTestStore(t)
	primary := &fakeProvider{name: core.SourceTCGdex, tuple: &core.PriceTuple{Currency: "USD", Market: core.Float64(12.5)}}
	secondary := &fakeProvider{name: core.SourceTCGCSV}
	r := NewRawResolver(store, primary, secondary)

	out, err := r.fetch(context.Background(), testSubject)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !out.resolved() || out.kind != core.SourceTCGdex {
		t.Fatalf("outcome = %+v, want resolved by primary", out)
	}
	if primary.calls != 1 {
		t.Errorf("primary calls = %d, want 1", primary.calls)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary calls = %d, want 0 (short-circuit)", secondary.calls)
	}
}

func TestRawFetch_FallsThroughOnMiss(t *testing.T) {
	store, _, _ := newTestStore(t)
	primary := &fakeProvider{name: core.SourceTCGdex, err: core.NewNotFoundError(core.SourceTCGdex, "no card")}
	secondary := &fakeProvider{name: core.SourceTCGCSV, tuple: &core.PriceTuple{Currency: "USD", Market: core.Float64(3.0)}}
	r := NewRawResolver(store, primary, secondary)

	out, err := r.fetch(context.Background(), testSubject)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !out.resolved() || out.kind != core.SourceTCGCSV {
		t.Fatalf("outcome = %+v, want resolved by secondary", out)
	}
	if secondary.calls != 1 {
		t.Errorf("secondary calls = %d, want 1", secondary.calls)
	}
}

func TestRawFetch_BothMissIsNotAnError(t *testing.T) {
	store, _, _ := newTestStore(t)
	primary := &fakeProvider{name: core.SourceTCGdex, err: core.NewNotFoundError(core.SourceTCGdex, "no card")}
	secondary := &fakeProvider{name: core.SourceTCGCSV, err: core.NewNotFoundError(core.SourceTCGCSV, "no product")}
	r := NewRawResolver(store, primary, secondary)

	out, err := r.fetch(context.Background(), testSubject)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if out.resolved() {
		t.Fatal("outcome should be unresolved")
	}
	if out.err != nil {
		t.Errorf("not-found misses must not count as item errors, got %v", out.err)
	}
}

func TestRawFetch_TransientExhaustionIsCountedError(t *testing.T) {
	store, _, _ := newTestStore(t)
	primary := &fakeProvider{name: core.SourceTCGdex, err: core.NewTransientError(core.SourceTCGdex, "attempts exhausted", nil)}
	secondary := &fakeProvider{name: core.SourceTCGCSV, err: core.NewNotFoundError(core.SourceTCGCSV, "no product")}
	r := NewRawResolver(store, primary, secondary)

	out, err := r.fetch(context.Background(), testSubject)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if out.resolved() {
		t.Fatal("outcome should be unresolved")
	}
	if out.err == nil {
		t.Error("transient exhaustion should be recorded as the item error")
	}
	// The transient failure still fell through to the secondary.
	if secondary.calls != 1 {
		t.Errorf("secondary calls = %d, want 1", secondary.calls)
	}
}

func TestRawFetch_AbortsOnAuthError(t *testing.T) {
	store, _, _ := newTestStore(t)
	primary := &fakeProvider{name: core.SourceTCGdex, err: core.NewAuthenticationError(core.SourceTCGdex, "key rejected")}
	secondary := &fakeProvider{name: core.SourceTCGCSV}
	r := NewRawResolver(store, primary, secondary)

	_, err := r.fetch(context.Background(), testSubject)
	if !core.IsAborting(err) {
		t.Fatalf("err = %v, want aborting", err)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary calls = %d, want 0 after abort", secondary.calls)
	}
}

func TestRawMerge_UpsertsAndAppendsHistory(t *testing.T) {
	store, _, db := newTestStore(t)
	r := NewRawResolver(store)
	ctx := context.Background()

	out := rawOutcome{
		subject: testSubject,
		kind:    core.SourceTCGdex,
		tuple: &core.PriceTuple{
			Currency:  "USD",
			Market:    core.Float64(12.5),
			UpdatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	if err := r.merge(ctx, out); err != nil {
		t.Fatalf("merge: %v", err)
	}
	out.tuple.Market = core.Float64(13.0)
	if err := r.merge(ctx, out); err != nil {
		t.Fatalf("merge (second): %v", err)
	}

	src, err := store.EnsureSource(ctx, core.SourceTCGdex, "", nil)
	if err != nil {
		t.Fatalf("EnsureSource: %v", err)
	}
	lp, err := store.LatestPrice(ctx, core.SubjectCard, 1, src.ID)
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if lp == nil || lp.Market == nil || *lp.Market != 13.0 {
		t.Fatalf("LatestPrice = %+v, want market 13.0", lp)
	}

	var latest, history int
	if err := db.QueryRow(`SELECT COUNT(*) FROM latest_prices`).Scan(&latest); err != nil {
		t.Fatalf("count latest: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM price_history`).Scan(&history); err != nil {
		t.Fatalf("count history: %v", err)
	}
	if latest != 1 {
		t.Errorf("latest_prices rows = %d, want 1 (upsert in place)", latest)
	}
	if history != 2 {
		t.Errorf("price_history rows = %d, want 2 (append per refresh)", history)
	}
}
