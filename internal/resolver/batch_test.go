package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cardvault/internal/catalog"
	"cardvault/internal/core"
	"cardvault/internal/fetch"
	"cardvault/internal/providers/tcgdex"
)

func TestRunRaw_EndToEnd(t *testing.T) {
	store, cat, db := newTestStore(t)
	seedSubjects(t, db)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cards/sv1-1/100" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"pricing": {"tcgplayer": {"unit": "USD", "holofoil": {"marketPrice": 12.5}}}}`))
	}))
	t.Cleanup(srv.Close)
	f := fetch.New(fetch.Config{Retries: 1, Backoff: time.Millisecond, Timeout: time.Second})
	primary := tcgdex.New(srv.URL, f)

	b := NewBatch(cat, store, NewRawResolver(store, primary), nil, 2, nil)
	stats, err := b.RunRaw(ctx, catalog.Selection{Mode: catalog.ModeTracked})
	if err != nil {
		t.Fatalf("RunRaw: %v", err)
	}
	if stats.Total != 1 || stats.Resolved != 1 || stats.Skipped != 0 || stats.Errored != 0 {
		t.Fatalf("stats = %+v, want 1 resolved of 1", stats)
	}

	src, err := store.EnsureSource(ctx, core.SourceTCGdex, "", nil)
	if err != nil {
		t.Fatalf("EnsureSource: %v", err)
	}
	lp, err := store.LatestPrice(ctx, core.SubjectCard, 1, src.ID)
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if lp == nil || lp.Market == nil || *lp.Market != 12.5 {
		t.Fatalf("LatestPrice = %+v, want market 12.5", lp)
	}
	var history int
	if err := db.QueryRow(`SELECT COUNT(*) FROM price_history WHERE entity_type = 'card'`).Scan(&history); err != nil {
		t.Fatalf("count history: %v", err)
	}
	if history != 1 {
		t.Errorf("history rows = %d, want 1", history)
	}

	runs, err := store.RecentJobRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentJobRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "completed" || runs[0].JobName != JobSeedPrices {
		t.Errorf("job runs = %+v, want one completed seed_prices run", runs)
	}
}

func TestRunRaw_CountsMisses(t *testing.T) {
	store, cat, db := newTestStore(t)
	seedSubjects(t, db)

	primary := &fakeProvider{name: core.SourceTCGdex, err: core.NewNotFoundError(core.SourceTCGdex, "no card")}
	b := NewBatch(cat, store, NewRawResolver(store, primary), nil, 2, nil)

	stats, err := b.RunRaw(context.Background(), catalog.Selection{Mode: catalog.ModeAll})
	if err != nil {
		t.Fatalf("RunRaw: %v", err)
	}
	if stats.Resolved != 0 || stats.Skipped != 1 || stats.Errored != 0 {
		t.Errorf("stats = %+v, want one clean skip", stats)
	}
}

func TestRunRaw_AbortsOnRateLimit(t *testing.T) {
	store, cat, db := newTestStore(t)
	seedSubjects(t, db)

	primary := &fakeProvider{name: core.SourceTCGdex, err: core.NewRateLimitError(core.SourceTCGdex, "throttled")}
	b := NewBatch(cat, store, NewRawResolver(store, primary), nil, 2, nil)

	_, err := b.RunRaw(context.Background(), catalog.Selection{Mode: catalog.ModeAll})
	if !core.IsAborting(err) {
		t.Fatalf("err = %v, want aborting", err)
	}

	runs, err := store.RecentJobRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentJobRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "aborted" {
		t.Errorf("job runs = %+v, want one aborted run", runs)
	}
	if runs[0].ErrorText == "" {
		t.Error("aborted run must record the error")
	}
}

func TestRunGraded_EndToEnd(t *testing.T) {
	store, cat, db := newTestStore(t)
	seedSubjects(t, db)
	ctx := context.Background()

	client, _ := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/cards":
			w.Write([]byte(`{"data": [{"id": "trk-9", "name": "Sprigatito", "number": "1"}]}`))
		case "/api/v2/cards/trk-9":
			w.Write([]byte(`{"data": {"ebay": {"salesByGrade": {"psa10": [{"price": 100, "date": "2024-01-01"}]}}}}`))
		default:
			http.NotFound(w, r)
		}
	})
	g, err := NewGradedResolver(store, cat, client, gradedConfig(), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewGradedResolver: %v", err)
	}

	b := NewBatch(cat, store, nil, g, 2, nil)
	stats, err := b.RunGraded(ctx, 0)
	if err != nil {
		t.Fatalf("RunGraded: %v", err)
	}
	if stats.Total != 1 || stats.Resolved != 1 {
		t.Fatalf("stats = %+v, want 1 resolved", stats)
	}

	src, err := store.EnsureSource(ctx, core.SourceGradedSales, "", nil)
	if err != nil {
		t.Fatalf("EnsureSource: %v", err)
	}
	lp, err := store.LatestPrice(ctx, core.SubjectGraded, 1, src.ID)
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if lp == nil || lp.Market == nil || *lp.Market != 100 {
		t.Fatalf("persisted graded price = %+v, want 100", lp)
	}

	// A second run inside the freshness window resolves from cache.
	stats, err = b.RunGraded(ctx, 0)
	if err != nil {
		t.Fatalf("RunGraded (second): %v", err)
	}
	if stats.Resolved != 1 {
		t.Errorf("second run stats = %+v, want cached resolve", stats)
	}
}

func TestRunGraded_SkipsItemsWithoutData(t *testing.T) {
	store, cat, db := newTestStore(t)
	seedSubjects(t, db)

	client, _ := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/cards":
			w.Write([]byte(`{"data": []}`))
		default:
			http.NotFound(w, r)
		}
	})
	g, err := NewGradedResolver(store, cat, client, gradedConfig(), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewGradedResolver: %v", err)
	}

	b := NewBatch(cat, store, nil, g, 2, nil)
	stats, err := b.RunGraded(context.Background(), 0)
	if err != nil {
		t.Fatalf("RunGraded: %v", err)
	}
	if stats.Resolved != 0 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want one skip", stats)
	}
}
