package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cardvault/config"
	"cardvault/internal/core"
	"cardvault/internal/fetch"
	"cardvault/internal/providers/tracker"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func gradedConfig() config.GradedConfig {
	return config.GradedConfig{
		FreshnessWindow: time.Hour,
		SalesMode:       "last3",
		SalesWindowDays: 30,
	}
}

// newTrackerServer wires a scripted tracker API with request counting.
func newTrackerServer(t *testing.T, handler http.HandlerFunc) (*tracker.Client, *atomic.Int64) {
	t.Helper()
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	f := fetch.New(fetch.Config{Retries: 1, Backoff: time.Millisecond, Timeout: time.Second})
	return tracker.New(srv.URL, "test-key", f), &requests
}

func TestGradedResolve_FreshCacheSkipsNetwork(t *testing.T) {
	store, cat, db := newTestStore(t)
	seedSubjects(t, db)
	ctx := context.Background()

	client, requests := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected for a fresh cache")
	})
	g, err := NewGradedResolver(store, cat, client, gradedConfig(), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewGradedResolver: %v", err)
	}

	src, err := store.EnsureSource(ctx, core.SourceGradedDirect, "PriceTracker (graded)", nil)
	if err != nil {
		t.Fatalf("EnsureSource: %v", err)
	}
	lp := core.LatestPrice{
		SubjectType: core.SubjectGraded,
		SubjectID:   1,
		SourceID:    src.ID,
		Currency:    "USD",
		Market:      core.Float64(250),
		UpdatedAt:   testNow.Add(-30 * time.Minute),
	}
	if err := store.UpsertLatestPrice(ctx, lp); err != nil {
		t.Fatalf("UpsertLatestPrice: %v", err)
	}

	got, err := g.Resolve(ctx, 1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Cached {
		t.Error("expected cached result")
	}
	if got.Market == nil || *got.Market != 250 {
		t.Errorf("Market = %v, want 250", got.Market)
	}
	if got.SourceKind != core.SourceGradedDirect {
		t.Errorf("SourceKind = %q, want %q", got.SourceKind, core.SourceGradedDirect)
	}
	if requests.Load() != 0 {
		t.Errorf("requests = %d, want 0", requests.Load())
	}
}

func TestGradedResolve_StaleCacheRefreshesOnce(t *testing.T) {
	store, cat, db := newTestStore(t)
	seedSubjects(t, db)
	ctx := context.Background()

	client, requests := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"id": "trk-1", "gradedPrices": {"psa10": 300.0}}}`))
	})
	g, err := NewGradedResolver(store, cat, client, gradedConfig(), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewGradedResolver: %v", err)
	}

	src, err := store.EnsureSource(ctx, core.SourceGradedDirect, "PriceTracker (graded)", nil)
	if err != nil {
		t.Fatalf("EnsureSource: %v", err)
	}
	if err := store.UpsertLatestPrice(ctx, core.LatestPrice{
		SubjectType: core.SubjectGraded,
		SubjectID:   1,
		SourceID:    src.ID,
		Currency:    "USD",
		Market:      core.Float64(250),
		UpdatedAt:   testNow.Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("UpsertLatestPrice: %v", err)
	}
	// A cached native id makes the refresh a single detail fetch.
	if err := store.PutExternalID(ctx, core.ExternalID{
		SubjectType: core.SubjectGraded, SubjectID: 1,
		Source: core.SourceGradedDirect, ExternalID: "trk-1", Confidence: "exact",
	}); err != nil {
		t.Fatalf("PutExternalID: %v", err)
	}

	got, err := g.Resolve(ctx, 1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Cached {
		t.Error("stale cache must trigger a refresh")
	}
	if got.Market == nil || *got.Market != 300 {
		t.Errorf("Market = %v, want 300", got.Market)
	}
	if got.Confidence != "exact" {
		t.Errorf("Confidence = %q, want exact", got.Confidence)
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want exactly 1 refresh fetch", requests.Load())
	}
}

func TestGradedResolve_DiscoverySalesDerived(t *testing.T) {
	store, cat, db := newTestStore(t)
	seedSubjects(t, db)
	ctx := context.Background()

	client, _ := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/cards":
			w.Write([]byte(`{"data": [{"id": "trk-9", "name": "Sprigatito", "number": "1"}]}`))
		case "/api/v2/cards/trk-9":
			w.Write([]byte(`{"data": {
				"id": "trk-9",
				"ebay": {"salesByGrade": {"psa10": [{"price": 100, "date": "2024-01-01"}]}}
			}}`))
		default:
			http.NotFound(w, r)
		}
	})
	g, err := NewGradedResolver(store, cat, client, gradedConfig(), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewGradedResolver: %v", err)
	}

	got, err := g.Resolve(ctx, 1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Market == nil || *got.Market != 100 {
		t.Errorf("Market = %v, want 100", got.Market)
	}
	if got.SourceKind != core.SourceGradedSales {
		t.Errorf("SourceKind = %q, want %q", got.SourceKind, core.SourceGradedSales)
	}
	if got.Confidence != "exact" {
		t.Errorf("Confidence = %q, want exact", got.Confidence)
	}

	// The discovered id is cached with its confidence.
	eid, err := store.ExternalID(ctx, core.SubjectGraded, 1, core.SourceGradedDirect)
	if err != nil {
		t.Fatalf("ExternalID: %v", err)
	}
	if eid == nil || eid.ExternalID != "trk-9" || eid.Confidence != "exact" {
		t.Errorf("cached id = %+v, want trk-9/exact", eid)
	}

	// The value is persisted under the sales-derived source.
	src, err := store.EnsureSource(ctx, core.SourceGradedSales, "", nil)
	if err != nil {
		t.Fatalf("EnsureSource: %v", err)
	}
	lp, err := store.LatestPrice(ctx, core.SubjectGraded, 1, src.ID)
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if lp == nil || lp.Market == nil || *lp.Market != 100 {
		t.Errorf("persisted price = %+v, want 100", lp)
	}
}

func TestGradedResolve_NotAvailableCarriesGradeKeys(t *testing.T) {
	store, cat, db := newTestStore(t)
	seedSubjects(t, db)

	client, _ := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/cards":
			w.Write([]byte(`{"data": [{"id": "trk-9", "name": "Sprigatito", "number": "1"}]}`))
		case "/api/v2/cards/trk-9":
			w.Write([]byte(`{"data": {"ebay": {"salesByGrade": {"psa9": [{"price": 40, "date": "2024-01-01"}]}}}}`))
		default:
			http.NotFound(w, r)
		}
	})
	g, err := NewGradedResolver(store, cat, client, gradedConfig(), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewGradedResolver: %v", err)
	}

	_, err = g.Resolve(context.Background(), 1)
	var na *NotAvailableError
	if !errors.As(err, &na) {
		t.Fatalf("err = %v, want NotAvailableError", err)
	}
	if len(na.GradeKeysSeen) != 1 || na.GradeKeysSeen[0] != "psa9" {
		t.Errorf("GradeKeysSeen = %v, want [psa9]", na.GradeKeysSeen)
	}
}

func TestGradedResolve_AuthErrorAborts(t *testing.T) {
	store, cat, db := newTestStore(t)
	seedSubjects(t, db)

	client, _ := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	g, err := NewGradedResolver(store, cat, client, gradedConfig(), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewGradedResolver: %v", err)
	}

	_, err = g.Resolve(context.Background(), 1)
	if !core.IsAborting(err) {
		t.Errorf("err = %v, want aborting", err)
	}
}

func TestGradedResolve_UnknownSubject(t *testing.T) {
	store, cat, _ := newTestStore(t)

	client, _ := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {})
	g, err := NewGradedResolver(store, cat, client, gradedConfig())
	if err != nil {
		t.Fatalf("NewGradedResolver: %v", err)
	}

	_, err = g.Resolve(context.Background(), 42)
	if !core.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestGradedResolve_SingleFlight(t *testing.T) {
	store, cat, db := newTestStore(t)
	seedSubjects(t, db)

	var detailCalls atomic.Int64
	release := make(chan struct{})
	client, _ := newTrackerServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/cards":
			w.Write([]byte(`{"data": [{"id": "trk-9", "name": "Sprigatito", "number": "1"}]}`))
		case "/api/v2/cards/trk-9":
			detailCalls.Add(1)
			<-release
			w.Write([]byte(`{"data": {"gradedPrices": {"psa10": 300.0}}}`))
		default:
			http.NotFound(w, r)
		}
	})
	g, err := NewGradedResolver(store, cat, client, gradedConfig(), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewGradedResolver: %v", err)
	}

	const concurrent = 5
	var wg sync.WaitGroup
	results := make([]*core.ResolvedPrice, concurrent)
	errs := make([]error, concurrent)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Resolve(context.Background(), 1)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < concurrent; i++ {
		if errs[i] != nil {
			t.Fatalf("Resolve[%d]: %v", i, errs[i])
		}
		if results[i].Market == nil || *results[i].Market != 300 {
			t.Errorf("Market[%d] = %v, want 300", i, results[i].Market)
		}
	}
	if n := detailCalls.Load(); n != 1 {
		t.Errorf("detail calls = %d, want 1 (coalesced)", n)
	}

	// Exactly one history row despite five concurrent requests.
	var history int
	if err := db.QueryRow(`SELECT COUNT(*) FROM price_history WHERE entity_type = 'graded'`).Scan(&history); err != nil {
		t.Fatalf("count history: %v", err)
	}
	if history != 1 {
		t.Errorf("history rows = %d, want 1", history)
	}
}
