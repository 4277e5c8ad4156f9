//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cardvault/internal/catalog"
	"cardvault/internal/core"
	"cardvault/internal/pricestore"
	"cardvault/internal/storage"
)

// newPostgresStore opens the shared container database and returns a clean
// store and catalog.
func newPostgresStore(t *testing.T) (pricestore.Store, catalog.Catalog) {
	t.Helper()
	st, err := storage.NewPostgreSQL(testCtx, storage.PostgreSQLConfig{URL: pgURL, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store, err := pricestore.New(testCtx, st)
	require.NoError(t, err)
	cat, err := catalog.New(testCtx, st)
	require.NoError(t, err)

	truncateAll(t)
	return store, cat
}

func seedCatalogRows(t *testing.T) {
	t.Helper()
	seeds := []string{
		`INSERT INTO card_sets (id, code, name) VALUES (1, 'sv1', 'Scarlet & Violet')`,
		`INSERT INTO cards (id, set_id, number, name) VALUES (1, 1, '1/100', 'Sprigatito'), (2, 1, '25/100', 'Pikachu')`,
		`INSERT INTO graded_items (id, card_id, grader, grade) VALUES (1, 1, 'PSA', '10')`,
		`INSERT INTO holdings (card_id, quantity) VALUES (1, 2)`,
	}
	for _, s := range seeds {
		_, err := pgPool.Exec(testCtx, s)
		require.NoError(t, err)
	}
}

func TestPostgresEnsureSourceIdempotent(t *testing.T) {
	store, _ := newPostgresStore(t)

	first, err := store.EnsureSource(testCtx, core.SourceTCGdex, "TCGplayer via TCGdex", nil)
	require.NoError(t, err)
	second, err := store.EnsureSource(testCtx, core.SourceTCGdex, "different name", nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "TCGplayer via TCGdex", second.Name)
}

func TestPostgresLatestPriceUpsert(t *testing.T) {
	store, _ := newPostgresStore(t)

	src, err := store.EnsureSource(testCtx, core.SourceTCGdex, "TCGplayer via TCGdex", nil)
	require.NoError(t, err)

	lp := core.LatestPrice{
		SubjectType: core.SubjectCard,
		SubjectID:   1,
		SourceID:    src.ID,
		Currency:    "USD",
		Market:      core.Float64(12.5),
		UpdatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.UpsertLatestPrice(testCtx, lp))
	require.NoError(t, store.AppendHistory(testCtx, lp))

	lp.Market = core.Float64(13.0)
	require.NoError(t, store.UpsertLatestPrice(testCtx, lp))
	require.NoError(t, store.AppendHistory(testCtx, lp))

	got, err := store.LatestPrice(testCtx, core.SubjectCard, 1, src.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 13.0, *got.Market)

	var latest, history int
	require.NoError(t, pgPool.QueryRow(testCtx, `SELECT COUNT(*) FROM latest_prices`).Scan(&latest))
	require.NoError(t, pgPool.QueryRow(testCtx, `SELECT COUNT(*) FROM price_history`).Scan(&history))
	require.Equal(t, 1, latest)
	require.Equal(t, 2, history)

	miss, err := store.LatestPrice(testCtx, core.SubjectCard, 99, src.ID)
	require.NoError(t, err)
	require.Nil(t, miss)
}

func TestPostgresExternalIDs(t *testing.T) {
	store, _ := newPostgresStore(t)

	eid := core.ExternalID{
		SubjectType: core.SubjectGraded,
		SubjectID:   1,
		Source:      core.SourceGradedDirect,
		ExternalID:  "trk-9",
		Confidence:  "exact",
	}
	require.NoError(t, store.PutExternalID(testCtx, eid))

	got, err := store.ExternalID(testCtx, core.SubjectGraded, 1, core.SourceGradedDirect)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "trk-9", got.ExternalID)

	eid.ExternalID = "trk-10"
	eid.Confidence = "number"
	require.NoError(t, store.PutExternalID(testCtx, eid))
	got, err = store.ExternalID(testCtx, core.SubjectGraded, 1, core.SourceGradedDirect)
	require.NoError(t, err)
	require.Equal(t, "trk-10", got.ExternalID)
	require.Equal(t, "number", got.Confidence)

	require.NoError(t, store.DeleteExternalID(testCtx, core.SubjectGraded, 1, core.SourceGradedDirect))
	got, err = store.ExternalID(testCtx, core.SubjectGraded, 1, core.SourceGradedDirect)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPostgresJobRuns(t *testing.T) {
	store, _ := newPostgresStore(t)

	id1, err := store.StartJobRun(testCtx, "seed_prices")
	require.NoError(t, err)
	require.NoError(t, store.FinishJobRun(testCtx, id1, "completed", `{"resolved": 3}`, ""))

	id2, err := store.StartJobRun(testCtx, "refresh_graded")
	require.NoError(t, err)
	require.NoError(t, store.FinishJobRun(testCtx, id2, "aborted", `{}`, "rate limited"))

	runs, err := store.RecentJobRuns(testCtx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, id2, runs[0].ID)
	require.Equal(t, "aborted", runs[0].Status)
	require.Equal(t, "rate limited", runs[0].ErrorText)
	require.Equal(t, id1, runs[1].ID)
	require.NotNil(t, runs[1].FinishedAt)
}

func TestPostgresCatalogSelections(t *testing.T) {
	_, cat := newPostgresStore(t)
	seedCatalogRows(t)

	tracked, err := cat.RawSubjects(testCtx, catalog.Selection{Mode: catalog.ModeTracked})
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	require.Equal(t, "Sprigatito", tracked[0].Name)

	all, err := cat.RawSubjects(testCtx, catalog.Selection{Mode: catalog.ModeAll})
	require.NoError(t, err)
	require.Len(t, all, 2)

	bySet, err := cat.RawSubjects(testCtx, catalog.Selection{Mode: catalog.ModeSet, SetCode: "sv1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, bySet, 1)

	graded, err := cat.GradedSubject(testCtx, 1)
	require.NoError(t, err)
	require.NotNil(t, graded)
	require.Equal(t, "PSA", graded.Grader)
	require.Equal(t, "Sprigatito", graded.Card.Name)
}
