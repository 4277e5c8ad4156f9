package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"cardvault/config"
	"cardvault/internal/catalog"
	"cardvault/internal/core"
	"cardvault/internal/gradekey"
	"cardvault/internal/metrics"
	"cardvault/internal/pricestore"
	"cardvault/internal/providers"
	"cardvault/internal/providers/tracker"
	"cardvault/internal/sales"
)

// GradedResolver resolves graded-item values through the tracker provider:
// staleness cache, direct graded price, sales-derived fallback and
// identifier discovery, in that order.
type GradedResolver struct {
	store      pricestore.Store
	catalog    catalog.Catalog
	client     *tracker.Client
	sources    *sources
	window     time.Duration
	mode       sales.Mode
	windowDays int
	group      singleflight.Group
	now        func() time.Time
	metrics    *metrics.Metrics
}

// GradedOption customizes a GradedResolver.
type GradedOption func(*GradedResolver)

// WithClock replaces the resolver's clock, used by tests.
func WithClock(now func() time.Time) GradedOption {
	return func(g *GradedResolver) { g.now = now }
}

// WithGradedMetrics attaches prometheus instrumentation.
func WithGradedMetrics(m *metrics.Metrics) GradedOption {
	return func(g *GradedResolver) { g.metrics = m }
}

// NewGradedResolver creates a graded resolver with the given settings.
func NewGradedResolver(store pricestore.Store, cat catalog.Catalog, client *tracker.Client, cfg config.GradedConfig, opts ...GradedOption) (*GradedResolver, error) {
	mode, err := sales.ParseMode(cfg.SalesMode)
	if err != nil {
		return nil, err
	}
	window := cfg.FreshnessWindow
	if window <= 0 {
		window = time.Hour
	}
	g := &GradedResolver{
		store:      store,
		catalog:    cat,
		client:     client,
		sources:    newSources(store),
		window:     window,
		mode:       mode,
		windowDays: cfg.SalesWindowDays,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Resolve values one graded item. Concurrent calls for the same item
// coalesce into a single provider round trip.
func (g *GradedResolver) Resolve(ctx context.Context, gradedID int64) (*core.ResolvedPrice, error) {
	subject, err := g.catalog.GradedSubject(ctx, gradedID)
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return nil, core.NewNotFoundError("catalog", fmt.Sprintf("graded item %d not found", gradedID))
	}

	key := fmt.Sprintf("graded/%d", gradedID)
	v, err, _ := g.group.Do(key, func() (any, error) {
		if rp, err := g.cached(ctx, subject); err != nil || rp != nil {
			return rp, err
		}
		out, err := g.resolveRemote(ctx, subject)
		if err != nil {
			return nil, err
		}
		return g.persist(ctx, subject, out)
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.ResolvedPrice), nil
}

// cached returns a fresh LatestPrice for the item, direct source preferred,
// or nil when no row is inside the freshness window.
func (g *GradedResolver) cached(ctx context.Context, subject *core.GradedSubject) (*core.ResolvedPrice, error) {
	for _, kind := range []string{core.SourceGradedDirect, core.SourceGradedSales} {
		src, err := g.sources.get(ctx, kind)
		if err != nil {
			return nil, err
		}
		lp, err := g.store.LatestPrice(ctx, core.SubjectGraded, subject.GradedID, src.ID)
		if err != nil {
			return nil, err
		}
		if lp == nil || g.now().Sub(lp.UpdatedAt) >= g.window {
			continue
		}
		if g.metrics != nil {
			g.metrics.CacheHits.WithLabelValues(string(core.SubjectGraded)).Inc()
		}
		return &core.ResolvedPrice{
			SubjectID:  subject.GradedID,
			Market:     lp.Market,
			SourceName: src.Name,
			SourceKind: src.Kind,
			Currency:   lp.Currency,
			Cached:     true,
		}, nil
	}
	return nil, nil
}

// gradedOutcome is the result of one item's network phase, applied to the
// store by persist.
type gradedOutcome struct {
	market     *float64
	kind       string
	confidence string
	// newID is a freshly discovered mapping to cache, set even when pricing
	// then failed.
	newID *core.ExternalID
	// notAvailable marks a terminal miss; keysSeen carries diagnostics.
	notAvailable bool
	keysSeen     []string
}

// resolveRemote runs the provider state machine without touching the store.
func (g *GradedResolver) resolveRemote(ctx context.Context, subject *core.GradedSubject) (*gradedOutcome, error) {
	keys := gradekey.Keys(subject.Grader, subject.Grade)

	var keysSeen []string
	eid, err := g.store.ExternalID(ctx, core.SubjectGraded, subject.GradedID, core.SourceGradedDirect)
	if err != nil {
		return nil, err
	}
	if eid != nil {
		out, err := g.tryDetail(ctx, eid.ExternalID, keys)
		if err != nil && !core.IsNotFound(err) {
			return nil, err
		}
		if err == nil && out.market != nil {
			out.confidence = eid.Confidence
			return out, nil
		}
		if out != nil {
			keysSeen = out.keysSeen
		}
		// The cached id no longer yields a value; rediscover.
	}

	cand, confidence, err := g.discover(ctx, subject)
	if err != nil {
		return nil, err
	}
	if cand == nil {
		return &gradedOutcome{notAvailable: true, keysSeen: keysSeen}, nil
	}

	newID := &core.ExternalID{
		SubjectType: core.SubjectGraded,
		SubjectID:   subject.GradedID,
		Source:      core.SourceGradedDirect,
		ExternalID:  cand.ID,
		Confidence:  confidence,
	}
	out, err := g.tryDetail(ctx, cand.ID, keys)
	if err != nil && !core.IsNotFound(err) {
		return nil, err
	}
	if err == nil && out.market != nil {
		out.newID = newID
		out.confidence = confidence
		return out, nil
	}
	if out != nil {
		keysSeen = append(keysSeen, out.keysSeen...)
	}
	return &gradedOutcome{notAvailable: true, keysSeen: keysSeen, newID: newID}, nil
}

// tryDetail fetches one detail record and extracts a value: direct graded
// price first, sales-derived second. A nil market with nil error means
// neither path yielded a value.
func (g *GradedResolver) tryDetail(ctx context.Context, nativeID string, gradeKeys []string) (*gradedOutcome, error) {
	detail, err := g.client.Detail(ctx, nativeID)
	if err != nil {
		return nil, err
	}

	out := &gradedOutcome{keysSeen: detail.GradeKeysSeen()}

	direct, err := detail.GradedPrice(gradeKeys)
	if err != nil {
		return nil, err
	}
	if direct != nil {
		out.market = direct
		out.kind = core.SourceGradedDirect
		return out, nil
	}

	stats, list, ok := detail.SalesByGrade(gradeKeys)
	if ok {
		var avg *float64
		if stats != nil {
			avg = stats.Pick()
		} else {
			avg = sales.Average(list, g.mode, g.windowDays, g.now())
		}
		if avg != nil {
			out.market = avg
			out.kind = core.SourceGradedSales
			return out, nil
		}
	}
	return out, nil
}

// discover issues the query variants in order, stopping at the first with
// results, and ranks the candidates.
func (g *GradedResolver) discover(ctx context.Context, subject *core.GradedSubject) (*tracker.Candidate, string, error) {
	card := subject.Card
	queries := []tracker.SearchQuery{
		{SetName: card.SetName, CardNumber: providers.CardNumber(card.Number), Search: card.Name},
		{SetName: card.SetName, CardNumber: card.Number, Search: card.Name},
		{SetID: strconv.FormatInt(card.SetID, 10), CardNumber: providers.CardNumber(card.Number)},
	}
	for _, q := range queries {
		candidates, err := g.client.Search(ctx, q)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, "", err
		}
		if len(candidates) == 0 {
			continue
		}
		if cand, confidence, ok := rankCandidates(candidates, card); ok {
			return &cand, confidence, nil
		}
		slog.Debug("discovery found no acceptable candidate",
			"graded_id", subject.GradedID,
			"candidates", len(candidates),
		)
		return nil, "", nil
	}
	return nil, "", nil
}

// rankCandidates applies the match ranking: exact number and name, exact
// number, name substring, sole candidate.
func rankCandidates(candidates []tracker.Candidate, card core.CardSubject) (tracker.Candidate, string, bool) {
	wantNumber := providers.NormalizeToken(providers.CardNumber(card.Number))
	wantName := strings.TrimSpace(card.Name)

	numberMatches := func(c tracker.Candidate) bool {
		return wantNumber != "" && providers.NormalizeToken(providers.CardNumber(c.Number)) == wantNumber
	}

	for _, c := range candidates {
		if numberMatches(c) && strings.EqualFold(strings.TrimSpace(c.Name), wantName) {
			return c, "exact", true
		}
	}
	for _, c := range candidates {
		if numberMatches(c) {
			return c, "number", true
		}
	}
	if wantName != "" {
		for _, c := range candidates {
			if strings.Contains(strings.ToLower(c.Name), strings.ToLower(wantName)) {
				return c, "name_substring", true
			}
		}
	}
	if len(candidates) == 1 {
		return candidates[0], "sole_result", true
	}
	return tracker.Candidate{}, "", false
}

// persist applies one outcome: id-cache write, then LatestPrice upsert and
// history append under the winning source.
func (g *GradedResolver) persist(ctx context.Context, subject *core.GradedSubject, out *gradedOutcome) (*core.ResolvedPrice, error) {
	if out.newID != nil {
		if err := g.store.PutExternalID(ctx, *out.newID); err != nil {
			return nil, err
		}
	}
	if out.notAvailable {
		if g.metrics != nil {
			g.metrics.Resolutions.WithLabelValues(core.SourceGradedDirect, "skipped").Inc()
		}
		return nil, &NotAvailableError{GradeKeysSeen: out.keysSeen}
	}

	src, err := g.sources.get(ctx, out.kind)
	if err != nil {
		return nil, err
	}
	lp := core.LatestPrice{
		SubjectType: core.SubjectGraded,
		SubjectID:   subject.GradedID,
		SourceID:    src.ID,
		Currency:    "USD",
		Market:      out.market,
		UpdatedAt:   g.now().UTC(),
	}
	if err := g.store.UpsertLatestPrice(ctx, lp); err != nil {
		return nil, err
	}
	if err := g.store.AppendHistory(ctx, lp); err != nil {
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.Resolutions.WithLabelValues(src.Kind, "resolved").Inc()
	}

	return &core.ResolvedPrice{
		SubjectID:  subject.GradedID,
		Market:     out.market,
		SourceName: src.Name,
		SourceKind: src.Kind,
		Currency:   "USD",
		Cached:     false,
		Confidence: out.confidence,
	}, nil
}
