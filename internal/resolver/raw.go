package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cardvault/internal/core"
	"cardvault/internal/pricestore"
)

// RawResolver runs the raw-card provider waterfall. Fetching and persisting
// are split so the batch engine can fetch concurrently and merge writes on a
// single goroutine.
type RawResolver struct {
	providers []core.RawPriceProvider
	store     pricestore.Store
	sources   *sources
	now       func() time.Time
}

// NewRawResolver creates a waterfall over the given providers, queried in
// order with short-circuit on first success.
func NewRawResolver(store pricestore.Store, providers ...core.RawPriceProvider) *RawResolver {
	return &RawResolver{
		providers: providers,
		store:     store,
		sources:   newSources(store),
		now:       time.Now,
	}
}

// rawOutcome is the result of one subject's fetch phase.
type rawOutcome struct {
	subject core.CardSubject
	// kind names the provider source that produced tuple.
	kind  string
	tuple *core.PriceTuple
	// err is the last item-level failure when no provider succeeded.
	err error
}

func (o rawOutcome) resolved() bool { return o.tuple != nil }

// fetch runs the waterfall for one subject without touching the store.
// Not-found and exhausted-transient answers fall through to the next
// provider; authentication and rate-limit errors abort immediately.
func (r *RawResolver) fetch(ctx context.Context, subject core.CardSubject) (rawOutcome, error) {
	out := rawOutcome{subject: subject}
	for _, p := range r.providers {
		tuple, err := p.CardPrice(ctx, subject)
		if err != nil {
			if core.IsAborting(err) {
				return out, err
			}
			if !core.IsNotFound(err) {
				out.err = err
			}
			slog.Debug("provider miss",
				"provider", p.Name(),
				"card_id", subject.CardID,
				"error", err,
			)
			continue
		}
		if !tuple.HasValue() {
			continue
		}
		out.kind = p.Name()
		out.tuple = tuple
		return out, nil
	}
	return out, nil
}

// Resolve prices one card on demand: waterfall fetch, persist, and return
// the resolved price. A full miss surfaces as a not-found error.
func (r *RawResolver) Resolve(ctx context.Context, subject core.CardSubject) (*core.ResolvedPrice, error) {
	out, err := r.fetch(ctx, subject)
	if err != nil {
		return nil, err
	}
	if !out.resolved() {
		if out.err != nil {
			return nil, out.err
		}
		return nil, core.NewNotFoundError("waterfall", fmt.Sprintf("no provider has a price for card %d", subject.CardID))
	}
	if err := r.merge(ctx, out); err != nil {
		return nil, err
	}
	src, err := r.sources.get(ctx, out.kind)
	if err != nil {
		return nil, err
	}
	return &core.ResolvedPrice{
		SubjectID:  subject.CardID,
		Market:     out.tuple.Market,
		SourceName: src.Name,
		SourceKind: src.Kind,
		Currency:   out.tuple.Currency,
	}, nil
}

// merge persists one resolved outcome: LatestPrice upsert plus a history
// append under the winning provider's source.
func (r *RawResolver) merge(ctx context.Context, out rawOutcome) error {
	src, err := r.sources.get(ctx, out.kind)
	if err != nil {
		return err
	}

	updatedAt := out.tuple.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.now().UTC()
	}
	lp := core.LatestPrice{
		SubjectType: core.SubjectCard,
		SubjectID:   out.subject.CardID,
		SourceID:    src.ID,
		Currency:    out.tuple.Currency,
		Market:      out.tuple.Market,
		Low:         out.tuple.Low,
		Mid:         out.tuple.Mid,
		High:        out.tuple.High,
		UpdatedAt:   updatedAt,
	}
	if err := r.store.UpsertLatestPrice(ctx, lp); err != nil {
		return err
	}
	return r.store.AppendHistory(ctx, lp)
}
