// Package tcgdex implements the primary raw-card price provider. Cards are
// addressed by a composite set-code/number key and priced from a variant-keyed
// tcgplayer pricing block.
package tcgdex

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"cardvault/internal/core"
	"cardvault/internal/fetch"
	"cardvault/internal/providers"
	"cardvault/internal/sales"
)

func init() {
	providers.Register(core.SourceTCGdex, func(deps providers.Deps) (core.RawPriceProvider, error) {
		return New(deps.Config.TCGdex.BaseURL, deps.Fetcher), nil
	})
}

// variantPreference is the fixed order in which priced variants are accepted.
var variantPreference = []string{
	"normal",
	"holofoil",
	"reverse-holofoil",
	"reverse",
	"holo",
	"1st-edition",
	"1st-edition-holofoil",
	"unlimited",
	"unlimited-holofoil",
}

var priceFields = []string{"marketPrice", "lowPrice", "midPrice", "highPrice"}

// Provider fetches prices from a TCGdex-shaped API.
type Provider struct {
	baseURL string
	fetcher *fetch.Fetcher
}

// New creates a tcgdex provider against the given base URL.
func New(baseURL string, fetcher *fetch.Fetcher) *Provider {
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: fetcher,
	}
}

// Name returns the provider's source kind.
func (p *Provider) Name() string {
	return core.SourceTCGdex
}

// CardPrice fetches the card by its set-code/number composite key and selects
// the first variant, in fixed preference order, with any price field present.
func (p *Provider) CardPrice(ctx context.Context, subject core.CardSubject) (*core.PriceTuple, error) {
	url := fmt.Sprintf("%s/cards/%s-%s", p.baseURL, subject.SetCode, strings.TrimSpace(subject.Number))
	body, err := p.fetcher.JSON(ctx, core.SourceTCGdex, url, nil)
	if err != nil {
		return nil, err
	}

	tcgplayer := gjson.GetBytes(body, "pricing.tcgplayer")
	if !tcgplayer.IsObject() {
		return nil, core.NewNotFoundError(core.SourceTCGdex, "card has no tcgplayer pricing")
	}

	variant, ok := pickVariant(tcgplayer)
	if !ok {
		return nil, core.NewNotFoundError(core.SourceTCGdex, "no variant carries a price")
	}

	tuple := &core.PriceTuple{Currency: "USD"}
	if unit := tcgplayer.Get("unit"); unit.Type == gjson.String && unit.String() != "" {
		tuple.Currency = unit.String()
	}
	if ts, ok := sales.ParseTimestamp(tcgplayer.Get("updated").Value()); ok {
		tuple.UpdatedAt = ts
	}

	if tuple.Market, err = providers.NumField(core.SourceTCGdex, "marketPrice", variant.Get("marketPrice")); err != nil {
		return nil, err
	}
	if tuple.Low, err = providers.NumField(core.SourceTCGdex, "lowPrice", variant.Get("lowPrice")); err != nil {
		return nil, err
	}
	if tuple.Mid, err = providers.NumField(core.SourceTCGdex, "midPrice", variant.Get("midPrice")); err != nil {
		return nil, err
	}
	if tuple.High, err = providers.NumField(core.SourceTCGdex, "highPrice", variant.Get("highPrice")); err != nil {
		return nil, err
	}
	return tuple, nil
}

// pickVariant returns the first preferred variant with at least one
// non-null price field.
func pickVariant(pricing gjson.Result) (gjson.Result, bool) {
	for _, key := range variantPreference {
		variant := pricing.Get(key)
		if !variant.IsObject() {
			continue
		}
		for _, field := range priceFields {
			if v := variant.Get(field); v.Exists() && v.Type != gjson.Null {
				return variant, true
			}
		}
	}
	return gjson.Result{}, false
}
