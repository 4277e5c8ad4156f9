// Package tcgcsv implements the secondary raw-card price provider. The
// provider publishes flat group, product and price listings per category;
// matching a card means resolving its set to a group, then its number to a
// product within that group's listing.
//
// Listings are bulky and shared by every card of a set, so they are fetched
// once, memoized for the life of the provider and persisted through the
// listing cache across runs.
package tcgcsv

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"cardvault/internal/cache"
	"cardvault/internal/core"
	"cardvault/internal/fetch"
	"cardvault/internal/providers"
)

func init() {
	providers.Register(core.SourceTCGCSV, func(deps providers.Deps) (core.RawPriceProvider, error) {
		return New(deps.Config.TCGCSV.BaseURL, deps.Config.TCGCSV.CategoryID, deps.Fetcher, deps.Cache), nil
	})
}

// subTypePreference mirrors the variant preference of the primary provider
// with separators stripped, matching the provider's subTypeName convention.
var subTypePreference = []string{
	"normal",
	"holofoil",
	"reverseholofoil",
	"reverse",
	"holo",
	"1stedition",
	"1steditionholofoil",
	"unlimited",
	"unlimitedholofoil",
}

var numberInName = regexp.MustCompile(`#\s*([A-Za-z]*\d+[A-Za-z0-9]*)\s*$`)

// Provider fetches prices from a TCGCSV-shaped listing API.
type Provider struct {
	baseURL    string
	categoryID int
	fetcher    *fetch.Fetcher
	cache      cache.Cache

	mu      sync.Mutex
	groups  []group
	byGroup map[int64]*groupListing
}

type group struct {
	ID   int64
	Name string
}

// groupListing indexes one group's product and price dumps.
type groupListing struct {
	// numberIndex maps a normalized card number to product ids carrying it.
	numberIndex map[string][]int64
	// names maps product id to normalized product name.
	names map[int64]string
	// prices maps product id to its price entries.
	prices map[int64][]gjson.Result
}

// New creates a tcgcsv provider. The listing cache is optional.
func New(baseURL string, categoryID int, fetcher *fetch.Fetcher, listings cache.Cache) *Provider {
	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		categoryID: categoryID,
		fetcher:    fetcher,
		cache:      listings,
		byGroup:    make(map[int64]*groupListing),
	}
}

// Name returns the provider's source kind.
func (p *Provider) Name() string {
	return core.SourceTCGCSV
}

// CardPrice resolves the subject's set to a group, its number to a product,
// and picks the preferred price entry of that product.
func (p *Provider) CardPrice(ctx context.Context, subject core.CardSubject) (*core.PriceTuple, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	groups, err := p.loadGroups(ctx)
	if err != nil {
		return nil, err
	}

	groupID, ok := matchGroup(groups, subject.SetName)
	if !ok {
		return nil, core.NewNotFoundError(core.SourceTCGCSV, fmt.Sprintf("no group matches set %q", subject.SetName))
	}

	listing, err := p.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	productID, ok := listing.matchProduct(subject)
	if !ok {
		return nil, core.NewNotFoundError(core.SourceTCGCSV, fmt.Sprintf("no product matches number %q in group %d", subject.Number, groupID))
	}

	entry, ok := pickPriceEntry(listing.prices[productID])
	if !ok {
		return nil, core.NewNotFoundError(core.SourceTCGCSV, fmt.Sprintf("product %d has no price entries", productID))
	}

	tuple := &core.PriceTuple{Currency: "USD"}
	if tuple.Market, err = providers.NumField(core.SourceTCGCSV, "marketPrice", entry.Get("marketPrice")); err != nil {
		return nil, err
	}
	if tuple.Low, err = providers.NumField(core.SourceTCGCSV, "lowPrice", entry.Get("lowPrice")); err != nil {
		return nil, err
	}
	if tuple.Mid, err = providers.NumField(core.SourceTCGCSV, "midPrice", entry.Get("midPrice")); err != nil {
		return nil, err
	}
	if tuple.High, err = providers.NumField(core.SourceTCGCSV, "highPrice", entry.Get("highPrice")); err != nil {
		return nil, err
	}
	return tuple, nil
}

// loadGroups fetches the category's group list once, consulting the listing
// cache first. Callers hold p.mu.
func (p *Provider) loadGroups(ctx context.Context) ([]group, error) {
	if p.groups != nil {
		return p.groups, nil
	}

	body, err := p.listing(ctx, fmt.Sprintf("tcgcsv_groups_%d", p.categoryID),
		fmt.Sprintf("%s/tcgplayer/%d/groups", p.baseURL, p.categoryID))
	if err != nil {
		return nil, err
	}

	var groups []group
	gjson.GetBytes(body, "results").ForEach(func(_, g gjson.Result) bool {
		groups = append(groups, group{
			ID:   g.Get("groupId").Int(),
			Name: g.Get("name").String(),
		})
		return true
	})
	if groups == nil {
		return nil, core.NewNotFoundError(core.SourceTCGCSV, "group listing is empty")
	}
	p.groups = groups
	return groups, nil
}

// loadGroup fetches and indexes one group's product and price dumps once.
// Callers hold p.mu.
func (p *Provider) loadGroup(ctx context.Context, groupID int64) (*groupListing, error) {
	if listing, ok := p.byGroup[groupID]; ok {
		return listing, nil
	}

	products, err := p.listing(ctx, fmt.Sprintf("tcgcsv_products_%d_%d", p.categoryID, groupID),
		fmt.Sprintf("%s/tcgplayer/%d/%d/products", p.baseURL, p.categoryID, groupID))
	if err != nil {
		return nil, err
	}
	prices, err := p.listing(ctx, fmt.Sprintf("tcgcsv_prices_%d_%d", p.categoryID, groupID),
		fmt.Sprintf("%s/tcgplayer/%d/%d/prices", p.baseURL, p.categoryID, groupID))
	if err != nil {
		return nil, err
	}

	listing := &groupListing{
		numberIndex: make(map[string][]int64),
		names:       make(map[int64]string),
		prices:      make(map[int64][]gjson.Result),
	}
	gjson.GetBytes(products, "results").ForEach(func(_, prod gjson.Result) bool {
		id := prod.Get("productId").Int()
		if id == 0 {
			return true
		}
		listing.names[id] = providers.NormalizeToken(productDisplayName(prod.Get("name").String()))
		if number := productNumber(prod); number != "" {
			key := providers.NormalizeToken(number)
			listing.numberIndex[key] = append(listing.numberIndex[key], id)
		}
		return true
	})
	gjson.GetBytes(prices, "results").ForEach(func(_, price gjson.Result) bool {
		id := price.Get("productId").Int()
		if id == 0 {
			return true
		}
		listing.prices[id] = append(listing.prices[id], price)
		return true
	})

	p.byGroup[groupID] = listing
	return listing, nil
}

// listing returns a raw listing body, going through the cache when present.
func (p *Provider) listing(ctx context.Context, key, url string) ([]byte, error) {
	if p.cache != nil {
		if body, err := p.cache.Get(ctx, key); err == nil && body != nil {
			return body, nil
		}
	}
	body, err := p.fetcher.JSON(ctx, core.SourceTCGCSV, url, nil)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		_ = p.cache.Set(ctx, key, body)
	}
	return body, nil
}

// matchGroup finds the group whose name exactly matches the set name after
// normalization.
func matchGroup(groups []group, setName string) (int64, bool) {
	want := providers.NormalizeToken(setName)
	if want == "" {
		return 0, false
	}
	for _, g := range groups {
		if providers.NormalizeToken(g.Name) == want {
			return g.ID, true
		}
	}
	return 0, false
}

// matchProduct finds the product whose number matches the subject's number
// ("/total" suffix stripped). Among several carriers of the same number the
// one whose name matches the card name wins, else the first.
func (l *groupListing) matchProduct(subject core.CardSubject) (int64, bool) {
	key := providers.NormalizeToken(providers.CardNumber(subject.Number))
	if key == "" {
		return 0, false
	}
	candidates := l.numberIndex[key]
	if len(candidates) == 0 {
		return 0, false
	}
	if want := providers.NormalizeToken(subject.Name); want != "" {
		for _, id := range candidates {
			if l.names[id] == want {
				return id, true
			}
		}
	}
	return candidates[0], true
}

// productDisplayName strips the number suffix a product name carries after
// a "#" or " - " separator, leaving the bare card name for comparison.
func productDisplayName(name string) string {
	if head, _, found := strings.Cut(name, "#"); found {
		return strings.TrimSpace(head)
	}
	if head, _, found := strings.Cut(name, " - "); found {
		return strings.TrimSpace(head)
	}
	return strings.TrimSpace(name)
}

// productNumber extracts a product's card number, consulting the
// extendedData "Number" entry first and the display name suffix second.
func productNumber(prod gjson.Result) string {
	number := ""
	prod.Get("extendedData").ForEach(func(_, item gjson.Result) bool {
		if item.Get("name").String() == "Number" || item.Get("displayName").String() == "Card Number" {
			number = providers.CardNumber(item.Get("value").String())
			return false
		}
		return true
	})
	if number != "" {
		return number
	}
	if m := numberInName.FindStringSubmatch(prod.Get("name").String()); m != nil {
		return m[1]
	}
	return ""
}

// pickPriceEntry selects the price entry whose subTypeName ranks highest in
// the variant preference, falling back to the first entry.
func pickPriceEntry(entries []gjson.Result) (gjson.Result, bool) {
	if len(entries) == 0 {
		return gjson.Result{}, false
	}
	byKey := make(map[string]gjson.Result, len(entries))
	for _, e := range entries {
		byKey[providers.NormalizeToken(e.Get("subTypeName").String())] = e
	}
	for _, key := range subTypePreference {
		if e, ok := byKey[key]; ok {
			return e, true
		}
	}
	return entries[0], true
}
