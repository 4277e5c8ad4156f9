// Package tracker implements the graded-card price provider client. The
// provider exposes a card search endpoint and per-card detail records that
// carry a direct graded-price block and an eBay sales-by-grade block, with
// several alternate key spellings between payload generations.
package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"cardvault/internal/core"
	"cardvault/internal/fetch"
	"cardvault/internal/providers"
	"cardvault/internal/sales"
)

// Client talks to a PriceTracker-shaped API.
type Client struct {
	baseURL string
	apiKey  string
	fetcher *fetch.Fetcher
}

// New creates a tracker client. The API key is sent as a bearer token plus a
// duplicate X-Api-Key header, matching the provider's convention.
func New(baseURL, apiKey string, fetcher *fetch.Fetcher) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		fetcher: fetcher,
	}
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
		h.Set("X-Api-Key", c.apiKey)
	}
	return h
}

// SearchQuery is one identifier discovery query variant.
type SearchQuery struct {
	SetName    string
	SetID      string
	CardNumber string
	Search     string
}

// Candidate is one search result considered for identifier matching.
type Candidate struct {
	ID     string
	Name   string
	Number string
}

// Search runs one discovery query and returns its candidates.
func (c *Client) Search(ctx context.Context, q SearchQuery) ([]Candidate, error) {
	params := url.Values{}
	if q.SetName != "" {
		params.Set("setName", q.SetName)
	}
	if q.SetID != "" {
		params.Set("setId", q.SetID)
	}
	if q.CardNumber != "" {
		params.Set("cardNumber", q.CardNumber)
	}
	if q.Search != "" {
		params.Set("search", q.Search)
	}
	params.Set("limit", "25")
	params.Set("includeEbay", "true")
	params.Set("language", "english")

	body, err := c.fetcher.JSON(ctx, core.SourceGradedDirect,
		fmt.Sprintf("%s/api/v2/cards?%s", c.baseURL, params.Encode()), c.header())
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	gjson.GetBytes(body, "data").ForEach(func(_, entry gjson.Result) bool {
		cand := Candidate{
			ID:     firstString(entry, "id", "_id", "cardId"),
			Name:   entry.Get("name").String(),
			Number: firstString(entry, "number", "cardNumber"),
		}
		if cand.ID != "" {
			candidates = append(candidates, cand)
		}
		return true
	})
	return candidates, nil
}

// Detail fetches one card's detail record by its provider-native id.
func (c *Client) Detail(ctx context.Context, nativeID string) (*Detail, error) {
	body, err := c.fetcher.JSON(ctx, core.SourceGradedDirect,
		fmt.Sprintf("%s/api/v2/cards/%s?includeEbay=true", c.baseURL, url.PathEscape(nativeID)), c.header())
	if err != nil {
		return nil, err
	}

	entry := gjson.GetBytes(body, "data")
	if entry.IsArray() {
		arr := entry.Array()
		if len(arr) == 0 {
			return nil, core.NewNotFoundError(core.SourceGradedDirect, "detail record is empty")
		}
		entry = arr[0]
	}
	if !entry.Exists() {
		entry = gjson.ParseBytes(body)
	}
	return &Detail{entry: entry}, nil
}

// Detail is one card's detail payload with typed accessors over its
// alternately keyed blocks.
type Detail struct {
	entry gjson.Result
}

// gradedBlockKeys are the spellings under which the direct graded-price
// block has been observed.
var gradedBlockKeys = []string{"gradedPrices", "graded", "gradedPriceHistory"}

// salesBlockKeys are the spellings under which the sales-by-grade block has
// been observed.
var salesBlockKeys = []string{"ebay.salesByGrade", "salesByGrade", "ebaySales"}

// GradedPrice returns the direct graded price for the first grade key
// present in the graded-price block. A present but unparseable value is a
// malformed-value error.
func (d *Detail) GradedPrice(gradeKeys []string) (*float64, error) {
	for _, blockKey := range gradedBlockKeys {
		block := d.entry.Get(blockKey)
		if !block.IsObject() {
			continue
		}
		for _, key := range gradeKeys {
			v := block.Get(escapeKey(key))
			if !v.Exists() || v.Type == gjson.Null {
				continue
			}
			if v.IsObject() {
				v = firstResult(v, "price", "market", "value")
			}
			price, err := providers.NumField(core.SourceGradedDirect, "graded price "+key, v)
			if err != nil {
				return nil, err
			}
			if price != nil {
				return price, nil
			}
		}
	}
	return nil, nil
}

// SalesByGrade returns the sales data for the first grade key present in a
// sales-by-grade block: either pre-aggregated stats or a raw sale list.
func (d *Detail) SalesByGrade(gradeKeys []string) (*sales.Stats, []sales.Sale, bool) {
	for _, blockKey := range salesBlockKeys {
		block := d.entry.Get(blockKey)
		if !block.IsObject() {
			continue
		}
		for _, key := range gradeKeys {
			v := block.Get(escapeKey(key))
			switch {
			case v.IsArray():
				return nil, decodeSales(v), true
			case v.IsObject():
				return decodeStats(v), nil, true
			}
		}
	}
	return nil, nil, false
}

// GradeKeysSeen lists the grade keys present in any sales-by-grade or
// graded-price block, for "not available" diagnostics.
func (d *Detail) GradeKeysSeen() []string {
	seen := make(map[string]struct{})
	var keys []string
	collect := func(block gjson.Result) {
		if !block.IsObject() {
			return
		}
		block.ForEach(func(k, _ gjson.Result) bool {
			if _, ok := seen[k.String()]; !ok {
				seen[k.String()] = struct{}{}
				keys = append(keys, k.String())
			}
			return true
		})
	}
	for _, blockKey := range salesBlockKeys {
		collect(d.entry.Get(blockKey))
	}
	for _, blockKey := range gradedBlockKeys {
		collect(d.entry.Get(blockKey))
	}
	return keys
}

func decodeSales(list gjson.Result) []sales.Sale {
	var out []sales.Sale
	list.ForEach(func(_, entry gjson.Result) bool {
		price, ok := sales.ParsePrice(firstResult(entry, "price", "salePrice", "amount").Value())
		if !ok {
			return true
		}
		ts, ok := sales.ParseTimestamp(firstResult(entry, "date", "soldDate", "timestamp", "ts").Value())
		if !ok {
			return true
		}
		out = append(out, sales.Sale{Price: price, Time: ts})
		return true
	})
	return out
}

func decodeStats(obj gjson.Result) *sales.Stats {
	stats := &sales.Stats{}
	if v, ok := sales.ParsePrice(firstResult(obj, "smartMarketPrice", "smartPrice").Value()); ok {
		stats.SmartPrice = core.Float64(v)
	}
	if v, ok := sales.ParsePrice(firstResult(obj, "averagePrice", "average", "avg").Value()); ok {
		stats.Average = core.Float64(v)
	}
	if v, ok := sales.ParsePrice(firstResult(obj, "medianPrice", "median").Value()); ok {
		stats.Median = core.Float64(v)
	}
	return stats
}

// escapeKey escapes gjson path characters so a literal grade key like
// "psa9.5" is not read as a nested path.
func escapeKey(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(key)
}

func firstString(entry gjson.Result, keys ...string) string {
	return firstResult(entry, keys...).String()
}

func firstResult(entry gjson.Result, keys ...string) gjson.Result {
	for _, key := range keys {
		if v := entry.Get(key); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}
