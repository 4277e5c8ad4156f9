// Package sales computes a market price from provider sales data, either a
// pre-aggregated statistics block or a raw list of individual sales.
package sales

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Mode selects which recent sales feed the average.
type Mode string

const (
	// ModeLastN keeps the 3 most recent sales.
	ModeLastN Mode = "last3"
	// ModeWindow keeps all sales within a day cutoff from now.
	ModeWindow Mode = "window"
)

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLastN, ModeWindow:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown sales mode %q (valid: last3, window)", s)
	}
}

// lastN is the sale count kept by ModeLastN.
const lastN = 3

// Sale is one resolved sale record.
type Sale struct {
	Price float64
	Time  time.Time
}

// Stats is a provider's pre-aggregated sales statistics. Fields are probed in
// preference order; the first present wins without further computation.
type Stats struct {
	SmartPrice *float64
	Average    *float64
	Median     *float64
}

// Pick returns the preferred pre-aggregated value, or nil if none is present.
func (s *Stats) Pick() *float64 {
	if s == nil {
		return nil
	}
	for _, v := range []*float64{s.SmartPrice, s.Average, s.Median} {
		if v != nil {
			return v
		}
	}
	return nil
}

// Average computes the arithmetic mean of the kept sales, or nil when no
// sale survives filtering. Sales are sorted by timestamp descending before
// the mode's cut is applied.
func Average(sales []Sale, mode Mode, windowDays int, now time.Time) *float64 {
	if len(sales) == 0 {
		return nil
	}

	sorted := make([]Sale, len(sales))
	copy(sorted, sales)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Time.After(sorted[j].Time)
	})

	var kept []Sale
	switch mode {
	case ModeWindow:
		cutoff := now.AddDate(0, 0, -windowDays)
		for _, s := range sorted {
			if !s.Time.Before(cutoff) {
				kept = append(kept, s)
			}
		}
	default:
		kept = sorted
		if len(kept) > lastN {
			kept = kept[:lastN]
		}
	}

	if len(kept) == 0 {
		return nil
	}

	var sum float64
	for _, s := range kept {
		sum += s.Price
	}
	avg := sum / float64(len(kept))
	return &avg
}

// ParsePrice parses a price that providers deliver as either a JSON number or
// a numeric string (possibly with a currency prefix like "$12.50").
func ParsePrice(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "$"))
		s = strings.ReplaceAll(s, ",", "")
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ParseTimestamp parses a sale timestamp delivered as an epoch number
// (seconds or milliseconds) or an ISO-8601 string.
func ParseTimestamp(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case float64:
		return epochToTime(v), true
	case int64:
		return epochToTime(float64(v)), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return epochToTime(f), true
	case string:
		return parseTimeString(strings.TrimSpace(v))
	default:
		return time.Time{}, false
	}
}

func epochToTime(v float64) time.Time {
	// Values beyond ~year 33000 in seconds are millisecond epochs.
	if v > 1_000_000_000_000 {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

func parseTimeString(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epochToTime(f), true
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
