package providers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"cardvault/internal/core"
)

// NormalizeToken lowercases a value and strips everything but letters and
// digits, so "Scarlet & Violet" and "scarlet and violet" comparisons reduce
// to stable tokens.
func NormalizeToken(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CardNumber strips a "/total" suffix from a printed card number.
// "1/100" becomes "1"; "TG05/TG30" becomes "TG05".
func CardNumber(value string) string {
	if value == "" {
		return ""
	}
	head, _, _ := strings.Cut(value, "/")
	return strings.TrimSpace(head)
}

// NumField extracts an optional numeric price field from a provider payload.
// Absent and null values return nil; a present value that cannot be parsed as
// a number is a malformed-value error, never silently discarded.
func NumField(provider, name string, v gjson.Result) (*float64, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	switch v.Type {
	case gjson.Number:
		return core.Float64(v.Float()), nil
	case gjson.String:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64); err == nil {
			return core.Float64(f), nil
		}
	}
	return nil, core.NewMalformedValueError(provider, fmt.Sprintf("unparseable %s: %s", name, v.Raw), nil)
}
