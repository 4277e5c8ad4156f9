package providers

import (
	"testing"

	"github.com/tidwall/gjson"

	"cardvault/internal/core"
)

func TestNormalizeToken(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Scarlet & Violet", "scarletviolet"},
		{"  Paldea Evolved ", "paldeaevolved"},
		{"1st Edition", "1stedition"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeToken(tt.in); got != tt.want {
			t.Errorf("NormalizeToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCardNumber(t *testing.T) {
	tests := []struct{ in, want string }{
		{"1/100", "1"},
		{"TG05/TG30", "TG05"},
		{"25", "25"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CardNumber(tt.in); got != tt.want {
			t.Errorf("CardNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNumField(t *testing.T) {
	payload := gjson.Parse(`{"a": 1.5, "b": "2.5", "c": null, "d": "garbage", "e": true}`)

	got, err := NumField("p", "a", payload.Get("a"))
	if err != nil || got == nil || *got != 1.5 {
		t.Errorf("number field = (%v, %v), want 1.5", got, err)
	}
	got, err = NumField("p", "b", payload.Get("b"))
	if err != nil || got == nil || *got != 2.5 {
		t.Errorf("numeric string = (%v, %v), want 2.5", got, err)
	}
	got, err = NumField("p", "c", payload.Get("c"))
	if err != nil || got != nil {
		t.Errorf("null = (%v, %v), want nil", got, err)
	}
	got, err = NumField("p", "missing", payload.Get("missing"))
	if err != nil || got != nil {
		t.Errorf("absent = (%v, %v), want nil", got, err)
	}
	for _, key := range []string{"d", "e"} {
		if _, err := NumField("p", key, payload.Get(key)); !isMalformed(err) {
			t.Errorf("NumField(%s) err = %v, want malformed_value", key, err)
		}
	}
}

func isMalformed(err error) bool {
	re, ok := err.(*core.ResolveError)
	return ok && re.Kind == core.KindMalformedValue
}
