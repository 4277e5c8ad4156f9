// Package core provides shared types and interfaces for the price engine.
package core

import (
	"context"
	"time"
)

// SubjectType discriminates the kind of catalog item a price belongs to.
type SubjectType string

const (
	// SubjectCard is a raw (ungraded) catalog card.
	SubjectCard SubjectType = "card"
	// SubjectGraded is a graded copy of a card.
	SubjectGraded SubjectType = "graded"
)

// Source kind discriminators. Created once per kind and reused.
const (
	SourceTCGdex       = "tcgdex_tcgplayer"
	SourceTCGCSV       = "tcgcsv_tcgplayer"
	SourceGradedDirect = "pricetracker_graded"
	SourceGradedSales  = "pricetracker_ebay"
)

// Source identifies an external price provider record.
type Source struct {
	ID     int64
	Name   string
	Kind   string
	Config map[string]string
}

// CardSubject carries the catalog identity of a raw card used for matching
// against provider naming and numbering conventions.
type CardSubject struct {
	CardID  int64
	Number  string
	Name    string
	SetID   int64
	SetCode string
	SetName string
}

// GradedSubject is a graded copy of a card.
type GradedSubject struct {
	GradedID int64
	Card     CardSubject
	Grader   string
	Grade    string
}

// PriceTuple is the canonical normalized price extracted from a provider
// payload. Any of the value fields may be absent.
type PriceTuple struct {
	Currency  string
	Market    *float64
	Low       *float64
	Mid       *float64
	High      *float64
	UpdatedAt time.Time
}

// HasValue reports whether at least one price field is present.
func (p *PriceTuple) HasValue() bool {
	return p != nil && (p.Market != nil || p.Low != nil || p.Mid != nil || p.High != nil)
}

// LatestPrice is the reconciled current price for one
// (subjectType, subjectID, sourceID) triple.
type LatestPrice struct {
	SubjectType SubjectType
	SubjectID   int64
	SourceID    int64
	Currency    string
	Market      *float64
	Low         *float64
	Mid         *float64
	High        *float64
	UpdatedAt   time.Time
}

// Tuple returns the price values of a LatestPrice as a PriceTuple.
func (lp *LatestPrice) Tuple() PriceTuple {
	return PriceTuple{
		Currency:  lp.Currency,
		Market:    lp.Market,
		Low:       lp.Low,
		Mid:       lp.Mid,
		High:      lp.High,
		UpdatedAt: lp.UpdatedAt,
	}
}

// ExternalID maps a catalog subject to a provider-native identifier.
type ExternalID struct {
	SubjectType SubjectType
	SubjectID   int64
	Source      string
	ExternalID  string
	// Confidence records the match rule that produced the mapping:
	// "exact", "number", "name_substring", or "sole_result".
	Confidence string
}

// ResolvedPrice is the per-item output contract of the engine.
type ResolvedPrice struct {
	SubjectID  int64    `json:"subject_id"`
	Market     *float64 `json:"market"`
	SourceName string   `json:"source_name"`
	SourceKind string   `json:"source_kind"`
	Currency   string   `json:"currency"`
	Cached     bool     `json:"cached"`
	// Confidence mirrors the identifier mapping confidence, when one was used.
	Confidence string `json:"confidence,omitempty"`
}

// RawPriceProvider yields a normalized price for a raw card, or a not-found
// error when the provider has no usable data for the identity.
type RawPriceProvider interface {
	// Name returns the provider's source kind discriminator.
	Name() string
	CardPrice(ctx context.Context, subject CardSubject) (*PriceTuple, error)
}

// Float64 returns a pointer to v. Convenience for optional price fields.
func Float64(v float64) *float64 { return &v }
