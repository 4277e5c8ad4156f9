// Package server provides the HTTP surface of the price engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"cardvault/config"
	"cardvault/internal/catalog"
	"cardvault/internal/core"
	"cardvault/internal/pricestore"
	"cardvault/internal/resolver"
)

// rawSourceKinds is the read preference for stored card prices, matching the
// provider waterfall order.
var rawSourceKinds = []string{core.SourceTCGdex, core.SourceTCGCSV}

// Handler holds the HTTP handlers.
type Handler struct {
	catalog  catalog.Catalog
	store    pricestore.Store
	raw      *resolver.RawResolver
	graded   *resolver.GradedResolver
	batch    *resolver.Batch
	defaults config.BatchConfig
}

// NewHandler creates a handler over the engine's components.
func NewHandler(cat catalog.Catalog, store pricestore.Store, raw *resolver.RawResolver, graded *resolver.GradedResolver, batch *resolver.Batch, defaults config.BatchConfig) *Handler {
	return &Handler{
		catalog:  cat,
		store:    store,
		raw:      raw,
		graded:   graded,
		batch:    batch,
		defaults: defaults,
	}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// cardPriceResponse is the payload for GET /v1/cards/:id/price.
type cardPriceResponse struct {
	SubjectID  int64     `json:"subject_id"`
	Currency   string    `json:"currency"`
	Market     *float64  `json:"market"`
	Low        *float64  `json:"low,omitempty"`
	Mid        *float64  `json:"mid,omitempty"`
	High       *float64  `json:"high,omitempty"`
	SourceName string    `json:"source_name"`
	SourceKind string    `json:"source_kind"`
	Cached     bool      `json:"cached"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CardPrice handles GET /v1/cards/:id/price. It serves the stored price for
// the card, preferring the primary source, and runs the provider waterfall
// when no row exists yet or ?refresh=true is given.
func (h *Handler) CardPrice(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "card id must be an integer"))
	}
	ctx := c.Request().Context()

	subject, err := h.catalog.CardSubject(ctx, id)
	if err != nil {
		return handleError(c, err)
	}
	if subject == nil {
		return c.JSON(http.StatusNotFound, errorBody("not_found", fmt.Sprintf("card %d not found", id)))
	}

	refresh := c.QueryParam("refresh") == "true"
	if !refresh {
		resp, err := h.storedCardPrice(ctx, id)
		if err != nil {
			return handleError(c, err)
		}
		if resp != nil {
			return c.JSON(http.StatusOK, resp)
		}
	}

	if _, err := h.raw.Resolve(ctx, *subject); err != nil {
		return handleError(c, err)
	}
	resp, err := h.storedCardPrice(ctx, id)
	if err != nil {
		return handleError(c, err)
	}
	if resp == nil {
		return c.JSON(http.StatusNotFound, errorBody("not_found", fmt.Sprintf("no price available for card %d", id)))
	}
	resp.Cached = false
	return c.JSON(http.StatusOK, resp)
}

// storedCardPrice reads the stored price for a card, first source kind with a
// row wins. Returns nil when no source has one.
func (h *Handler) storedCardPrice(ctx context.Context, cardID int64) (*cardPriceResponse, error) {
	for _, kind := range rawSourceKinds {
		src, err := h.store.EnsureSource(ctx, kind, resolver.SourceName(kind), nil)
		if err != nil {
			return nil, err
		}
		lp, err := h.store.LatestPrice(ctx, core.SubjectCard, cardID, src.ID)
		if err != nil {
			return nil, err
		}
		if lp == nil {
			continue
		}
		return &cardPriceResponse{
			SubjectID:  cardID,
			Currency:   lp.Currency,
			Market:     lp.Market,
			Low:        lp.Low,
			Mid:        lp.Mid,
			High:       lp.High,
			SourceName: src.Name,
			SourceKind: src.Kind,
			Cached:     true,
			UpdatedAt:  lp.UpdatedAt,
		}, nil
	}
	return nil, nil
}

// GradedValue handles GET /v1/graded/:id/value
func (h *Handler) GradedValue(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "graded item id must be an integer"))
	}

	rp, err := h.graded.Resolve(c.Request().Context(), id)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, rp)
}

// runRequest is the body of POST /v1/admin/pricing/run.
type runRequest struct {
	// Target is "raw" or "graded".
	Target  string `json:"target"`
	Mode    string `json:"mode"`
	SetCode string `json:"set_code"`
	SetID   int64  `json:"set_id"`
	Limit   int    `json:"limit"`
}

// RunPricing handles POST /v1/admin/pricing/run. The run executes
// synchronously and the response carries its stats.
func (h *Handler) RunPricing(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "invalid request body: "+err.Error()))
	}

	ctx := c.Request().Context()
	switch req.Target {
	case "", "raw":
		sel := catalog.Selection{
			Mode:    req.Mode,
			SetCode: req.SetCode,
			SetID:   req.SetID,
			Limit:   req.Limit,
		}
		if sel.Mode == "" {
			sel.Mode = h.defaults.Mode
		}
		if err := sel.Validate(); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error()))
		}
		stats, err := h.batch.RunRaw(ctx, sel)
		if err != nil {
			return handleError(c, err)
		}
		return c.JSON(http.StatusOK, stats)
	case "graded":
		stats, err := h.batch.RunGraded(ctx, req.Limit)
		if err != nil {
			return handleError(c, err)
		}
		return c.JSON(http.StatusOK, stats)
	default:
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", fmt.Sprintf("unknown target %q", req.Target)))
	}
}

// ListJobs handles GET /v1/admin/jobs
func (h *Handler) ListJobs(c echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "limit must be a positive integer"))
		}
		limit = n
	}

	runs, err := h.store.RecentJobRuns(c.Request().Context(), limit)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": runs})
}

func parseID(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

func errorBody(errType, message string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	}
}

// handleError converts engine errors to HTTP responses.
func handleError(c echo.Context, err error) error {
	var na *resolver.NotAvailableError
	if errors.As(err, &na) {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": map[string]interface{}{
				"type":            "not_available",
				"message":         na.Error(),
				"grade_keys_seen": na.GradeKeysSeen,
			},
		})
	}

	var re *core.ResolveError
	if errors.As(err, &re) {
		return c.JSON(re.HTTPStatusCode(), errorBody(string(re.Kind), re.Message))
	}

	return c.JSON(http.StatusInternalServerError, errorBody("internal_error", "an unexpected error occurred"))
}
