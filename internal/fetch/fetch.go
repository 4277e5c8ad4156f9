// Package fetch implements the retried JSON fetch shared by all price
// providers. Each call is classified into the engine's error taxonomy:
// not-found, authentication and rate-limit responses are terminal, everything
// else retries with a linearly scaled backoff until the attempt budget is
// exhausted.
package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cardvault/internal/core"
	"cardvault/internal/httpclient"
	"cardvault/internal/metrics"
)

const maxBodySize = 20 * 1024 * 1024 // 20 MB

// Config controls retry behavior for a Fetcher.
type Config struct {
	// Retries is the total attempt budget per call (minimum 1).
	Retries int
	// Backoff is the unit delay; attempt n sleeps Backoff*n before retrying.
	Backoff time.Duration
	// Timeout bounds each individual attempt.
	Timeout time.Duration
}

// Fetcher performs retried JSON GETs against provider endpoints.
type Fetcher struct {
	client  *http.Client
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *metrics.Metrics
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// withSleep replaces the backoff sleep, used by tests.
func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

// New creates a Fetcher with the given retry configuration.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	f := &Fetcher{
		client: httpclient.NewDefaultHTTPClient(),
		cfg:    cfg,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// JSON fetches url with the given headers and returns the response body.
// A 404 returns a not-found error without retrying; 401/403 and 429 return
// authentication and rate-limit errors without retrying. Any other failure
// (transport error, non-2xx status) is retried up to the attempt budget,
// after which a transient error carrying the last observed cause is returned.
func (f *Fetcher) JSON(ctx context.Context, provider, url string, header http.Header) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= f.cfg.Retries; attempt++ {
		body, err := f.attempt(ctx, provider, url, header)
		if err == nil {
			return body, nil
		}

		var re *core.ResolveError
		if errors.As(err, &re) && re.Kind != core.KindTransient {
			// Terminal classification, do not retry.
			return nil, err
		}
		lastErr = err

		if attempt < f.cfg.Retries {
			delay := f.cfg.Backoff * time.Duration(attempt)
			slog.Debug("fetch retrying",
				"provider", provider,
				"url", url,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			if serr := f.sleep(ctx, delay); serr != nil {
				return nil, core.NewTransientError(provider, "fetch canceled during backoff", serr)
			}
		}
	}

	return nil, core.NewTransientError(provider, "attempts exhausted: "+lastErr.Error(), lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, provider, url string, header http.Header) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, core.NewTransientError(provider, "creating request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "CardVault/1.0")
	for key, values := range header {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}

	if f.metrics != nil {
		f.metrics.FetchAttempts.WithLabelValues(provider).Inc()
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if f.metrics != nil {
			f.metrics.FetchFailures.WithLabelValues(provider, "transport").Inc()
		}
		return nil, core.NewTransientError(provider, "request failed", err)
	}
	defer resp.Body.Close()

	if cerr := core.ClassifyStatus(provider, resp.StatusCode); cerr != nil {
		if f.metrics != nil {
			f.metrics.FetchFailures.WithLabelValues(provider, string(cerr.Kind)).Inc()
		}
		return nil, cerr
	}

	limited := io.LimitReader(resp.Body, maxBodySize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, core.NewTransientError(provider, "reading response body", err)
	}
	if len(body) > maxBodySize {
		return nil, core.NewTransientError(provider, "response body too large", nil)
	}

	return body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
