// internal/source/client.go
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cbfw/internal/config"
	"cbfw/internal/errkind"
	"cbfw/internal/logger"
)

const userAgent = "cbfw/1.0"

// Client downloads per-country zone files from the range source.
type Client struct {
	cfg    *config.SourceConfig
	client *http.Client
}

func NewClient(cfg *config.SourceConfig) *Client {
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				MaxConnsPerHost:     5,
				MaxIdleConnsPerHost: 5,
			},
		},
	}
}

// URL returns the zone file URL for a (country, family) pair.
func (c *Client) URL(country string, fam Family) string {
	base := c.cfg.IPv4BaseURL
	if fam == FamilyIPv6 {
		base = c.cfg.IPv6BaseURL
	}
	return fmt.Sprintf("%s/%s-aggregated.zone", base, country)
}

// Fetch downloads the raw zone file for a (country, family) pair.
// Transient failures (timeouts, connection errors, 5xx) are retried up
// to the configured attempt count with a linearly growing delay
// (base*1, base*2, ...). Responses that cannot improve on retry (4xx)
// fail immediately. The returned error carries a network kind;
// cancellations carry a canceled kind.
func (c *Client) Fetch(ctx context.Context, country string, fam Family) ([]byte, error) {
	url := c.URL(country, fam)
	op := fmt.Sprintf("fetch %s-%s", country, fam)

	retries := c.cfg.HTTPRetries
	var lastErr error

	for attempt := 1; attempt <= retries; attempt++ {
		body, err := c.fetchOnce(ctx, url)
		if err == nil {
			logger.Debug("source", "Downloaded zone file", "url", url, "bytes", len(body), "attempt", attempt)
			return body, nil
		}

		if ctx.Err() != nil {
			return nil, errkind.New(errkind.KindCanceled, op, ctx.Err())
		}

		if !isTransient(err) {
			return nil, errkind.New(errkind.KindNetwork, op, err)
		}

		lastErr = err
		if attempt < retries {
			wait := c.cfg.HTTPRetryDelay * time.Duration(attempt)
			logger.Warn("source", "Transient fetch failure, retrying",
				"url", url, "attempt", attempt, "retries", retries, "wait", wait.String(), "error", err.Error())
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, errkind.New(errkind.KindCanceled, op, ctx.Err())
			}
		}
	}

	logger.Error("source", "Fetch failed after all attempts", "url", url, "attempts", retries, "error", lastErr.Error())
	return nil, errkind.New(errkind.KindNetwork, op, fmt.Errorf("after %d attempts: %w", retries, lastErr))
}

func (c *Client) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return body, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.code)
}

// isTransient reports whether a failure is worth retrying. 5xx
// responses are; 4xx and other HTTP-level rejections are not. Anything
// below HTTP (timeouts, resets, dial failures) is transient.
func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}
