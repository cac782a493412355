// Package mccfetch retrieves externally hosted MCC whitelists. The payload is
// untrusted input: bounded in size, fetched with a bounded timeout, and
// schema-validated before use.
package mccfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/pocketpay/spendflow/resolver/models"
)

const (
	maxBodyBytes = 64 << 10
	maxCodes     = 10_000
)

// Fetcher fetches and validates MCC whitelist URLs. Concurrent fetches of the
// same URL are collapsed; when a Redis client is configured, validated
// results are shared across resolutions with a TTL.
type Fetcher struct {
	client *http.Client
	group  singleflight.Group
	cache  *redis.Client
	ttl    time.Duration
}

// New builds a Fetcher. cache may be nil to disable the shared cache.
func New(timeout time.Duration, cache *redis.Client, ttl time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		cache:  cache,
		ttl:    ttl,
	}
}

// Fetch returns the validated MCC codes served at url. Every failure wraps
// models.ErrWhitelistFetch so callers can treat unreachable and invalid
// whitelists alike.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]string, error) {
	v, err, _ := f.group.Do(url, func() (any, error) {
		return f.fetch(ctx, url)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrWhitelistFetch, err)
	}
	return v.([]string), nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) ([]string, error) {
	cacheKey := "mcc:whitelist:" + url
	if f.cache != nil {
		if raw, err := f.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			var codes []string
			if err := json.Unmarshal(raw, &codes); err == nil {
				return codes, nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching whitelist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whitelist fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading whitelist body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("whitelist body exceeds %d bytes", maxBodyBytes)
	}

	var codes []string
	if err := json.Unmarshal(body, &codes); err != nil {
		return nil, fmt.Errorf("decoding whitelist: %w", err)
	}
	if len(codes) > maxCodes {
		return nil, fmt.Errorf("whitelist has %d codes, max %d", len(codes), maxCodes)
	}
	for _, c := range codes {
		if !validCode(c) {
			return nil, fmt.Errorf("invalid mcc code %q in whitelist", c)
		}
	}

	if f.cache != nil && f.ttl > 0 {
		if raw, err := json.Marshal(codes); err == nil {
			// Cache write failures are not the caller's problem.
			f.cache.Set(ctx, cacheKey, raw, f.ttl)
		}
	}
	return codes, nil
}

// validCode accepts short numeric code strings (3 or 4 digits).
func validCode(c string) bool {
	if len(c) < 3 || len(c) > 4 {
		return false
	}
	for i := 0; i < len(c); i++ {
		if c[i] < '0' || c[i] > '9' {
			return false
		}
	}
	return true
}
