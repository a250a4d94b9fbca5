// Package directory resolves bot addresses to their stable gateway UUIDs.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client looks up stable UUIDs for addresses against the gateway directory.
// Successful resolutions are cached for the process lifetime; failures are
// never cached so a later call can retry.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	cache map[string]string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type lookupResponse struct {
	Address string `json:"address"`
	UUID    string `json:"uuid"`
}

// Resolve returns the stable UUID for an address. The error is informative
// only: callers treat a failed lookup as a degraded, non-fatal condition.
func (c *Client) Resolve(ctx context.Context, address string) (string, error) {
	c.mu.RLock()
	cached, ok := c.cache[address]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	endpoint := c.baseURL + "/api/directory/" + url.PathEscape(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("directory request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory lookup %s: %w", address, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("directory lookup %s: status %d", address, resp.StatusCode)
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("directory decode %s: %w", address, err)
	}
	if _, err := uuid.Parse(out.UUID); err != nil {
		return "", fmt.Errorf("directory lookup %s: bad uuid %q", address, out.UUID)
	}

	c.mu.Lock()
	c.cache[address] = out.UUID
	c.mu.Unlock()
	return out.UUID, nil
}
