package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Common errors.
var (
	ErrNotFound     = errors.New("api: resource not found")
	ErrForbidden    = errors.New("api: access forbidden")
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrRateLimited  = errors.New("api: rate limited")
	ErrServerError  = errors.New("api: server error")
)

// Options configures the API client.
type Options struct {
	// BaseURL is the root of the API, e.g. https://api.example.com.
	BaseURL string

	// APIKey authenticates every request.
	APIKey string

	// UserAgent overrides the default User-Agent header.
	UserAgent string

	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 20
	MaxIdleConnsPerHost int

	// Timeout for individual requests. Asset transfers use their own
	// per-body deadline instead of this.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// Logger is used for request-level diagnostics. Defaults to a
	// disabled logger.
	Logger *zerolog.Logger
}

// DefaultOptions returns options with sensible defaults. BaseURL and APIKey
// still need to be filled in.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 20,
		Timeout:             30 * time.Second,
		RetryAttempts:       5,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
	}
}

// Client talks to the imagery catalog API.
type Client struct {
	client *http.Client
	// transfer has no global timeout; asset bodies can take arbitrarily
	// long and are bounded by context instead.
	transfer *http.Client
	opts     Options
	log      zerolog.Logger
}

// NewClient creates a new API client with the given options.
func NewClient(opts Options) *Client {
	if opts.MaxIdleConnsPerHost == 0 {
		opts.MaxIdleConnsPerHost = 20
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 5
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.RetryMaxBackoff == 0 {
		opts.RetryMaxBackoff = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "swath"
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		transfer: &http.Client{Transport: transport},
		opts:     opts,
		log:      log,
	}
}

// Shutdown releases idle transport connections. Safe to call more than once.
func (c *Client) Shutdown() {
	c.client.CloseIdleConnections()
}

// GetItem fetches a single item by type and ID.
func (c *Client) GetItem(ctx context.Context, itemType, id string) (Item, error) {
	var item Item
	url := fmt.Sprintf("%s/v1/item-types/%s/items/%s", c.opts.BaseURL, itemType, id)
	if err := c.getJSON(ctx, url, &item); err != nil {
		return Item{}, fmt.Errorf("get item %s/%s: %w", itemType, id, err)
	}
	if item.ItemType == "" {
		item.ItemType = itemType
	}
	return item, nil
}

// Assets fetches the current asset map for an item. Each call returns a
// fresh snapshot of the remote activation state.
func (c *Client) Assets(ctx context.Context, item Item) (AssetMap, error) {
	url := item.Links.Assets
	if url == "" {
		url = fmt.Sprintf("%s/v1/item-types/%s/items/%s/assets", c.opts.BaseURL, item.ItemType, item.ID)
	}

	var assets AssetMap
	if err := c.getJSON(ctx, url, &assets); err != nil {
		return nil, fmt.Errorf("get assets for %s: %w", item.ID, err)
	}

	// Some deployments omit the type field inside each record.
	for t, a := range assets {
		if a.Type == "" {
			a.Type = t
			assets[t] = a
		}
	}
	return assets, nil
}

// Activate requests activation of an asset. The call is fire-and-forget:
// a 202 means activation started, a 204 means the asset is already active.
func (c *Client) Activate(ctx context.Context, asset Asset) error {
	if asset.Links.Activate == "" {
		return fmt.Errorf("activate %s: asset has no activation link", asset.Type)
	}

	resp, err := c.do(ctx, http.MethodPost, asset.Links.Activate, nil)
	if err != nil {
		return fmt.Errorf("activate %s: %w", asset.Type, err)
	}
	resp.Body.Close()
	return nil
}

// getJSON performs a GET and decodes the response body into v.
func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// postJSON performs a POST with a JSON body and decodes the response into v.
func (c *Client) postJSON(ctx context.Context, url string, body, v any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do performs one request with authentication and retries. 5xx responses and
// transport errors are retried with exponential backoff; 429 responses are
// retried after the server-provided delay when one is given. The caller owns
// the response body.
func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "api-key "+c.opts.APIKey)
		req.Header.Set("User-Agent", c.opts.UserAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			c.log.Debug().Str("url", url).Int("status", resp.StatusCode).Int("attempt", attempt).Msg("retrying after server error")
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = ErrRateLimited
			if wait := retryAfter(resp); wait > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
				}
			}
			continue
		}

		if err := checkStatusCode(resp.StatusCode); err != nil {
			resp.Body.Close()
			return nil, err
		}

		return resp, nil
	}

	return nil, fmt.Errorf("%s %s failed after %d attempts: %w", method, url, c.opts.RetryAttempts+1, lastErr)
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// retryAfter extracts a Retry-After delay in seconds, if present.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}
