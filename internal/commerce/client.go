package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	apperrors "atlas/internal/errors"
	"atlas/internal/logging"
	"atlas/internal/observability"
)

const apiVersion = "2024-01"

// hotCacheSize bounds the in-process layer. It only absorbs repeat reads
// within one workflow; the database cache is the shared layer.
const hotCacheSize = 256

// CredentialSource supplies decrypted credentials for a linked account.
// Satisfied by vault.Vault.
type CredentialSource interface {
	DecryptFor(ctx context.Context, userID, accountID uuid.UUID) (json.RawMessage, error)
}

// Cache is the shared response cache. Satisfied by postgres.CacheStore.
type Cache interface {
	Get(ctx context.Context, userID, linkedAccountID uuid.UUID, key string) (json.RawMessage, bool, error)
	Put(ctx context.Context, userID, linkedAccountID uuid.UUID, key string, data json.RawMessage, ttl time.Duration) error
}

// Client calls the external commerce API on behalf of a linked account.
// Credentials are loaded lazily per call and never held on the struct.
type Client struct {
	httpClient *http.Client
	creds      CredentialSource
	cache      Cache
	hot        *expirable.LRU[string, json.RawMessage]
	ttl        time.Duration
	logger     logging.Logger
	metrics    *observability.Metrics

	// baseURL overrides the per-shop URL scheme in tests.
	baseURL string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points every request at a fixed base URL instead of the shop
// domain. Test servers use this.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithMetrics records cache lookup outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient constructs the commerce client. ttl governs both cache layers.
func NewClient(creds CredentialSource, cache Cache, ttl time.Duration, timeout time.Duration, logger logging.Logger, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
		cache:      cache,
		hot:        expirable.NewLRU[string, json.RawMessage](hotCacheSize, nil, ttl),
		ttl:        ttl,
		logger:     logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OrderQuery filters GetOrders.
type OrderQuery struct {
	Status       string
	CreatedAtMin string
	Limit        int
}

// GetOrders fetches orders for the linked account, cached.
func (c *Client) GetOrders(ctx context.Context, userID, accountID uuid.UUID, q OrderQuery) (json.RawMessage, error) {
	args := map[string]string{}
	if q.Status != "" {
		args["status"] = q.Status
	}
	if q.CreatedAtMin != "" {
		args["created_at_min"] = q.CreatedAtMin
	}
	if q.Limit > 0 {
		args["limit"] = strconv.Itoa(q.Limit)
	}
	return c.cachedGet(ctx, userID, accountID, "get_orders", "orders.json", args)
}

// ProductQuery filters GetProducts.
type ProductQuery struct {
	IDs   string
	Title string
	Limit int
}

// GetProducts fetches products for the linked account, cached.
func (c *Client) GetProducts(ctx context.Context, userID, accountID uuid.UUID, q ProductQuery) (json.RawMessage, error) {
	args := map[string]string{}
	if q.IDs != "" {
		args["ids"] = q.IDs
	}
	if q.Title != "" {
		args["title"] = q.Title
	}
	if q.Limit > 0 {
		args["limit"] = strconv.Itoa(q.Limit)
	}
	return c.cachedGet(ctx, userID, accountID, "get_products", "products.json", args)
}

// UpdateProductPrice sets a product variant's price. Writes bypass the cache
// and are attempted exactly once.
func (c *Client) UpdateProductPrice(ctx context.Context, userID, accountID uuid.UUID, variantID, price string) (json.RawMessage, error) {
	body := map[string]any{"variant": map[string]string{"id": variantID, "price": price}}
	return c.write(ctx, userID, accountID, http.MethodPut, fmt.Sprintf("variants/%s.json", variantID), body)
}

// CreateDiscountCode creates a discount code.
func (c *Client) CreateDiscountCode(ctx context.Context, userID, accountID uuid.UUID, code, valueType, value string) (json.RawMessage, error) {
	body := map[string]any{"discount_code": map[string]string{
		"code":       code,
		"value_type": valueType,
		"value":      value,
	}}
	return c.write(ctx, userID, accountID, http.MethodPost, "discount_codes.json", body)
}

// AdjustInventory applies a delta to the inventory level of an item at one
// location.
func (c *Client) AdjustInventory(ctx context.Context, userID, accountID uuid.UUID, inventoryItemID, locationID string, delta int) (json.RawMessage, error) {
	body := map[string]any{
		"inventory_item_id":    inventoryItemID,
		"location_id":          locationID,
		"available_adjustment": delta,
	}
	return c.write(ctx, userID, accountID, http.MethodPost, "inventory_levels/adjust.json", body)
}

// cachedGet serves a read through the hot cache, then the shared cache, then
// the upstream API. Cache write failures degrade to a log line; a read that
// reached the API successfully must not fail on bookkeeping.
func (c *Client) cachedGet(ctx context.Context, userID, accountID uuid.UUID, op, path string, args map[string]string) (json.RawMessage, error) {
	key := CacheKey(op, accountID, args)

	if data, ok := c.hot.Get(key); ok {
		c.metrics.CacheLookup("hit_memory")
		c.logger.Debug("%s: hot cache hit", op)
		return data, nil
	}
	if c.cache != nil {
		data, found, err := c.cache.Get(ctx, userID, accountID, key)
		if err != nil {
			c.logger.Warn("%s: cache read failed, falling through to api: %v", op, err)
		} else if found {
			c.metrics.CacheLookup("hit_db")
			c.logger.Debug("%s: cache hit", op)
			c.hot.Add(key, data)
			return data, nil
		}
	}
	c.metrics.CacheLookup("miss")

	data, err := apperrors.RetryWithResult(ctx, apperrors.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}, func(ctx context.Context) (json.RawMessage, error) {
		resp, err := c.do(ctx, userID, accountID, http.MethodGet, path, args, nil)
		if err != nil {
			return nil, classifyForRetry(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	c.hot.Add(key, data)
	if c.cache != nil {
		if err := c.cache.Put(ctx, userID, accountID, key, data, c.ttl); err != nil {
			c.logger.Warn("%s: cache write failed: %v", op, err)
		}
	}
	return data, nil
}

// write performs a mutating call with no retry. A timeout on a write is
// ambiguous, so the caller decides what to do with the uncertainty.
func (c *Client) write(ctx context.Context, userID, accountID uuid.UUID, method, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, userID, accountID, method, path, nil, body)
}

func (c *Client) do(ctx context.Context, userID, accountID uuid.UUID, method, path string, args map[string]string, body any) (json.RawMessage, error) {
	raw, err := c.creds.DecryptFor(ctx, userID, accountID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	creds, err := ParseCredentials(raw)
	if err != nil {
		return nil, err
	}

	base := c.baseURL
	if base == "" {
		base = fmt.Sprintf("https://%s/admin/api/%s", creds.ShopDomain, apiVersion)
	}
	endpoint := base + "/" + path
	if len(args) > 0 {
		values := url.Values{}
		for k, v := range args {
			values.Set(k, v)
		}
		endpoint += "?" + values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Access-Token", creds.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return json.RawMessage(respBody), nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		rle := &RateLimitError{}
		if after := resp.Header.Get("Retry-After"); after != "" {
			if seconds, err := strconv.ParseFloat(after, 64); err == nil {
				rle.RetryAfter = seconds
			}
		}
		return nil, rle
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncateBody(string(respBody))}
	}
}

// classifyForRetry marks rate limits and server faults transient so the read
// retry loop picks them up. Auth failures and client errors stay permanent.
func classifyForRetry(err error) error {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		te := apperrors.NewTransientError(err, "commerce rate limit, backing off")
		te.RetryAfter = int(rle.RetryAfter)
		te.StatusCode = http.StatusTooManyRequests
		return te
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Transient() {
		te := apperrors.NewTransientError(err, "commerce server error, retrying")
		te.StatusCode = apiErr.StatusCode
		return te
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		pe := apperrors.NewPermanentError(err, "commerce credentials rejected")
		pe.StatusCode = authErr.StatusCode
		return pe
	}
	return err
}

func truncateBody(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "…(truncated)"
}
