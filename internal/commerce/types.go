// Package commerce implements the external commerce API client. Reads are
// fronted by a two-level cache (in-process LRU over the shared database
// cache); writes go straight through and are never blindly retried, since
// the platform cannot know whether a failed write landed.
package commerce

import (
	"encoding/json"
	"fmt"
)

// Credentials is the decrypted credential payload for a linked account.
type Credentials struct {
	ShopDomain  string `json:"shop_domain"`
	AccessToken string `json:"access_token"`
}

// ParseCredentials decodes and validates a vault payload.
func ParseCredentials(raw json.RawMessage) (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if creds.ShopDomain == "" || creds.AccessToken == "" {
		return Credentials{}, fmt.Errorf("credentials missing shop_domain or access_token")
	}
	return creds, nil
}

// AuthError means the stored credentials were rejected upstream. Not
// retryable; the account needs relinking.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("commerce api rejected credentials (status %d)", e.StatusCode)
}

// RateLimitError means the upstream throttled the call.
type RateLimitError struct {
	RetryAfter float64 // seconds, 0 when the header was absent
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("commerce api rate limited, retry after %.1fs", e.RetryAfter)
	}
	return "commerce api rate limited"
}

// APIError is any other non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("commerce api error (status %d): %s", e.StatusCode, e.Body)
}

// Transient reports whether the failure is a server-side fault worth
// retrying on a read path.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500
}
