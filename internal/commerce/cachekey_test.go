package commerce

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestCacheKeyDeterministic(t *testing.T) {
	accountID := uuid.New()

	a := CacheKey("get_orders", accountID, map[string]string{"status": "open", "limit": "50"})
	b := CacheKey("get_orders", accountID, map[string]string{"limit": "50", "status": "open"})
	if a != b {
		t.Errorf("same args in different order should hash identically:\n%s\n%s", a, b)
	}
}

func TestCacheKeyDistinguishes(t *testing.T) {
	accountID := uuid.New()
	base := CacheKey("get_orders", accountID, map[string]string{"status": "open"})

	if got := CacheKey("get_products", accountID, map[string]string{"status": "open"}); got == base {
		t.Error("different operations must not collide")
	}
	if got := CacheKey("get_orders", uuid.New(), map[string]string{"status": "open"}); got == base {
		t.Error("different accounts must not collide")
	}
	if got := CacheKey("get_orders", accountID, map[string]string{"status": "closed"}); got == base {
		t.Error("different args must not collide")
	}
}

func TestCacheKeyPrefix(t *testing.T) {
	accountID := uuid.New()
	key := CacheKey("get_orders", accountID, nil)
	if !strings.HasPrefix(key, "get_orders:"+accountID.String()+":") {
		t.Errorf("key %q should carry op and account prefix", key)
	}
}
