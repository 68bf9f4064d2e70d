package commerce

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// CacheKey derives the deterministic cache key for a read operation. The
// argument map is canonicalized by sorting keys, so logically identical calls
// hash identically regardless of construction order. The operation name and
// linked account are part of the key, never of the hash, which keeps keys
// inspectable in the cache table.
func CacheKey(op string, linkedAccountID uuid.UUID, args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, args[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%s:%s:%s", op, linkedAccountID, hex.EncodeToString(sum[:]))
}
