package judge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// #region cache
// Cache memoizes semantic verdicts by normalized pair so repeats that produce
// the same SQL cost one judge call.
type Cache struct {
	c *ristretto.Cache[string, Verdict]
}

// NewCache creates a cache holding up to maxEntries verdicts.
func NewCache(maxEntries int64) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, Verdict]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create verdict cache: %w", err)
	}
	return &Cache{c: c}, nil
}

func (c *Cache) get(key string) (Verdict, bool) {
	if c == nil {
		return Verdict{}, false
	}
	return c.c.Get(key)
}

func (c *Cache) set(key string, v Verdict) {
	if c == nil {
		return
	}
	c.c.Set(key, v, 1)
	c.c.Wait()
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	if c != nil {
		c.c.Close()
	}
}

func cacheKey(mode Mode, expected, generated string, jc Context) string {
	h := sha256.New()
	for _, part := range []string{string(mode), Normalize(expected), Normalize(generated), jc.Schema} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// #endregion cache
