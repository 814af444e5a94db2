package ipintel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aliadelelroby/guardrail/storage"
)

// DefaultCacheTTL is the local in-memory TTL cache's default entry
// lifetime (§4.9 step 2).
const DefaultCacheTTL = 24 * time.Hour

// Cache layers a local store in front of an optional distributed store
// (§4.9 steps 2-3). Both are plain storage.Storage instances — the
// local one is typically a *storage.Memory, the distributed one a
// *storage.Redis when C1 is configured.
type Cache struct {
	Local       storage.Storage
	Distributed storage.Storage
	TTL         time.Duration
	Prefix      string
}

func (c *Cache) prefix() string {
	if c.Prefix != "" {
		return c.Prefix
	}
	return storage.DefaultPrefix
}

func (c *Cache) key(ip string) string {
	return c.prefix() + storage.KindIPCache + ":" + ip
}

func (c *Cache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultCacheTTL
}

// Get checks the local cache, then the distributed cache (promoting a
// distributed hit into the local cache so subsequent lookups on this
// process skip the network round trip), returning ok=false on a miss at
// both layers.
func (c *Cache) Get(ctx context.Context, ip string) (IPInfo, bool) {
	key := c.key(ip)

	if c.Local != nil {
		if raw, ok, err := c.Local.Get(ctx, key); err == nil && ok {
			var info IPInfo
			if json.Unmarshal([]byte(raw), &info) == nil {
				return info, true
			}
		}
	}

	if c.Distributed != nil {
		if raw, ok, err := c.Distributed.Get(ctx, key); err == nil && ok {
			var info IPInfo
			if json.Unmarshal([]byte(raw), &info) == nil {
				if c.Local != nil {
					_ = c.Local.Set(ctx, key, raw, c.ttl())
				}
				return info, true
			}
		}
	}

	return IPInfo{}, false
}

// Set writes info to both configured cache layers.
func (c *Cache) Set(ctx context.Context, ip string, info IPInfo) {
	buf, err := json.Marshal(info)
	if err != nil {
		return
	}
	key := c.key(ip)
	if c.Local != nil {
		_ = c.Local.Set(ctx, key, string(buf), c.ttl())
	}
	if c.Distributed != nil {
		_ = c.Distributed.Set(ctx, key, string(buf), c.ttl())
	}
}
