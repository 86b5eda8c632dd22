package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/helixlabs/lims/internal/auth"
)

// SessionCache adapts a Client into the auth.ClaimsCache read-through used by
// token validation. Keys are token hashes, never raw tokens.
type SessionCache struct {
	client Client
}

func NewSessionCache(client Client) *SessionCache {
	return &SessionCache{client: client}
}

func (c *SessionCache) key(tokenHash string) string { return "lims:session:" + tokenHash }

func (c *SessionCache) GetClaims(ctx context.Context, tokenHash string) (*auth.Claims, bool) {
	raw, ok := c.client.Get(ctx, c.key(tokenHash))
	if !ok {
		return nil, false
	}
	var claims auth.Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, false
	}
	return &claims, true
}

func (c *SessionCache) PutClaims(ctx context.Context, tokenHash string, claims *auth.Claims, ttl time.Duration) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(tokenHash), raw, ttl)
}

func (c *SessionCache) Invalidate(ctx context.Context, tokenHashes ...string) {
	keys := make([]string, len(tokenHashes))
	for i, h := range tokenHashes {
		keys[i] = c.key(h)
	}
	_ = c.client.Del(ctx, keys...)
}
