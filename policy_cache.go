package authcore

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// policyCache fronts the PolicyProvider with a TTL-bounded LRU. Policies
// drive security enforcement, so entries expire on the configured TTL
// rather than being invalidated; the TTL is the staleness bound.
type policyCache struct {
	provider PolicyProvider
	fallback SecurityPolicy
	cache    *lru.LRU[string, SecurityPolicy]
}

func newPolicyCache(provider PolicyProvider, cfg PolicyConfig) *policyCache {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &policyCache{
		provider: provider,
		fallback: cfg.Default,
		cache:    lru.NewLRU[string, SecurityPolicy](size, nil, ttl),
	}
}

// PolicyForTenant resolves the tenant policy, serving cached entries within
// their TTL. A provider error fails closed rather than skipping enforcement.
func (c *policyCache) PolicyForTenant(ctx context.Context, tenantID string) (SecurityPolicy, error) {
	if c.provider == nil {
		return c.fallback, nil
	}
	if policy, ok := c.cache.Get(tenantID); ok {
		return policy, nil
	}

	policy, err := c.provider.PolicyForTenant(ctx, tenantID)
	if err != nil {
		return SecurityPolicy{}, ErrStoreUnavailable
	}
	if policy == nil {
		policy = &c.fallback
	}

	c.cache.Add(tenantID, *policy)
	return *policy, nil
}
