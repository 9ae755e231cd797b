// Package assets caches asset metadata looked up from an external source.
package assets

import (
	"context"
	"sync"

	"github.com/preidman/dex/domain/order"
)

// MetadataSource resolves an asset's decimal places. Used only for
// formatting user-facing amounts, never for arithmetic.
type MetadataSource interface {
	Decimals(ctx context.Context, asset order.Asset) (byte, error)
}

// DecimalsCache is a read-through cache over a MetadataSource with an
// explicit invalidation hook for the administrative surface.
type DecimalsCache struct {
	source MetadataSource

	mu    sync.RWMutex
	known map[order.Asset]byte
}

func NewDecimalsCache(source MetadataSource) *DecimalsCache {
	return &DecimalsCache{
		source: source,
		known:  make(map[order.Asset]byte),
	}
}

// Decimals returns the cached decimals for asset, consulting the source on
// a miss.
func (c *DecimalsCache) Decimals(ctx context.Context, asset order.Asset) (byte, error) {
	c.mu.RLock()
	d, ok := c.known[asset]
	c.mu.RUnlock()
	if ok {
		return d, nil
	}

	d, err := c.source.Decimals(ctx, asset)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.known[asset] = d
	c.mu.Unlock()
	return d, nil
}

// Invalidate drops the cached entry for asset.
func (c *DecimalsCache) Invalidate(asset order.Asset) {
	c.mu.Lock()
	delete(c.known, asset)
	c.mu.Unlock()
}
