package routing

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedGeocoder fronts a geocoder with a Redis cache. Street addresses
// repeat heavily between quote and order creation, and public geocoders
// rate-limit, so hits are worth keeping for a long time. Cache failures
// fall through to the upstream geocoder.
type CachedGeocoder struct {
	Upstream Geocoder
	Client   *redis.Client
	TTL      time.Duration
}

func NewCachedGeocoder(upstream Geocoder, client *redis.Client) *CachedGeocoder {
	return &CachedGeocoder{Upstream: upstream, Client: client, TTL: 30 * 24 * time.Hour}
}

func (c *CachedGeocoder) Geocode(ctx context.Context, addr string) (Coord, error) {
	key := cacheKey(addr)
	if raw, err := c.Client.Get(ctx, key).Result(); err == nil {
		var coord Coord
		if json.Unmarshal([]byte(raw), &coord) == nil {
			return coord, nil
		}
	}

	coord, err := c.Upstream.Geocode(ctx, addr)
	if err != nil {
		return Coord{}, err
	}
	if raw, err := json.Marshal(coord); err == nil {
		_ = c.Client.Set(ctx, key, raw, c.TTL).Err()
	}
	return coord, nil
}

func cacheKey(addr string) string {
	return "geocode:" + strings.ToLower(strings.Join(strings.Fields(addr), " "))
}
