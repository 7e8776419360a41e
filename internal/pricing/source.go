package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// HTTPSource reads the price table from the tracker bot's /api/uex-prices endpoint.
type HTTPSource struct {
	baseURL string
	http    *http.Client
}

// NewHTTPSource creates a price source bounded by timeout.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Fetch returns material name to price per unit.
func (s *HTTPSource) Fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/uex-prices", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET uex-prices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET uex-prices: HTTP %d", resp.StatusCode)
	}
	var prices map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&prices); err != nil {
		return nil, fmt.Errorf("decode uex-prices: %w", err)
	}
	return prices, nil
}

const cacheKey = "pricing:uex"

// RedisCache stores the price table as a JSON blob with a TTL.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisCache creates a cache; ttl <= 0 means five minutes.
func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context) (map[string]decimal.Decimal, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var prices map[string]decimal.Decimal
	if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, false, fmt.Errorf("decode cached prices: %w", err)
	}
	return prices, true, nil
}

func (c *RedisCache) Set(ctx context.Context, prices map[string]decimal.Decimal) error {
	raw, err := json.Marshal(prices)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey, raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, cacheKey).Err()
}
