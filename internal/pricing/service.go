// Package pricing resolves market prices of mined materials from the bot's UEX price feed.
package pricing

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/redlegion/eventpay/internal/apperr"
)

// Location is a trading location with its price modifier.
type Location struct {
	ID       int             `json:"location_id"`
	Name     string          `json:"name"`
	Modifier decimal.Decimal `json:"modifier"`
}

var locations = []Location{
	{ID: 1, Name: "Area 18", Modifier: decimal.RequireFromString("0.95")},
	{ID: 2, Name: "Lorville", Modifier: decimal.RequireFromString("0.90")},
	{ID: 3, Name: "New Babbage", Modifier: decimal.RequireFromString("0.92")},
	{ID: 4, Name: "Orison", Modifier: decimal.RequireFromString("1.00")},
	{ID: 5, Name: "Port Olisar", Modifier: decimal.RequireFromString("0.85")},
}

// priceScale is the number of decimals market prices are rounded to.
const priceScale = 2

// Source fetches the full market price table.
type Source interface {
	Fetch(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Cache holds the last fetched price table.
type Cache interface {
	Get(ctx context.Context) (map[string]decimal.Decimal, bool, error)
	Set(ctx context.Context, prices map[string]decimal.Decimal) error
	Invalidate(ctx context.Context) error
}

// Service resolves material prices, optionally adjusted for a trading location.
type Service struct {
	source Source
	cache  Cache
	logger *zap.Logger
	// serializes fetches so a cold cache is filled once
	fetchMu sync.Mutex
}

// NewService creates a price service. cache may be nil.
func NewService(source Source, cache Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{source: source, cache: cache, logger: logger}
}

// Locations returns the known trading locations.
func Locations() []Location {
	out := make([]Location, len(locations))
	copy(out, locations)
	return out
}

// Modifier returns the price modifier of a location; unknown or absent locations trade at 1.
func Modifier(locationID *int) decimal.Decimal {
	if locationID == nil {
		return decimal.NewFromInt(1)
	}
	for _, l := range locations {
		if l.ID == *locationID {
			return l.Modifier
		}
	}
	return decimal.NewFromInt(1)
}

// Prices returns the unadjusted market price table.
func (s *Service) Prices(ctx context.Context) (map[string]decimal.Decimal, error) {
	if prices, ok := s.cached(ctx); ok {
		return prices, nil
	}
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	if prices, ok := s.cached(ctx); ok {
		return prices, nil
	}
	return s.fetch(ctx)
}

// Refresh drops the cached table and fetches a new one.
func (s *Service) Refresh(ctx context.Context) (map[string]decimal.Decimal, error) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.logger.Warn("price cache invalidate failed", zap.Error(err))
		}
	}
	return s.fetch(ctx)
}

// Resolve returns location adjusted prices, rounded to cents, for each material.
// A material missing from the market table is a PriceUnavailableError.
func (s *Service) Resolve(ctx context.Context, materials []string, locationID *int) (map[string]decimal.Decimal, error) {
	table, err := s.Prices(ctx)
	if err != nil {
		return nil, err
	}
	mod := Modifier(locationID)
	out := make(map[string]decimal.Decimal, len(materials))
	for _, m := range materials {
		key := strings.ToUpper(strings.TrimSpace(m))
		p, ok := table[key]
		if !ok {
			return nil, &apperr.PriceUnavailableError{Material: key}
		}
		out[key] = p.Mul(mod).Round(priceScale)
	}
	return out, nil
}

func (s *Service) cached(ctx context.Context) (map[string]decimal.Decimal, bool) {
	if s.cache == nil {
		return nil, false
	}
	prices, ok, err := s.cache.Get(ctx)
	if err != nil {
		s.logger.Warn("price cache read failed", zap.Error(err))
		return nil, false
	}
	return prices, ok
}

func (s *Service) fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	raw, err := s.source.Fetch(ctx)
	if err != nil {
		return nil, &apperr.PriceUnavailableError{Err: err}
	}
	prices := make(map[string]decimal.Decimal, len(raw))
	for name, p := range raw {
		if p.IsNegative() {
			s.logger.Warn("negative market price dropped", zap.String("material", name), zap.String("price", p.String()))
			continue
		}
		prices[strings.ToUpper(strings.TrimSpace(name))] = p
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, prices); err != nil {
			s.logger.Warn("price cache write failed", zap.Error(err))
		}
	}
	s.logger.Info("market prices fetched", zap.Int("materials", len(prices)), zap.Strings("sample", sample(prices, 3)))
	return prices, nil
}

func sample(prices map[string]decimal.Decimal, n int) []string {
	names := make([]string, 0, len(prices))
	for k := range prices {
		names = append(names, k)
	}
	sort.Strings(names)
	if len(names) > n {
		names = names[:n]
	}
	return names
}
