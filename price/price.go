// Package price resolves the BNB/USD exchange rate used to express gas
// costs in dollars. Two public sources are queried with a short timeout
// and a fixed fallback keeps estimates flowing when both are down.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// FallbackBNBPrice is used when every source fails. Estimates built on
// it are approximate and flagged as such by the caller.
const FallbackBNBPrice = 600.0

const (
	coinGeckoURL = "https://api.coingecko.com/api/v3/simple/price?ids=binancecoin&vs_currencies=usd"
	binanceURL   = "https://api.binance.com/api/v3/ticker/price?symbol=BNBUSDT"

	sourceTimeout = 5 * time.Second
	cacheTTL      = time.Minute
)

// Source fetches a BNB/USD price from one upstream.
type Source interface {
	Fetch(ctx context.Context) (float64, error)
}

// Service resolves the BNB price, caching the last answer for a minute.
type Service struct {
	sources []Source
	now     func() time.Time

	mu       sync.Mutex
	cached   float64
	cachedAt time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithSources replaces the default upstreams; order is priority order.
func WithSources(sources ...Source) Option {
	return func(s *Service) { s.sources = sources }
}

// WithClock injects the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a Service querying CoinGecko first and Binance second.
func NewService(opts ...Option) *Service {
	httpClient := &http.Client{Timeout: sourceTimeout}
	s := &Service{
		sources: []Source{
			&coinGeckoSource{client: httpClient},
			&binanceSource{client: httpClient},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BNBPrice returns the current BNB/USD rate. The answer is cached for a
// minute; when every source fails the fixed fallback is returned and
// not cached, so the next call retries the upstreams.
func (s *Service) BNBPrice(ctx context.Context) float64 {
	s.mu.Lock()
	if s.cachedAt.After(s.now().Add(-cacheTTL)) && s.cached > 0 {
		price := s.cached
		s.mu.Unlock()
		return price
	}
	s.mu.Unlock()

	for _, source := range s.sources {
		price, err := source.Fetch(ctx)
		if err != nil || price <= 0 {
			log.WithError(err).Debug("price source failed, trying next")
			continue
		}
		s.mu.Lock()
		s.cached = price
		s.cachedAt = s.now()
		s.mu.Unlock()
		return price
	}

	log.Warn("all price sources failed, using fallback BNB price")
	return FallbackBNBPrice
}

type coinGeckoSource struct {
	client *http.Client
}

func (c *coinGeckoSource) Fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, coinGeckoURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coingecko returned status %d", resp.StatusCode)
	}

	var body struct {
		BinanceCoin struct {
			USD float64 `json:"usd"`
		} `json:"binancecoin"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode coingecko response: %w", err)
	}
	if body.BinanceCoin.USD <= 0 {
		return 0, fmt.Errorf("coingecko returned no price")
	}
	return body.BinanceCoin.USD, nil
}

type binanceSource struct {
	client *http.Client
}

func (b *binanceSource) Fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, binanceURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("binance returned status %d", resp.StatusCode)
	}

	var body struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode binance response: %w", err)
	}
	price, err := strconv.ParseFloat(body.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance returned malformed price %q: %w", body.Price, err)
	}
	return price, nil
}
