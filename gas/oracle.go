package gas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// PriceOracle quotes the USD price of a domain's native token. It is the
// only chain-external collaborator of the gas payment policy.
type PriceOracle interface {
	NativeTokenPriceUSD(ctx context.Context, domain uint32) (float64, error)
}

const quoteTTL = 60 * time.Second

type cachedQuote struct {
	price     float64
	fetchedAt time.Time
}

// CachingPriceOracle memoizes quotes per domain for a short TTL so that a
// burst of prepare attempts does not hammer the upstream price API.
type CachingPriceOracle struct {
	inner PriceOracle

	mu     sync.RWMutex
	quotes map[uint32]cachedQuote
}

func NewCachingPriceOracle(inner PriceOracle) *CachingPriceOracle {
	return &CachingPriceOracle{
		inner:  inner,
		quotes: make(map[uint32]cachedQuote),
	}
}

func (o *CachingPriceOracle) NativeTokenPriceUSD(ctx context.Context, domain uint32) (float64, error) {
	o.mu.RLock()
	quote, ok := o.quotes[domain]
	o.mu.RUnlock()
	if ok && time.Since(quote.fetchedAt) < quoteTTL {
		return quote.price, nil
	}

	price, err := o.inner.NativeTokenPriceUSD(ctx, domain)
	if err != nil {
		return 0, fmt.Errorf("quote native token price for domain %d: %w", domain, err)
	}
	o.mu.Lock()
	o.quotes[domain] = cachedQuote{price: price, fetchedAt: time.Now()}
	o.mu.Unlock()
	return price, nil
}

// HTTPPriceOracle fetches quotes from a price API that serves
// GET {endpoint}?domain={id} as {"usd": <price>}.
type HTTPPriceOracle struct {
	endpoint string
	client   *http.Client
}

func NewHTTPPriceOracle(endpoint string) *HTTPPriceOracle {
	return &HTTPPriceOracle{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (o *HTTPPriceOracle) NativeTokenPriceUSD(ctx context.Context, domain uint32) (float64, error) {
	url := fmt.Sprintf("%s?domain=%d", o.endpoint, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch price quote: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price api returned %s for domain %d", resp.Status, domain)
	}
	var body struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode price quote: %w", err)
	}
	return body.USD, nil
}

// StaticPriceOracle serves fixed quotes from configuration. Used for
// chains the price API does not cover, and in tests.
type StaticPriceOracle struct {
	prices map[uint32]float64
}

func NewStaticPriceOracle(prices map[uint32]float64) *StaticPriceOracle {
	return &StaticPriceOracle{prices: prices}
}

func (o *StaticPriceOracle) NativeTokenPriceUSD(_ context.Context, domain uint32) (float64, error) {
	price, ok := o.prices[domain]
	if !ok {
		return 0, fmt.Errorf("no configured price for domain %d", domain)
	}
	return price, nil
}

