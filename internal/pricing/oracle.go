package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"TokenSettle/internal/metrics"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type Quote struct {
	Price     decimal.Decimal
	FetchedAt time.Time
	Source    string
}

// HTTPOracle reads quotes from a JSON endpoint answering
// GET <url>?symbol=SOL with {"symbol":"SOL","price":"150.25"}.
type HTTPOracle struct {
	URL    string
	Client *http.Client
}

func NewHTTPOracle(endpoint string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{URL: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (o *HTTPOracle) SpotPrice(ctx context.Context, symbol string) (Quote, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", strings.ToUpper(symbol))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Quote{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("oracle status %d", resp.StatusCode)
	}

	var body struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("oracle decode: %w", err)
	}
	return Quote{Price: body.Price, FetchedAt: time.Now().UTC(), Source: "oracle"}, nil
}

// CachedOracle serves quotes younger than TTL from memory. When a refresh
// fails it falls back to the last known quote.
type CachedOracle struct {
	Next    Oracle
	TTL     time.Duration
	Metrics *metrics.Settlement
	Log     zerolog.Logger
	Now     func() time.Time

	mu     sync.Mutex
	quotes map[string]Quote
}

func NewCachedOracle(next Oracle, ttl time.Duration, m *metrics.Settlement, log zerolog.Logger) *CachedOracle {
	return &CachedOracle{Next: next, TTL: ttl, Metrics: m, Log: log}
}

func (c *CachedOracle) SpotPrice(ctx context.Context, symbol string) (Quote, error) {
	key := strings.ToUpper(symbol)
	now := c.now()

	c.mu.Lock()
	cached, ok := c.quotes[key]
	c.mu.Unlock()
	if ok && now.Sub(cached.FetchedAt) < c.TTL {
		cached.Source = "cache"
		return cached, nil
	}

	fresh, err := c.Next.SpotPrice(ctx, key)
	if err != nil {
		if ok {
			c.Log.Warn().Err(err).Str("symbol", key).Time("fetched_at", cached.FetchedAt).Msg("oracle refresh failed, serving stale price")
			c.Metrics.OracleFallback()
			cached.Source = "stale"
			return cached, nil
		}
		return Quote{}, fmt.Errorf("%w: %v", ErrNoPrice, err)
	}
	fresh.FetchedAt = now

	c.mu.Lock()
	if c.quotes == nil {
		c.quotes = map[string]Quote{}
	}
	c.quotes[key] = fresh
	c.mu.Unlock()
	return fresh, nil
}

func (c *CachedOracle) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}
