// Package pricefeed fetches mark prices from Pyth Hermes, ported from
// core/jupiter_perps/price_feed.py (spec.md §4.11). It caches the last
// accepted price per market for a short TTL and rejects stale publish
// times outright rather than returning a misleading number.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// feedIDs maps a supported market to its Pyth price-feed id.
var feedIDs = map[string]string{
	"SOL-USD": "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d",
	"BTC-USD": "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43",
	"ETH-USD": "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace",
}

// Config holds the Hermes client's tunables, mirroring
// OraclePriceFeedConfig.from_env() in the original.
type Config struct {
	HermesURL    string
	Timeout      time.Duration
	MaxStaleness time.Duration
	CacheTTL     time.Duration
}

// DefaultConfig returns price_feed.py's defaults.
func DefaultConfig() Config {
	return Config{
		HermesURL:    "https://hermes.pyth.network",
		Timeout:      8 * time.Second,
		MaxStaleness: 20 * time.Second,
		CacheTTL:     time.Second,
	}
}

// Feed is the price-lookup collaborator the position monitor loop depends on.
type Feed interface {
	GetPrice(ctx context.Context, market string) (float64, error)
}

type cacheEntry struct {
	price float64
	at    time.Time
}

// HermesFeed is the live Feed implementation.
type HermesFeed struct {
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewHermesFeed constructs a feed against cfg.HermesURL.
func NewHermesFeed(cfg Config) *HermesFeed {
	return &HermesFeed{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  make(map[string]cacheEntry),
	}
}

// GetPrice returns market's latest accepted price, or 0 if the market is
// unsupported, the feed is empty, or the latest update is stale.
func (f *HermesFeed) GetPrice(ctx context.Context, market string) (float64, error) {
	f.mu.Lock()
	if entry, ok := f.cache[market]; ok && time.Since(entry.at) <= f.cfg.CacheTTL {
		f.mu.Unlock()
		return entry.price, nil
	}
	f.mu.Unlock()

	feedID, ok := feedIDs[market]
	if !ok {
		return 0, nil
	}

	price, err := f.fetchLatest(ctx, feedID)
	if err != nil {
		return 0, err
	}
	if price > 0 {
		f.mu.Lock()
		f.cache[market] = cacheEntry{price: price, at: time.Now()}
		f.mu.Unlock()
	}
	return price, nil
}

func (f *HermesFeed) fetchLatest(ctx context.Context, feedID string) (float64, error) {
	url := fmt.Sprintf("%s/v2/updates/price/latest?ids[]=%s", f.cfg.HermesURL, feedID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch pyth price: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("pyth price fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	return parsePayloadPrice(body, f.cfg.MaxStaleness)
}

func parsePayloadPrice(body []byte, maxStaleness time.Duration) (float64, error) {
	var payload struct {
		Parsed []struct {
			Price struct {
				Price       string `json:"price"`
				Expo        int    `json:"expo"`
				PublishTime int64  `json:"publish_time"`
			} `json:"price"`
		} `json:"parsed"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode pyth payload: %w", err)
	}
	if len(payload.Parsed) == 0 {
		return 0, nil
	}

	item := payload.Parsed[0].Price
	if item.Price == "" || item.PublishTime <= 0 {
		return 0, nil
	}
	if time.Now().Unix()-item.PublishTime > int64(maxStaleness.Seconds()) {
		return 0, nil
	}

	raw, err := strconv.ParseInt(item.Price, 10, 64)
	if err != nil {
		return 0, nil
	}

	price := float64(raw) * math.Pow(10, float64(item.Expo))
	if price <= 0 {
		return 0, nil
	}
	return price, nil
}
