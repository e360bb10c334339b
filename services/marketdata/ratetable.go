package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"stock_tracker_backend/models"
)

// RateTableURL serves every USD-based rate in one document, e.g. {"USDTWD":{"Exrate":32.1,"UTC":"2026-01-02 03:04:05"}}
const RateTableURL = "https://tw.rter.info/capi.php"

const rateTableTimeLayout = "2006-01-02 15:04:05"

type rateEntry struct {
	Exrate decimal.Decimal `json:"Exrate"`
	UTC    string          `json:"UTC"`
}

// RateTableClient serves currency quotes from one shared rate document. Concurrent fetches
// share a single download, and the document is reused for ttl.
type RateTableClient struct {
	url    string
	client *http.Client
	ttl    time.Duration
	group  singleflight.Group

	mu        sync.RWMutex
	table     map[string]rateEntry
	fetchedAt time.Time
}

// NewRateTableClient creates a rate table client. An empty url uses RateTableURL.
func NewRateTableClient(url string, ttl, timeout time.Duration) *RateTableClient {
	if url == "" {
		url = RateTableURL
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RateTableClient{url: url, client: newHTTPClient(timeout), ttl: ttl}
}

func (c *RateTableClient) cached() (map[string]rateEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.table == nil || time.Since(c.fetchedAt) > c.ttl {
		return nil, false
	}
	return c.table, true
}

func (c *RateTableClient) load(ctx context.Context) (map[string]rateEntry, error) {
	if table, ok := c.cached(); ok {
		return table, nil
	}
	// the shared download outlives any one caller's deadline; each caller stops waiting on its own
	ch := c.group.DoChan("table", func() (interface{}, error) {
		if table, ok := c.cached(); ok {
			return table, nil
		}
		dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.client.Timeout)
		defer cancel()

		var table map[string]rateEntry
		if err := getJSON(dlCtx, c.client, c.url, &table); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.table = table
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return table, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]rateEntry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FetchPrice returns the USD rate of the keyed currency, e.g. USDTWD
func (c *RateTableClient) FetchPrice(ctx context.Context, t models.AssetType, key string) (models.PriceSnapshot, error) {
	table, err := c.load(ctx)
	if err != nil {
		return models.PriceSnapshot{}, fmt.Errorf("rate table %s: %w", key, err)
	}
	entry, ok := table[strings.ToUpper(key)]
	if !ok {
		return models.PriceSnapshot{}, fmt.Errorf("rate table: %w: no rate for %s", models.ErrUpstreamRejected, key)
	}

	snap := models.PriceSnapshot{
		AssetType: t,
		AssetID:   strings.TrimPrefix(strings.ToUpper(key), "USD"),
		FetchKey:  key,
		Price:     entry.Exrate,
		FetchedAt: time.Now(),
	}
	if snap.AssetID == "" {
		snap.AssetID = "USD"
	}
	if ts, err := time.Parse(rateTableTimeLayout, entry.UTC); err == nil {
		snap.QuotedAt = ts
	}
	return snap, nil
}
