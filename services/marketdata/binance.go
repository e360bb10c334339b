package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stock_tracker_backend/models"
)

// BinanceBaseURL is the Binance spot REST host
const BinanceBaseURL = "https://api.binance.com"

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	OpenPrice          string `json:"openPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	PrevClosePrice     string `json:"prevClosePrice"`
	Volume             string `json:"volume"`
	PriceChangePercent string `json:"priceChangePercent"`
	CloseTime          int64  `json:"closeTime"`
}

// BinanceClient fetches 24h ticker statistics. Fetch keys are symbols such as BTCUSDT.
type BinanceClient struct {
	baseURL string
	client  *http.Client
}

// NewBinanceClient creates a Binance client. An empty baseURL uses BinanceBaseURL.
func NewBinanceClient(baseURL string, timeout time.Duration) *BinanceClient {
	if baseURL == "" {
		baseURL = BinanceBaseURL
	}
	return &BinanceClient{baseURL: baseURL, client: newHTTPClient(timeout)}
}

func (c *BinanceClient) FetchPrice(ctx context.Context, t models.AssetType, key string) (models.PriceSnapshot, error) {
	var tk binanceTicker
	u := c.baseURL + "/api/v3/ticker/24hr?symbol=" + url.QueryEscape(strings.ToUpper(key))
	if err := getJSON(ctx, c.client, u, &tk); err != nil {
		return models.PriceSnapshot{}, fmt.Errorf("binance %s: %w", key, err)
	}
	price, ok := parseDecimal(tk.LastPrice)
	if !ok {
		return models.PriceSnapshot{}, fmt.Errorf("binance %s: invalid lastPrice %q", key, tk.LastPrice)
	}
	open, _ := parseDecimal(tk.OpenPrice)
	high, _ := parseDecimal(tk.HighPrice)
	low, _ := parseDecimal(tk.LowPrice)
	prev, _ := parseDecimal(tk.PrevClosePrice)
	vol, _ := parseDecimal(tk.Volume)
	pct, ok := parseDecimal(tk.PriceChangePercent)
	if !ok {
		pct = changePercent(price, prev)
	}

	snap := models.PriceSnapshot{
		AssetType:     t,
		AssetID:       tk.Symbol,
		FetchKey:      key,
		Price:         price,
		Open:          open,
		High:          high,
		Low:           low,
		PrevClose:     prev,
		Volume:        vol,
		ChangePercent: pct,
		FetchedAt:     time.Now(),
	}
	if tk.CloseTime > 0 {
		snap.QuotedAt = time.UnixMilli(tk.CloseTime)
	}
	return snap, nil
}
