package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"stock_tracker_backend/models"
)

// TWSEBaseURL is the realtime quote host of the Taiwan Stock Exchange
const TWSEBaseURL = "https://mis.twse.com.tw"

// ErrNoTrade is returned when the exchange reports no matched price yet
var ErrNoTrade = errors.New("no trade yet")

// twseResponse represents the response from getStockInfo.jsp
type twseResponse struct {
	MsgArray []twseQuote `json:"msgArray"`
	RtCode   string      `json:"rtcode"`
	RtMsg    string      `json:"rtmessage"`
}

type twseQuote struct {
	Code      string `json:"c"`     // Stock code
	Channel   string `json:"ch"`    // e.g. 2330.tw
	Price     string `json:"z"`     // Last matched price, "-" before the first trade
	Open      string `json:"o"`     // Open
	High      string `json:"h"`     // High
	Low       string `json:"l"`     // Low
	Volume    string `json:"v"`     // Accumulated volume (lots)
	PrevClose string `json:"y"`     // Previous close
	TimeMs    string `json:"tlong"` // Quote time, epoch millis
}

// TWSEClient fetches Taiwan stock quotes. Fetch keys are channels such as tse_2330.tw.
type TWSEClient struct {
	baseURL string
	client  *http.Client
}

// NewTWSEClient creates a TWSE client. An empty baseURL uses TWSEBaseURL.
func NewTWSEClient(baseURL string, timeout time.Duration) *TWSEClient {
	if baseURL == "" {
		baseURL = TWSEBaseURL
	}
	return &TWSEClient{baseURL: baseURL, client: newHTTPClient(timeout)}
}

// FetchPrice fetches the realtime quote of one channel
func (c *TWSEClient) FetchPrice(ctx context.Context, t models.AssetType, key string) (models.PriceSnapshot, error) {
	var resp twseResponse
	u := c.baseURL + "/stock/api/getStockInfo.jsp?json=1&delay=0&ex_ch=" + url.QueryEscape(key)
	if err := getJSON(ctx, c.client, u, &resp); err != nil {
		return models.PriceSnapshot{}, fmt.Errorf("twse %s: %w", key, err)
	}
	if resp.RtCode != "" && resp.RtCode != "0000" {
		return models.PriceSnapshot{}, fmt.Errorf("twse %s: %w: rtcode %s %s", key, models.ErrUpstreamRejected, resp.RtCode, resp.RtMsg)
	}
	if len(resp.MsgArray) == 0 {
		return models.PriceSnapshot{}, fmt.Errorf("twse %s: empty msgArray", key)
	}

	q := resp.MsgArray[0]
	price, ok := parseDecimal(q.Price)
	if !ok {
		return models.PriceSnapshot{}, fmt.Errorf("twse %s: %w", key, ErrNoTrade)
	}
	open, _ := parseDecimal(q.Open)
	high, _ := parseDecimal(q.High)
	low, _ := parseDecimal(q.Low)
	vol, _ := parseDecimal(q.Volume)
	prev, _ := parseDecimal(q.PrevClose)

	snap := models.PriceSnapshot{
		AssetType:     t,
		AssetID:       q.Code,
		FetchKey:      key,
		Price:         price,
		Open:          open,
		High:          high,
		Low:           low,
		PrevClose:     prev,
		Volume:        vol,
		ChangePercent: changePercent(price, prev),
		FetchedAt:     time.Now(),
	}
	if ms, err := strconv.ParseInt(q.TimeMs, 10, 64); err == nil {
		snap.QuotedAt = time.UnixMilli(ms)
	}
	return snap, nil
}
