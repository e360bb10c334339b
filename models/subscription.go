package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Subscription links a user to a tracked asset
type Subscription struct {
	UserID    string    `json:"user_id"`
	AssetID   string    `json:"asset_id"`
	AssetType AssetType `json:"asset_type"`
	Removable bool      `json:"removable"` // false for system-pinned defaults
	CreatedAt time.Time `json:"created_at"`
}

// SubscriptionOp is the kind of change carried by a SubscriptionChangedEvent
type SubscriptionOp string

const (
	OpSubscribe   SubscriptionOp = "subscribe"
	OpUnsubscribe SubscriptionOp = "unsubscribe"
)

// SubscriptionChangedEvent is emitted after every successful ledger mutation
type SubscriptionChangedEvent struct {
	UserID    string
	AssetID   string
	AssetType AssetType
	Op        SubscriptionOp
}

// PriceSnapshot is one fetched quote of an asset
type PriceSnapshot struct {
	AssetType     AssetType       `json:"asset_type"`
	AssetID       string          `json:"asset_id"`
	FetchKey      string          `json:"fetch_key"`
	Price         decimal.Decimal `json:"price"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	PrevClose     decimal.Decimal `json:"prev_close"`
	Volume        decimal.Decimal `json:"volume"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	QuotedAt      time.Time       `json:"quoted_at"`
	FetchedAt     time.Time       `json:"fetched_at"`
}

// PricePayload is what the push sink delivers to clients
type PricePayload struct {
	Action    WebsocketAction `json:"action"`
	AssetType AssetType       `json:"asset_type"`
	AssetID   string          `json:"asset_id"`
	Data      PriceSnapshot   `json:"data"`
	Time      string          `json:"time"`
}
