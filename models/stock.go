package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockTw represents a Taiwan listed (twse) or OTC (otc) stock
type StockTw struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	StockCode        string    `gorm:"uniqueIndex;not null" json:"stock_code"`
	StockName        string    `json:"stock_name"`
	StockType        string    `json:"stock_type"` // twse, otc
	IndustryCategory string    `json:"industry_category"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s StockTw) TrackedType() AssetType { return AssetTypeStock }
func (s StockTw) TrackedID() string      { return s.StockCode }
func (s StockTw) TrackedCode() string    { return s.StockCode }

// DefaultFetchKey returns the channel used by the TWSE realtime quote endpoint
func (s StockTw) DefaultFetchKey() string {
	if strings.EqualFold(s.StockType, "otc") {
		return "otc_" + s.StockCode + ".tw"
	}
	return "tse_" + s.StockCode + ".tw"
}

// CryptoTradingPair represents a spot trading pair such as BTCUSDT
type CryptoTradingPair struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TradingPair string    `gorm:"uniqueIndex;not null" json:"trading_pair"`
	BaseAsset   string    `gorm:"not null" json:"base_asset"`
	QuoteAsset  string    `gorm:"not null" json:"quote_asset"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c CryptoTradingPair) TrackedType() AssetType  { return AssetTypeCrypto }
func (c CryptoTradingPair) TrackedID() string       { return c.TradingPair }
func (c CryptoTradingPair) TrackedCode() string     { return c.BaseAsset + "/" + c.QuoteAsset }
func (c CryptoTradingPair) DefaultFetchKey() string { return strings.ToUpper(c.TradingPair) }

// Currency represents a fiat currency quoted against USD
type Currency struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	Currency     string          `gorm:"uniqueIndex;not null" json:"currency"`
	ExchangeRate decimal.Decimal `gorm:"type:decimal(12,6)" json:"exchange_rate"`
	UpdateTime   *time.Time      `json:"update_time"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (c Currency) TrackedType() AssetType { return AssetTypeCurrency }
func (c Currency) TrackedID() string      { return c.Currency }
func (c Currency) TrackedCode() string    { return c.Currency }

// DefaultFetchKey returns the rate-table key, e.g. USDTWD. USD itself is keyed as USD.
func (c Currency) DefaultFetchKey() string {
	code := strings.ToUpper(c.Currency)
	if code == "USD" {
		return "USD"
	}
	return "USD" + code
}

// PriceRecord is one historical price point appended after a successful fetch
type PriceRecord struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	AssetType     AssetType       `gorm:"index:idx_price_asset_time;size:16;not null" json:"asset_type"`
	AssetID       string          `gorm:"index:idx_price_asset_time;size:64;not null" json:"asset_id"`
	Price         decimal.Decimal `gorm:"type:decimal(20,8)" json:"price"`
	Open          decimal.Decimal `gorm:"type:decimal(20,8)" json:"open"`
	High          decimal.Decimal `gorm:"type:decimal(20,8)" json:"high"`
	Low           decimal.Decimal `gorm:"type:decimal(20,8)" json:"low"`
	Volume        decimal.Decimal `gorm:"type:decimal(28,8)" json:"volume"`
	ChangePercent decimal.Decimal `gorm:"type:decimal(10,4)" json:"change_percent"`
	QuotedAt      time.Time       `gorm:"index:idx_price_asset_time" json:"quoted_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MigrateStockModels runs database migrations for the asset catalog and price history
func MigrateStockModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&StockTw{},
		&CryptoTradingPair{},
		&Currency{},
		&PriceRecord{},
	)
}
