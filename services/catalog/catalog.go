// Package catalog loads the asset tables into the registry.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"stock_tracker_backend/models"
	"stock_tracker_backend/services/registry"
)

// Registrar receives catalog records
type Registrar interface {
	Register(asset models.Trackable, fetchKey string) error
}

var defaultStocks = []models.StockTw{
	{StockCode: "2330", StockName: "台積電", StockType: "twse", IndustryCategory: "半導體業"},
	{StockCode: "2317", StockName: "鴻海", StockType: "twse", IndustryCategory: "其他電子業"},
	{StockCode: "0050", StockName: "元大台灣50", StockType: "twse", IndustryCategory: "ETF"},
}

var defaultPairs = []models.CryptoTradingPair{
	{TradingPair: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"},
	{TradingPair: "ETHUSDT", BaseAsset: "ETH", QuoteAsset: "USDT"},
}

var defaultCurrencies = []models.Currency{
	{Currency: "USD"},
	{Currency: "TWD"},
	{Currency: "JPY"},
}

// Service reads the catalog tables and keeps the registry in sync
type Service struct {
	db        *gorm.DB
	registrar Registrar
	logger    *zap.Logger
}

// NewService creates a catalog service
func NewService(db *gorm.DB, registrar Registrar, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, registrar: registrar, logger: logger}
}

// Seed inserts the default assets into every empty table
func (s *Service) Seed(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := seedTable(db, &models.StockTw{}, defaultStocks); err != nil {
		return err
	}
	if err := seedTable(db, &models.CryptoTradingPair{}, defaultPairs); err != nil {
		return err
	}
	return seedTable(db, &models.Currency{}, defaultCurrencies)
}

func seedTable[T any](db *gorm.DB, model *T, rows []T) error {
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		return fmt.Errorf("count %T: %w", model, err)
	}
	if count > 0 {
		return nil
	}
	seed := make([]T, len(rows))
	copy(seed, rows)
	if err := db.Create(&seed).Error; err != nil {
		return fmt.Errorf("seed %T: %w", model, err)
	}
	return nil
}

// Reload registers every catalog row. Subscriber sets already in the registry are kept.
// It returns the number of assets registered.
func (s *Service) Reload(ctx context.Context) (int, error) {
	db := s.db.WithContext(ctx)

	var stocks []models.StockTw
	if err := db.Order("stock_code").Find(&stocks).Error; err != nil {
		return 0, fmt.Errorf("load stocks: %w", err)
	}
	var pairs []models.CryptoTradingPair
	if err := db.Order("trading_pair").Find(&pairs).Error; err != nil {
		return 0, fmt.Errorf("load trading pairs: %w", err)
	}
	var currencies []models.Currency
	if err := db.Order("currency").Find(&currencies).Error; err != nil {
		return 0, fmt.Errorf("load currencies: %w", err)
	}

	assets := make([]models.Trackable, 0, len(stocks)+len(pairs)+len(currencies))
	for _, st := range stocks {
		assets = append(assets, st)
	}
	for _, p := range pairs {
		assets = append(assets, p)
	}
	for _, c := range currencies {
		assets = append(assets, c)
	}

	registered := 0
	for _, a := range assets {
		if err := s.registrar.Register(a, ""); err != nil {
			s.logger.Warn("skip catalog row",
				zap.String("asset_type", string(a.TrackedType())),
				zap.String("asset_id", a.TrackedID()),
				zap.Error(err))
			continue
		}
		registered++
	}

	s.logger.Info("catalog loaded",
		zap.Int("stocks", len(stocks)),
		zap.Int("crypto_pairs", len(pairs)),
		zap.Int("currencies", len(currencies)))
	return registered, nil
}

// NewAssetRequest describes an asset added through the admin API
type NewAssetRequest struct {
	AssetType models.AssetType `json:"asset_type" binding:"required"`
	AssetID   string           `json:"asset_id" binding:"required"`
	Name      string           `json:"name"`
	Market    string           `json:"market"`     // stocks: twse or otc
	BaseAsset string           `json:"base_asset"` // crypto
	Quote     string           `json:"quote_asset"`
	FetchKey  string           `json:"fetch_key"`
}

// AddAsset persists a new catalog row and registers it
func (s *Service) AddAsset(ctx context.Context, req NewAssetRequest) (registry.Asset, error) {
	id := strings.TrimSpace(req.AssetID)
	if id == "" {
		return registry.Asset{}, fmt.Errorf("asset id is required")
	}

	var asset models.Trackable
	switch req.AssetType {
	case models.AssetTypeStock:
		market := strings.ToLower(req.Market)
		if market == "" {
			market = "twse"
		}
		if market != "twse" && market != "otc" {
			return registry.Asset{}, fmt.Errorf("unknown stock market %q", req.Market)
		}
		row := models.StockTw{StockCode: id, StockName: req.Name, StockType: market}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return registry.Asset{}, fmt.Errorf("create stock %s: %w", id, err)
		}
		asset = row
	case models.AssetTypeCrypto:
		id = strings.ToUpper(id)
		if req.BaseAsset == "" || req.Quote == "" {
			return registry.Asset{}, fmt.Errorf("base_asset and quote_asset are required for %s", id)
		}
		row := models.CryptoTradingPair{
			TradingPair: id,
			BaseAsset:   strings.ToUpper(req.BaseAsset),
			QuoteAsset:  strings.ToUpper(req.Quote),
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return registry.Asset{}, fmt.Errorf("create trading pair %s: %w", id, err)
		}
		asset = row
	case models.AssetTypeCurrency:
		row := models.Currency{Currency: strings.ToUpper(id)}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return registry.Asset{}, fmt.Errorf("create currency %s: %w", id, err)
		}
		asset = row
	default:
		return registry.Asset{}, fmt.Errorf("%w: %q", models.ErrInvalidAssetType, req.AssetType)
	}

	if err := s.registrar.Register(asset, req.FetchKey); err != nil {
		return registry.Asset{}, err
	}
	s.logger.Info("asset added",
		zap.String("asset_type", string(asset.TrackedType())),
		zap.String("asset_id", asset.TrackedID()))

	return registry.Asset{
		ID:          asset.TrackedID(),
		Type:        asset.TrackedType(),
		DisplayCode: asset.TrackedCode(),
		FetchKey:    firstNonEmpty(req.FetchKey, asset.DefaultFetchKey()),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
