package models

import (
	"errors"
	"fmt"
	"strings"
)

// AssetType discriminates the three trackable asset classes
type AssetType string

const (
	AssetTypeStock    AssetType = "STOCK_TW"
	AssetTypeCrypto   AssetType = "CRYPTO"
	AssetTypeCurrency AssetType = "CURRENCY"
)

// AllAssetTypes returns every supported asset type in a stable order
func AllAssetTypes() []AssetType {
	return []AssetType{AssetTypeStock, AssetTypeCrypto, AssetTypeCurrency}
}

// Valid reports whether t is a supported asset type
func (t AssetType) Valid() bool {
	switch t {
	case AssetTypeStock, AssetTypeCrypto, AssetTypeCurrency:
		return true
	}
	return false
}

// ParseAssetType parses a case-insensitive asset type name.
// Accepts the short aliases used in URLs: stock, crypto, currency.
func ParseAssetType(s string) (AssetType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STOCK_TW", "STOCK":
		return AssetTypeStock, nil
	case "CRYPTO":
		return AssetTypeCrypto, nil
	case "CURRENCY":
		return AssetTypeCurrency, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAssetType, s)
}

// WebsocketAction tells a client how to treat a pushed payload
type WebsocketAction string

const (
	// ActionChartInitializedDone marks the first payload of an asset in a session (initial backfill)
	ActionChartInitializedDone WebsocketAction = "chartInitializedDone"
	// ActionSubscribe marks a live update
	ActionSubscribe WebsocketAction = "subscribe"
)

// Trackable is implemented by every catalog variant that can be registered for tracking
type Trackable interface {
	TrackedType() AssetType
	TrackedID() string
	TrackedCode() string
	DefaultFetchKey() string
}

// Error taxonomy shared by the registry, the ledger and the HTTP layer
var (
	ErrAssetNotFound         = errors.New("asset not found")
	ErrDuplicateSubscription = errors.New("duplicate subscription")
	ErrNotSubscribed         = errors.New("not subscribed")
	ErrSubscriptionPinned    = errors.New("subscription is pinned")
	ErrInvalidAssetType      = errors.New("invalid asset type")
	ErrUpstreamRejected      = errors.New("upstream rejected request")
)
