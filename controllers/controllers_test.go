package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_tracker_backend/middleware"
	"stock_tracker_backend/models"
	"stock_tracker_backend/services/catalog"
	"stock_tracker_backend/services/pricecache"
	"stock_tracker_backend/services/registry"
	"stock_tracker_backend/services/subscription"
	"stock_tracker_backend/services/tracking"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubTracking struct {
	triggered []models.AssetType
}

func (s *stubTracking) TriggerImmediateCycle(t models.AssetType) error {
	s.triggered = append(s.triggered, t)
	return nil
}

func (s *stubTracking) Metrics() []tracking.CycleMetrics {
	return []tracking.CycleMetrics{{AssetType: models.AssetTypeStock, State: "idle"}}
}

type stubCatalog struct{}

func (stubCatalog) AddAsset(_ context.Context, req catalog.NewAssetRequest) (registry.Asset, error) {
	return registry.Asset{ID: req.AssetID, Type: req.AssetType}, nil
}

type stubHistory struct{ limit int }

func (h *stubHistory) Recent(_ context.Context, t models.AssetType, id string, limit int) ([]models.PriceRecord, error) {
	h.limit = limit
	return []models.PriceRecord{{AssetType: t, AssetID: id, Price: decimal.NewFromInt(590)}}, nil
}

type fixture struct {
	router  *gin.Engine
	ledger  *subscription.Ledger
	cache   *pricecache.MemoryCache
	tracker *stubTracking
	history *stubHistory
}

// asUser stands in for JWTAuthMiddleware
func asUser(c *gin.Context) {
	if id := c.GetHeader("X-Test-User"); id != "" {
		c.Set(middleware.ContextUserID, id)
	}
	c.Next()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(models.StockTw{StockCode: "2330", StockType: "twse"}, ""))
	require.NoError(t, reg.Register(models.CryptoTradingPair{TradingPair: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"}, ""))

	f := &fixture{
		ledger:  subscription.NewLedger(reg, nil, nil),
		cache:   pricecache.NewMemoryCache(0),
		tracker: &stubTracking{},
		history: &stubHistory{},
	}

	subs := NewSubscriptionController(f.ledger)
	assets := NewAssetController(reg, f.cache, f.history)
	admin := NewAdminController(f.tracker, stubCatalog{}, f.ledger, nil)

	r := gin.New()
	r.Use(asUser)
	r.GET("/assets/:type", assets.List)
	r.GET("/prices/:type/:id", assets.GetPrice)
	r.GET("/prices/:type/:id/history", assets.GetHistory)
	r.GET("/subscriptions", subs.List)
	r.POST("/subscriptions", subs.Create)
	r.DELETE("/subscriptions/:type/:id", subs.Delete)
	r.POST("/admin/tracking/:type/refresh", admin.RefreshTracking)
	r.GET("/admin/tracking/metrics", admin.TrackingMetrics)
	r.POST("/admin/assets", admin.AddAsset)
	r.DELETE("/admin/users/:id/subscriptions", admin.RemoveUserSubscriptions)
	f.router = r
	return f
}

func (f *fixture) do(method, path, user string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestSubscriptionEndpoints_StatusMapping(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/subscriptions", "alice", gin.H{"asset_type": "stock", "asset_id": "2330"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodPost, "/subscriptions", "alice", gin.H{"asset_type": "STOCK_TW", "asset_id": "2330"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/subscriptions", "alice", gin.H{"asset_type": "STOCK_TW", "asset_id": "9999"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/subscriptions", "alice", gin.H{"asset_type": "BOND", "asset_id": "2330"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/subscriptions", "alice", gin.H{"asset_type": "stock"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing asset_id")

	w = f.do(http.MethodGet, "/subscriptions", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []models.Subscription `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "2330", list.Data[0].AssetID)

	w = f.do(http.MethodDelete, "/subscriptions/stock/2330", "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodDelete, "/subscriptions/stock/2330", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/subscriptions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubscriptionDelete_PinnedIsForbidden(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Pin("alice", "BTCUSDT", models.AssetTypeCrypto)
	require.NoError(t, err)

	w := f.do(http.MethodDelete, "/subscriptions/crypto/BTCUSDT", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodDelete, "/admin/users/alice/subscriptions", "admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.ledger.ListUserSubscriptions("alice"))
}

func TestAssetEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/assets/crypto", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "BTCUSDT")

	w = f.do(http.MethodGet, "/prices/stock/2330", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "nothing cached yet")

	require.NoError(t, f.cache.Set(context.Background(), models.PriceSnapshot{
		AssetType: models.AssetTypeStock,
		AssetID:   "2330",
		Price:     decimal.RequireFromString("590.5"),
		FetchedAt: time.Now(),
	}))
	w = f.do(http.MethodGet, "/prices/stock/2330", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"590.5"`)

	w = f.do(http.MethodGet, "/prices/stock/1234", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/prices/stock/2330/history?limit=5", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, f.history.limit)

	w = f.do(http.MethodGet, "/prices/stock/2330/history?limit=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/assets/bond", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/admin/tracking/crypto/refresh", "admin", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []models.AssetType{models.AssetTypeCrypto}, f.tracker.triggered)

	w = f.do(http.MethodPost, "/admin/tracking/bond/refresh", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := f.ledger.Subscribe("bob", "2330", models.AssetTypeStock)
	require.NoError(t, err)
	w = f.do(http.MethodGet, "/admin/tracking/metrics", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			Users         int                     `json:"users"`
			Subscriptions int                     `json:"subscriptions"`
			Schedulers    []tracking.CycleMetrics `json:"schedulers"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Users)
	assert.Equal(t, 1, resp.Data.Subscriptions)
	assert.Len(t, resp.Data.Schedulers, 1)

	w = f.do(http.MethodPost, "/admin/assets", "admin", gin.H{"asset_type": "crypto", "asset_id": "SOLUSDT"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"CRYPTO"`)

	w = f.do(http.MethodPost, "/admin/assets", "admin", gin.H{"asset_type": "bond", "asset_id": "X"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, statusFor(models.ErrSubscriptionPinned))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
