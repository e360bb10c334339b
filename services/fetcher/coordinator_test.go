package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_tracker_backend/models"
	"stock_tracker_backend/services/workingset"
)

type fakeClient struct {
	mu       sync.Mutex
	calls    map[string]int
	delay    map[string]time.Duration
	errs     map[string]error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		calls: make(map[string]int),
		delay: make(map[string]time.Duration),
		errs:  make(map[string]error),
	}
}

func (f *fakeClient) FetchPrice(ctx context.Context, t models.AssetType, key string) (models.PriceSnapshot, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[key]++
	d := f.delay[key]
	err := f.errs[key]
	f.mu.Unlock()

	// deliberately ignores ctx
	time.Sleep(d)
	if err != nil {
		return models.PriceSnapshot{}, err
	}
	return models.PriceSnapshot{FetchKey: key, Price: decimal.NewFromInt(int64(len(key)))}, nil
}

func (f *fakeClient) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func stockSet(entries ...workingset.Entry) workingset.WorkingSet {
	for i := range entries {
		entries[i].AssetType = models.AssetTypeStock
	}
	return workingset.WorkingSet{AssetType: models.AssetTypeStock, Entries: entries}
}

func TestFetch_PartialFailureAndTimeout(t *testing.T) {
	client := newFakeClient()
	client.delay["slow"] = 300 * time.Millisecond
	client.errs["bad"] = fmt.Errorf("status 429: %w", models.ErrUpstreamRejected)
	client.errs["odd"] = errors.New("boom")

	c := NewCoordinator(models.AssetTypeStock, client, Config{MaxConcurrency: 4, Timeout: 30 * time.Millisecond}, nil)
	res := c.Fetch(context.Background(), stockSet(
		workingset.Entry{AssetID: "A", FetchKey: "fast"},
		workingset.Entry{AssetID: "B", FetchKey: "slow"},
		workingset.Entry{AssetID: "C", FetchKey: "bad"},
		workingset.Entry{AssetID: "D", FetchKey: "odd"},
	))

	require.Len(t, res, 4)
	require.True(t, res["A"].OK())
	assert.Equal(t, "A", res["A"].Snapshot.AssetID)
	assert.Equal(t, models.AssetTypeStock, res["A"].Snapshot.AssetType)
	assert.False(t, res["A"].Snapshot.FetchedAt.IsZero())

	require.NotNil(t, res["B"].Err)
	assert.Equal(t, KindTimeout, res["B"].Err.Kind)
	assert.ErrorIs(t, res["B"].Err, context.DeadlineExceeded)
	assert.Equal(t, KindUpstreamRejected, res["C"].Err.Kind)
	assert.Equal(t, KindUnknown, res["D"].Err.Kind)
	assert.Equal(t, "D", res["D"].Err.AssetID)
}

func TestFetch_SharedKeyFetchedOnce(t *testing.T) {
	client := newFakeClient()
	c := NewCoordinator(models.AssetTypeCrypto, client, Config{}, nil)

	ws := workingset.WorkingSet{AssetType: models.AssetTypeCrypto, Entries: []workingset.Entry{
		{AssetID: "BTCUSDT", AssetType: models.AssetTypeCrypto, FetchKey: "BTC-SPOT"},
		{AssetID: "BTCBUSD", AssetType: models.AssetTypeCrypto, FetchKey: "BTC-SPOT"},
		{AssetID: "ETHUSDT", AssetType: models.AssetTypeCrypto, FetchKey: "ETHUSDT"},
	}}
	res := c.Fetch(context.Background(), ws)

	assert.Equal(t, 1, client.callCount("BTC-SPOT"))
	assert.Equal(t, int64(2), c.Calls())
	require.True(t, res["BTCUSDT"].OK())
	require.True(t, res["BTCBUSD"].OK())
	assert.True(t, res["BTCUSDT"].Snapshot.Price.Equal(res["BTCBUSD"].Snapshot.Price))
	assert.Equal(t, "BTCBUSD", res["BTCBUSD"].Snapshot.AssetID)
	assert.Equal(t, "BTC-SPOT", res["BTCBUSD"].Snapshot.FetchKey)
}

func TestFetch_BoundedConcurrency(t *testing.T) {
	client := newFakeClient()
	var entries []workingset.Entry
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%02d", i)
		client.delay[key] = 10 * time.Millisecond
		entries = append(entries, workingset.Entry{AssetID: key, FetchKey: key})
	}

	c := NewCoordinator(models.AssetTypeStock, client, Config{MaxConcurrency: 3, Timeout: time.Second}, nil)
	res := c.Fetch(context.Background(), stockSet(entries...))

	assert.Len(t, res, 20)
	assert.LessOrEqual(t, client.maxSeen.Load(), int32(3))
}

func TestFetch_EmptyWorkingSet(t *testing.T) {
	client := newFakeClient()
	c := NewCoordinator(models.AssetTypeStock, client, Config{}, nil)
	assert.Empty(t, c.Fetch(context.Background(), stockSet()))
	assert.Zero(t, c.Calls())
}

// gateClient holds every call until release is closed and honours ctx meanwhile
type gateClient struct {
	release chan struct{}
	calls   atomic.Int32
	types   sync.Map
}

func (g *gateClient) FetchPrice(ctx context.Context, t models.AssetType, key string) (models.PriceSnapshot, error) {
	g.calls.Add(1)
	g.types.Store(key, t)
	select {
	case <-g.release:
		return models.PriceSnapshot{FetchKey: key, Price: decimal.RequireFromString("67000.5")}, nil
	case <-ctx.Done():
		return models.PriceSnapshot{}, ctx.Err()
	}
}

func TestSharedUpstream_CrossTypeRouteFetchedOnce(t *testing.T) {
	client := &gateClient{release: make(chan struct{})}
	up := NewUpstream(map[models.AssetType]MarketDataClient{models.AssetTypeCrypto: client}, time.Second)
	crypto := NewSharedCoordinator(models.AssetTypeCrypto, up, Config{Timeout: time.Second}, nil)
	currency := NewSharedCoordinator(models.AssetTypeCurrency, up, Config{Timeout: time.Second}, nil)

	cryptoSet := workingset.WorkingSet{AssetType: models.AssetTypeCrypto, Entries: []workingset.Entry{
		{AssetID: "BTCUSDT", AssetType: models.AssetTypeCrypto, FetchKey: "BTCUSDT"},
	}}
	currencySet := workingset.WorkingSet{AssetType: models.AssetTypeCurrency, Entries: []workingset.Entry{
		{AssetID: "BTC", AssetType: models.AssetTypeCurrency, FetchKey: "BTCUSDT", FetchType: models.AssetTypeCrypto},
	}}

	var wg sync.WaitGroup
	var cryptoRes, currencyRes map[string]Result
	wg.Add(2)
	go func() { defer wg.Done(); cryptoRes = crypto.Fetch(context.Background(), cryptoSet) }()
	require.Eventually(t, func() bool { return client.calls.Load() == 1 }, time.Second, time.Millisecond)
	go func() { defer wg.Done(); currencyRes = currency.Fetch(context.Background(), currencySet) }()
	require.Eventually(t, func() bool { return currency.Calls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let the second caller join the in-flight call
	close(client.release)
	wg.Wait()

	assert.Equal(t, int32(1), client.calls.Load())
	assert.Equal(t, int64(1), up.Calls())
	served, _ := client.types.Load("BTCUSDT")
	assert.Equal(t, models.AssetTypeCrypto, served)

	require.True(t, cryptoRes["BTCUSDT"].OK())
	require.True(t, currencyRes["BTC"].OK())
	assert.Equal(t, models.AssetTypeCurrency, currencyRes["BTC"].Snapshot.AssetType)
	assert.Equal(t, "BTC", currencyRes["BTC"].Snapshot.AssetID)
	assert.True(t, currencyRes["BTC"].Snapshot.Price.Equal(cryptoRes["BTCUSDT"].Snapshot.Price))
}

func TestSharedUpstream_CallerDeadlineDoesNotCancelJoinedCall(t *testing.T) {
	client := &gateClient{release: make(chan struct{})}
	up := NewUpstream(map[models.AssetType]MarketDataClient{models.AssetTypeCrypto: client}, time.Second)
	route := workingset.Route{Type: models.AssetTypeCrypto, Key: "ETHUSDT"}

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	shortErr := make(chan error, 1)
	go func() {
		_, err := up.Fetch(short, route)
		shortErr <- err
	}()
	require.Eventually(t, func() bool { return client.calls.Load() == 1 }, time.Second, time.Millisecond)

	longRes := make(chan error, 1)
	go func() {
		_, err := up.Fetch(context.Background(), route)
		longRes <- err
	}()

	assert.ErrorIs(t, <-shortErr, context.DeadlineExceeded)
	time.Sleep(20 * time.Millisecond) // the second caller is waiting on the same call
	close(client.release)
	assert.NoError(t, <-longRes)
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestSharedUpstream_UnknownClientType(t *testing.T) {
	up := NewUpstream(map[models.AssetType]MarketDataClient{}, time.Second)
	_, err := up.Fetch(context.Background(), workingset.Route{Type: models.AssetTypeStock, Key: "tse_2330.tw"})
	assert.Error(t, err)
}
