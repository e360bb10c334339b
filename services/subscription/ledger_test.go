package subscription

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_tracker_backend/models"
	"stock_tracker_backend/services/registry"
)

type eventRecorder struct {
	mu   sync.Mutex
	evts []models.SubscriptionChangedEvent
}

func (r *eventRecorder) OnSubscriptionChanged(evt models.SubscriptionChangedEvent) {
	r.mu.Lock()
	r.evts = append(r.evts, evt)
	r.mu.Unlock()
}

func (r *eventRecorder) events() []models.SubscriptionChangedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SubscriptionChangedEvent(nil), r.evts...)
}

func setup(t *testing.T) (*Ledger, *registry.Registry, *eventRecorder) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(models.StockTw{StockCode: "2330", StockType: "twse"}, ""))
	require.NoError(t, reg.Register(models.StockTw{StockCode: "0050", StockType: "twse"}, ""))
	require.NoError(t, reg.Register(models.CryptoTradingPair{TradingPair: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"}, ""))
	rec := &eventRecorder{}
	return NewLedger(reg, rec, nil), reg, rec
}

func TestLedger_SubscribeAndUnsubscribe(t *testing.T) {
	l, reg, rec := setup(t)

	sub, err := l.Subscribe("alice", "2330", models.AssetTypeStock)
	require.NoError(t, err)
	assert.True(t, sub.Removable)
	assert.True(t, reg.IsSubscriber("2330", models.AssetTypeStock, "alice"))

	require.NoError(t, l.Unsubscribe("alice", "2330", models.AssetTypeStock))
	assert.False(t, reg.IsSubscriber("2330", models.AssetTypeStock, "alice"))

	evts := rec.events()
	require.Len(t, evts, 2)
	assert.Equal(t, models.OpSubscribe, evts[0].Op)
	assert.Equal(t, models.OpUnsubscribe, evts[1].Op)
	assert.Equal(t, models.AssetTypeStock, evts[1].AssetType)
}

func TestLedger_DuplicateSubscribeKeepsCardinality(t *testing.T) {
	l, reg, rec := setup(t)

	_, err := l.Subscribe("alice", "2330", models.AssetTypeStock)
	require.NoError(t, err)
	_, err = l.Subscribe("alice", "2330", models.AssetTypeStock)
	assert.ErrorIs(t, err, models.ErrDuplicateSubscription)

	assert.Equal(t, 1, reg.SubscriberCount("2330", models.AssetTypeStock))
	assert.Len(t, rec.events(), 1)
}

func TestLedger_UnsubscribeNotSubscribed(t *testing.T) {
	l, reg, rec := setup(t)
	_, err := l.Subscribe("bob", "2330", models.AssetTypeStock)
	require.NoError(t, err)
	before := reg.SubscriberCount("2330", models.AssetTypeStock)

	err = l.Unsubscribe("alice", "2330", models.AssetTypeStock)
	assert.ErrorIs(t, err, models.ErrNotSubscribed)
	assert.Equal(t, before, reg.SubscriberCount("2330", models.AssetTypeStock))
	assert.Len(t, rec.events(), 1)
}

func TestLedger_UnknownAssetSurfaces(t *testing.T) {
	l, _, rec := setup(t)

	_, err := l.Subscribe("alice", "9999", models.AssetTypeStock)
	assert.ErrorIs(t, err, models.ErrAssetNotFound)
	_, err = l.Subscribe("alice", "2330", models.AssetType("BOND"))
	assert.ErrorIs(t, err, models.ErrInvalidAssetType)

	assert.Empty(t, l.ListUserSubscriptions("alice"))
	assert.Empty(t, rec.events())
}

func TestLedger_PinAndRemoveUser(t *testing.T) {
	l, reg, rec := setup(t)

	_, err := l.Subscribe("alice", "2330", models.AssetTypeStock)
	require.NoError(t, err)
	pinned, err := l.Pin("alice", "2330", models.AssetTypeStock)
	require.NoError(t, err)
	assert.False(t, pinned.Removable)

	_, err = l.Pin("alice", "BTCUSDT", models.AssetTypeCrypto)
	require.NoError(t, err)

	subs := l.ListUserSubscriptions("alice")
	require.Len(t, subs, 2)
	assert.Equal(t, models.AssetTypeCrypto, subs[0].AssetType)
	assert.Equal(t, "2330", subs[1].AssetID)
	assert.False(t, subs[1].Removable)

	users, total := l.Stats()
	assert.Equal(t, 1, users)
	assert.Equal(t, 2, total)

	assert.Equal(t, 2, l.RemoveUser("alice"))
	assert.Empty(t, l.ListUserSubscriptions("alice"))
	assert.False(t, reg.IsSubscriber("2330", models.AssetTypeStock, "alice"))
	assert.False(t, reg.IsSubscriber("BTCUSDT", models.AssetTypeCrypto, "alice"))

	// subscribe, pin-new, two cascade unsubscribes
	assert.Len(t, rec.events(), 4)
}

// Back-to-back subscribe/unsubscribe of the same user must leave the ledger and the
// registry agreeing on one final state.
func TestLedger_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	for round := 0; round < 200; round++ {
		l, reg, _ := setup(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = l.Subscribe("alice", "2330", models.AssetTypeStock)
		}()
		go func() {
			defer wg.Done()
			_ = l.Unsubscribe("alice", "2330", models.AssetTypeStock)
		}()
		wg.Wait()

		_, inLedger := l.Lookup("alice", "2330", models.AssetTypeStock)
		require.Equal(t, inLedger, reg.IsSubscriber("2330", models.AssetTypeStock, "alice"), "round %d", round)

		a, err := reg.Get("2330", models.AssetTypeStock)
		require.NoError(t, err)
		require.Equal(t, a.SubscriberCount > 0, a.HasAnySubscribed)
	}
}

func TestLedger_UnsubscribeRemovableRefusesPinned(t *testing.T) {
	l, reg, _ := setup(t)
	_, err := l.Pin("alice", "2330", models.AssetTypeStock)
	require.NoError(t, err)
	_, err = l.Subscribe("alice", "0050", models.AssetTypeStock)
	require.NoError(t, err)

	assert.ErrorIs(t, l.UnsubscribeRemovable("alice", "2330", models.AssetTypeStock), models.ErrSubscriptionPinned)
	assert.True(t, reg.IsSubscriber("2330", models.AssetTypeStock, "alice"))
	assert.NoError(t, l.UnsubscribeRemovable("alice", "0050", models.AssetTypeStock))
	assert.ErrorIs(t, l.UnsubscribeRemovable("alice", "0050", models.AssetTypeStock), models.ErrNotSubscribed)

	// administrative removal ignores the pin
	assert.NoError(t, l.Unsubscribe("alice", "2330", models.AssetTypeStock))
}

func (l *Ledger) bookCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

func TestLedger_ReadsDoNotRetainUsers(t *testing.T) {
	l, _, _ := setup(t)

	assert.Empty(t, l.ListUserSubscriptions("visitor"))
	_, ok := l.Lookup("visitor", "2330", models.AssetTypeStock)
	assert.False(t, ok)
	assert.ErrorIs(t, l.Unsubscribe("visitor", "2330", models.AssetTypeStock), models.ErrNotSubscribed)
	assert.Zero(t, l.RemoveUser("visitor"))
	_, err := l.Subscribe("visitor", "9999", models.AssetTypeStock)
	assert.ErrorIs(t, err, models.ErrAssetNotFound)
	assert.Zero(t, l.bookCount())

	_, err = l.Subscribe("alice", "2330", models.AssetTypeStock)
	require.NoError(t, err)
	_, err = l.Pin("bob", "0050", models.AssetTypeStock)
	require.NoError(t, err)
	assert.Equal(t, 2, l.bookCount())

	require.NoError(t, l.Unsubscribe("alice", "2330", models.AssetTypeStock))
	assert.Equal(t, 1, l.RemoveUser("bob"))
	assert.Zero(t, l.bookCount())

	// a dropped user can subscribe again
	_, err = l.Subscribe("bob", "0050", models.AssetTypeStock)
	require.NoError(t, err)
	assert.Len(t, l.ListUserSubscriptions("bob"), 1)
}
