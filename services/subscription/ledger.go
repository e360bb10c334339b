// Package subscription keeps the per-user view of asset subscriptions and is the only
// writer of subscriber sets in the asset registry.
package subscription

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"stock_tracker_backend/models"
)

// SubscriberStore is the part of the asset registry the ledger mutates
type SubscriberStore interface {
	AddSubscriber(assetID string, t models.AssetType, userID string) error
	RemoveSubscriber(assetID string, t models.AssetType, userID string) error
}

// Notifier receives an event after every successful ledger mutation. Implementations must not block.
type Notifier interface {
	OnSubscriptionChanged(evt models.SubscriptionChangedEvent)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(evt models.SubscriptionChangedEvent)

func (f NotifierFunc) OnSubscriptionChanged(evt models.SubscriptionChangedEvent) { f(evt) }

type subKey struct {
	assetType models.AssetType
	assetID   string
}

type userBook struct {
	mu   sync.Mutex
	subs map[subKey]models.Subscription
	dead bool // dropped from the ledger; writers must fetch a fresh book
}

// Ledger maps users to their subscriptions
type Ledger struct {
	store    SubscriberStore
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	users map[string]*userBook
}

// NewLedger creates a ledger writing through store. notifier may be nil.
func NewLedger(store SubscriberStore, notifier Notifier, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		users:    make(map[string]*userBook),
	}
}

// SetNotifier replaces the event receiver. Used during wiring when the scheduler is built after the ledger.
func (l *Ledger) SetNotifier(n Notifier) {
	l.mu.Lock()
	l.notifier = n
	l.mu.Unlock()
}

// lockedBook returns the user's book, created on demand, with b.mu held
func (l *Ledger) lockedBook(userID string) *userBook {
	for {
		l.mu.Lock()
		b, ok := l.users[userID]
		if !ok {
			b = &userBook{subs: make(map[subKey]models.Subscription)}
			l.users[userID] = b
		}
		l.mu.Unlock()

		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

// peek returns the user's book without creating one
func (l *Ledger) peek(userID string) *userBook {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.users[userID]
}

// dropIfEmpty removes an empty book from the ledger; caller must hold b.mu
func (l *Ledger) dropIfEmpty(userID string, b *userBook) {
	if len(b.subs) > 0 {
		return
	}
	b.dead = true
	l.mu.Lock()
	if l.users[userID] == b {
		delete(l.users, userID)
	}
	l.mu.Unlock()
}

func (l *Ledger) emit(evts ...models.SubscriptionChangedEvent) {
	l.mu.Lock()
	n := l.notifier
	l.mu.Unlock()
	if n == nil {
		return
	}
	for _, evt := range evts {
		n.OnSubscriptionChanged(evt)
	}
}

// Subscribe adds a removable subscription for the user
func (l *Ledger) Subscribe(userID, assetID string, t models.AssetType) (models.Subscription, error) {
	return l.add(userID, assetID, t, true)
}

// Pin adds a system-pinned subscription the user cannot remove. Pinning an existing
// subscription makes it non-removable without emitting an event.
func (l *Ledger) Pin(userID, assetID string, t models.AssetType) (models.Subscription, error) {
	return l.add(userID, assetID, t, false)
}

func (l *Ledger) add(userID, assetID string, t models.AssetType, removable bool) (models.Subscription, error) {
	if userID == "" || assetID == "" {
		return models.Subscription{}, fmt.Errorf("subscribe: user and asset id are required")
	}
	if !t.Valid() {
		return models.Subscription{}, fmt.Errorf("%w: %q", models.ErrInvalidAssetType, t)
	}

	key := subKey{assetType: t, assetID: assetID}
	b := l.lockedBook(userID)

	if existing, ok := b.subs[key]; ok {
		if removable || !existing.Removable {
			b.mu.Unlock()
			return existing, fmt.Errorf("%w: %s %s %s", models.ErrDuplicateSubscription, userID, t, assetID)
		}
		existing.Removable = false
		b.subs[key] = existing
		b.mu.Unlock()
		return existing, nil
	}
	if err := l.store.AddSubscriber(assetID, t, userID); err != nil {
		l.dropIfEmpty(userID, b)
		b.mu.Unlock()
		return models.Subscription{}, err
	}
	sub := models.Subscription{
		UserID:    userID,
		AssetID:   assetID,
		AssetType: t,
		Removable: removable,
		CreatedAt: l.now(),
	}
	b.subs[key] = sub
	b.mu.Unlock()

	l.logger.Debug("subscription added",
		zap.String("user_id", userID),
		zap.String("asset_type", string(t)),
		zap.String("asset_id", assetID),
		zap.Bool("removable", removable))
	l.emit(models.SubscriptionChangedEvent{UserID: userID, AssetID: assetID, AssetType: t, Op: models.OpSubscribe})
	return sub, nil
}

// Unsubscribe removes the user's subscription to an asset, pinned or not
func (l *Ledger) Unsubscribe(userID, assetID string, t models.AssetType) error {
	return l.remove(userID, assetID, t, true)
}

// UnsubscribeRemovable is Unsubscribe for user-initiated requests: pinned subscriptions
// are refused with models.ErrSubscriptionPinned.
func (l *Ledger) UnsubscribeRemovable(userID, assetID string, t models.AssetType) error {
	return l.remove(userID, assetID, t, false)
}

func (l *Ledger) remove(userID, assetID string, t models.AssetType, allowPinned bool) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidAssetType, t)
	}
	key := subKey{assetType: t, assetID: assetID}
	notSubscribed := fmt.Errorf("%w: %s %s %s", models.ErrNotSubscribed, userID, t, assetID)
	b := l.peek(userID)
	if b == nil {
		return notSubscribed
	}

	b.mu.Lock()
	sub, ok := b.subs[key]
	if !ok {
		b.mu.Unlock()
		return notSubscribed
	}
	if !sub.Removable && !allowPinned {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s %s", models.ErrSubscriptionPinned, t, assetID)
	}
	if err := l.store.RemoveSubscriber(assetID, t, userID); err != nil {
		b.mu.Unlock()
		return err
	}
	delete(b.subs, key)
	l.dropIfEmpty(userID, b)
	b.mu.Unlock()

	l.logger.Debug("subscription removed",
		zap.String("user_id", userID),
		zap.String("asset_type", string(t)),
		zap.String("asset_id", assetID))
	l.emit(models.SubscriptionChangedEvent{UserID: userID, AssetID: assetID, AssetType: t, Op: models.OpUnsubscribe})
	return nil
}

// Lookup returns one subscription of the user
func (l *Ledger) Lookup(userID, assetID string, t models.AssetType) (models.Subscription, bool) {
	b := l.peek(userID)
	if b == nil {
		return models.Subscription{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[subKey{assetType: t, assetID: assetID}]
	return sub, ok
}

// ListUserSubscriptions returns the user's subscriptions ordered by asset type then asset id
func (l *Ledger) ListUserSubscriptions(userID string) []models.Subscription {
	b := l.peek(userID)
	if b == nil {
		return []models.Subscription{}
	}
	b.mu.Lock()
	out := make([]models.Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetType != out[j].AssetType {
			return out[i].AssetType < out[j].AssetType
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out
}

// RemoveUser drops every subscription of a deleted user, pinned ones included.
// Returns the number of subscriptions removed.
func (l *Ledger) RemoveUser(userID string) int {
	b := l.peek(userID)
	if b == nil {
		return 0
	}

	b.mu.Lock()
	evts := make([]models.SubscriptionChangedEvent, 0, len(b.subs))
	for key := range b.subs {
		if err := l.store.RemoveSubscriber(key.assetID, key.assetType, userID); err != nil {
			// asset vanished from the catalog; the ledger entry goes anyway
			l.logger.Warn("remove subscriber on user removal",
				zap.String("user_id", userID),
				zap.String("asset_id", key.assetID),
				zap.Error(err))
		}
		delete(b.subs, key)
		evts = append(evts, models.SubscriptionChangedEvent{
			UserID: userID, AssetID: key.assetID, AssetType: key.assetType, Op: models.OpUnsubscribe,
		})
	}
	l.dropIfEmpty(userID, b)
	b.mu.Unlock()

	if len(evts) > 0 {
		l.logger.Info("user subscriptions removed", zap.String("user_id", userID), zap.Int("count", len(evts)))
	}
	l.emit(evts...)
	return len(evts)
}

// Stats returns the number of users with at least one subscription and the total subscription count
func (l *Ledger) Stats() (users, subscriptions int) {
	l.mu.Lock()
	books := make([]*userBook, 0, len(l.users))
	for _, b := range l.users {
		books = append(books, b)
	}
	l.mu.Unlock()

	for _, b := range books {
		b.mu.Lock()
		if n := len(b.subs); n > 0 {
			users++
			subscriptions += n
		}
		b.mu.Unlock()
	}
	return users, subscriptions
}
