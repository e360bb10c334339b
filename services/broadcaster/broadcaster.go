// Package broadcaster pushes fetched prices to the subscribers of each asset.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"stock_tracker_backend/models"
)

// PushSink delivers a payload to a set of users. Delivery guarantees belong to the sink.
type PushSink interface {
	Send(ctx context.Context, userIDs []string, payload models.PricePayload, action models.WebsocketAction) error
}

// SubscriberSource returns the current subscribers of an asset
type SubscriberSource interface {
	Subscribers(assetID string, t models.AssetType) []string
}

// BroadcastError reports a failed send for one asset and action group. It is never retried.
type BroadcastError struct {
	AssetType models.AssetType
	AssetID   string
	Action    models.WebsocketAction
	Users     int
	Err       error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast %s %s (%s to %d users): %v", e.AssetType, e.AssetID, e.Action, e.Users, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

type deliveryKey struct {
	userID    string
	assetType models.AssetType
	assetID   string
}

// Broadcaster tracks which users already received an asset in their current session so
// the first payload is tagged chartInitializedDone and later ones subscribe.
type Broadcaster struct {
	sink   PushSink
	subs   SubscriberSource
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	delivered map[deliveryKey]struct{}
	// epochs stop an in-flight publish from resurrecting cleared state: session is bumped by ResetUser,
	// asset by Forget of that one asset
	session map[string]uint64
	asset   map[deliveryKey]uint64
}

type epochStamp struct {
	session uint64
	asset   uint64
}

// New creates a Broadcaster
func New(sink PushSink, subs SubscriberSource, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		sink:      sink,
		subs:      subs,
		logger:    logger,
		now:       time.Now,
		delivered: make(map[deliveryKey]struct{}),
		session:   make(map[string]uint64),
		asset:     make(map[deliveryKey]uint64),
	}
}

// Publish sends every result to the asset's current subscribers, at most once per action group.
// Returned errors are *BroadcastError values joined together.
func (b *Broadcaster) Publish(ctx context.Context, t models.AssetType, results map[string]models.PriceSnapshot) error {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	stamp := b.now().Format(time.RFC3339)
	for _, id := range ids {
		users := b.subs.Subscribers(id, t)
		if len(users) == 0 {
			continue
		}
		fresh, live, epochs := b.split(t, id, users)

		payload := models.PricePayload{AssetType: t, AssetID: id, Data: results[id], Time: stamp}
		if len(fresh) > 0 {
			payload.Action = models.ActionChartInitializedDone
			if err := b.sink.Send(ctx, fresh, payload, payload.Action); err != nil {
				errs = append(errs, &BroadcastError{AssetType: t, AssetID: id, Action: payload.Action, Users: len(fresh), Err: err})
			} else {
				b.markDelivered(t, id, fresh, epochs)
			}
		}
		if len(live) > 0 {
			payload.Action = models.ActionSubscribe
			if err := b.sink.Send(ctx, live, payload, payload.Action); err != nil {
				errs = append(errs, &BroadcastError{AssetType: t, AssetID: id, Action: payload.Action, Users: len(live), Err: err})
			}
		}
	}

	if len(errs) > 0 {
		b.logger.Warn("broadcast failures",
			zap.String("asset_type", string(t)),
			zap.Int("assets", len(ids)),
			zap.Int("failures", len(errs)))
	}
	return errors.Join(errs...)
}

func (b *Broadcaster) split(t models.AssetType, assetID string, users []string) (fresh, live []string, epochs []epochStamp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range users {
		key := deliveryKey{userID: u, assetType: t, assetID: assetID}
		if _, ok := b.delivered[key]; ok {
			live = append(live, u)
			continue
		}
		fresh = append(fresh, u)
		epochs = append(epochs, epochStamp{session: b.session[u], asset: b.asset[key]})
	}
	return fresh, live, epochs
}

func (b *Broadcaster) markDelivered(t models.AssetType, assetID string, users []string, epochs []epochStamp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, u := range users {
		key := deliveryKey{userID: u, assetType: t, assetID: assetID}
		if b.session[u] != epochs[i].session || b.asset[key] != epochs[i].asset {
			continue
		}
		b.delivered[key] = struct{}{}
	}
}

// Forget clears the delivery state of one user and asset, so the next payload is an initialization again
func (b *Broadcaster) Forget(userID string, t models.AssetType, assetID string) {
	key := deliveryKey{userID: userID, assetType: t, assetID: assetID}
	b.mu.Lock()
	delete(b.delivered, key)
	b.asset[key]++
	b.mu.Unlock()
}

// ResetUser starts a new session for the user, e.g. after a websocket reconnect
func (b *Broadcaster) ResetUser(userID string) {
	b.mu.Lock()
	for k := range b.delivered {
		if k.userID == userID {
			delete(b.delivered, k)
		}
	}
	b.session[userID]++
	b.mu.Unlock()
}

// Delivered reports whether the user already received an initialization payload for the asset
func (b *Broadcaster) Delivered(userID string, t models.AssetType, assetID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.delivered[deliveryKey{userID: userID, assetType: t, assetID: assetID}]
	return ok
}
