// Package registry holds the canonical records of trackable assets and their subscriber sets.
//
// The registry lock only guards record membership; every record carries its own
// mutex so subscriptions on unrelated assets never contend.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"stock_tracker_backend/models"
)

// Asset is a point-in-time copy of a registry record
type Asset struct {
	ID               string           `json:"id"`
	Type             models.AssetType `json:"type"`
	DisplayCode      string           `json:"display_code"`
	FetchKey         string           `json:"fetch_key"`
	Subscribers      []string         `json:"-"`
	SubscriberCount  int              `json:"subscriber_count"`
	HasAnySubscribed bool             `json:"has_any_subscribed"`
	LastTrackedAt    time.Time        `json:"last_tracked_at"`
}

type record struct {
	mu               sync.RWMutex
	id               string
	assetType        models.AssetType
	displayCode      string
	fetchKey         string
	subscribers      map[string]struct{}
	hasAnySubscribed bool
	lastTrackedAt    time.Time
}

// snapshot copies the record; caller must hold r.mu
func (r *record) snapshot(withSubscribers bool) Asset {
	a := Asset{
		ID:               r.id,
		Type:             r.assetType,
		DisplayCode:      r.displayCode,
		FetchKey:         r.fetchKey,
		SubscriberCount:  len(r.subscribers),
		HasAnySubscribed: r.hasAnySubscribed,
		LastTrackedAt:    r.lastTrackedAt,
	}
	if withSubscribers {
		a.Subscribers = sortedKeys(r.subscribers)
	}
	return a
}

// Registry owns every Asset record and its subscriber set
type Registry struct {
	mu      sync.RWMutex
	records map[models.AssetType]map[string]*record
}

// New creates an empty registry
func New() *Registry {
	r := &Registry{records: make(map[models.AssetType]map[string]*record)}
	for _, t := range models.AllAssetTypes() {
		r.records[t] = make(map[string]*record)
	}
	return r
}

// Register inserts or updates a catalog record. Existing subscriber sets are preserved.
// An empty fetchKey falls back to the variant's default key.
func (r *Registry) Register(asset models.Trackable, fetchKey string) error {
	t := asset.TrackedType()
	if !t.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidAssetType, t)
	}
	id := asset.TrackedID()
	if id == "" {
		return fmt.Errorf("register %s: empty asset id", t)
	}
	if fetchKey == "" {
		fetchKey = asset.DefaultFetchKey()
	}

	r.mu.Lock()
	rec, ok := r.records[t][id]
	if !ok {
		rec = &record{id: id, assetType: t, subscribers: make(map[string]struct{})}
		r.records[t][id] = rec
	}
	r.mu.Unlock()

	rec.mu.Lock()
	rec.displayCode = asset.TrackedCode()
	rec.fetchKey = fetchKey
	rec.mu.Unlock()
	return nil
}

func (r *Registry) lookup(assetID string, t models.AssetType) (*record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidAssetType, t)
	}
	r.mu.RLock()
	rec, ok := r.records[t][assetID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", models.ErrAssetNotFound, t, assetID)
	}
	return rec, nil
}

// AddSubscriber adds userID to the asset's subscriber set. Adding an existing subscriber is a no-op.
func (r *Registry) AddSubscriber(assetID string, t models.AssetType, userID string) error {
	rec, err := r.lookup(assetID, t)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.subscribers[userID] = struct{}{}
	rec.hasAnySubscribed = len(rec.subscribers) > 0
	rec.mu.Unlock()
	return nil
}

// RemoveSubscriber removes userID from the asset's subscriber set. Removing a non-subscriber is a no-op.
func (r *Registry) RemoveSubscriber(assetID string, t models.AssetType, userID string) error {
	rec, err := r.lookup(assetID, t)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	delete(rec.subscribers, userID)
	rec.hasAnySubscribed = len(rec.subscribers) > 0
	rec.mu.Unlock()
	return nil
}

// IsSubscriber reports whether userID subscribes to the asset. Unknown assets report false.
func (r *Registry) IsSubscriber(assetID string, t models.AssetType, userID string) bool {
	rec, err := r.lookup(assetID, t)
	if err != nil {
		return false
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	_, ok := rec.subscribers[userID]
	return ok
}

// Subscribers returns the sorted subscriber IDs of an asset
func (r *Registry) Subscribers(assetID string, t models.AssetType) []string {
	rec, err := r.lookup(assetID, t)
	if err != nil {
		return nil
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return sortedKeys(rec.subscribers)
}

// SubscriberCount returns the number of subscribers of an asset
func (r *Registry) SubscriberCount(assetID string, t models.AssetType) int {
	rec, err := r.lookup(assetID, t)
	if err != nil {
		return 0
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return len(rec.subscribers)
}

// Get returns a copy of one asset record including its subscribers
func (r *Registry) Get(assetID string, t models.AssetType) (Asset, error) {
	rec, err := r.lookup(assetID, t)
	if err != nil {
		return Asset{}, err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.snapshot(true), nil
}

// List returns every asset of a type ordered by ID
func (r *Registry) List(t models.AssetType) []Asset {
	return r.collect(t, false)
}

// ListSubscribedAssets returns the assets of a type that have at least one subscriber, ordered by ID
func (r *Registry) ListSubscribedAssets(t models.AssetType) []Asset {
	return r.collect(t, true)
}

func (r *Registry) collect(t models.AssetType, subscribedOnly bool) []Asset {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records[t]))
	for _, rec := range r.records[t] {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]Asset, 0, len(recs))
	for _, rec := range recs {
		rec.mu.RLock()
		if !subscribedOnly || rec.hasAnySubscribed {
			out = append(out, rec.snapshot(subscribedOnly))
		}
		rec.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkTracked records the time of the last successful fetch of an asset
func (r *Registry) MarkTracked(assetID string, t models.AssetType, at time.Time) {
	rec, err := r.lookup(assetID, t)
	if err != nil {
		return
	}
	rec.mu.Lock()
	if at.After(rec.lastTrackedAt) {
		rec.lastTrackedAt = at
	}
	rec.mu.Unlock()
}

// Count returns the number of registered assets of a type
func (r *Registry) Count(t models.AssetType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records[t])
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
