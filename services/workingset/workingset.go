// Package workingset derives the set of assets a tracking cycle has to fetch.
package workingset

import (
	"fmt"
	"sort"
	"strings"

	"stock_tracker_backend/models"
	"stock_tracker_backend/services/registry"
)

// Source lists the assets of a type that currently have subscribers
type Source interface {
	ListSubscribedAssets(t models.AssetType) []registry.Asset
}

// Route names the upstream call that serves an asset: the asset type whose client answers
// and the key sent to it. Equal routes are one call, whatever asset type the records belong to.
type Route struct {
	Type models.AssetType
	Key  string
}

func (r Route) String() string { return string(r.Type) + ":" + r.Key }

// DedupMapping overrides the route of individual assets so that records resolving to
// the same market instrument are fetched once, also across asset types. Keyed by asset
// type, then asset ID.
type DedupMapping map[models.AssetType]map[string]Route

// ParseDedupKeys parses "TYPE:assetID=key,TYPE:assetID=FETCHTYPE:key". Without FETCHTYPE the
// key is served by the record's own type. Types accept the same aliases as models.ParseAssetType.
func ParseDedupKeys(raw string) (DedupMapping, error) {
	m := DedupMapping{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		typ, rest, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("dedup key %q: missing asset type", part)
		}
		id, key, ok := strings.Cut(rest, "=")
		id, key = strings.TrimSpace(id), strings.TrimSpace(key)
		if !ok || id == "" || key == "" {
			return nil, fmt.Errorf("dedup key %q: expected assetID=key", part)
		}
		t, err := models.ParseAssetType(typ)
		if err != nil {
			return nil, fmt.Errorf("dedup key %q: %w", part, err)
		}
		route := Route{Type: t, Key: key}
		if prefix, rest, ok := strings.Cut(key, ":"); ok {
			ft, err := models.ParseAssetType(prefix)
			if err != nil {
				return nil, fmt.Errorf("dedup key %q: %w", part, err)
			}
			if rest = strings.TrimSpace(rest); rest == "" {
				return nil, fmt.Errorf("dedup key %q: empty fetch key", part)
			}
			route = Route{Type: ft, Key: rest}
		}
		if m[t] == nil {
			m[t] = make(map[string]Route)
		}
		m[t][id] = route
	}
	return m, nil
}

// RouteFor returns the configured route for an asset, or fallbackKey on the asset's own type
func (m DedupMapping) RouteFor(t models.AssetType, assetID, fallbackKey string) Route {
	if r, ok := m[t][assetID]; ok {
		return r
	}
	return Route{Type: t, Key: fallbackKey}
}

// Entry is one asset in a working set
type Entry struct {
	AssetID         string           `json:"asset_id"`
	AssetType       models.AssetType `json:"asset_type"`
	SubscriberCount int              `json:"subscriber_count"` // informational only
	FetchKey        string           `json:"fetch_key"`
	FetchType       models.AssetType `json:"fetch_type"` // client type serving FetchKey
	Priority        bool             `json:"priority"`
}

// Route returns the upstream call serving the entry
func (e Entry) Route() Route {
	t := e.FetchType
	if t == "" {
		t = e.AssetType
	}
	return Route{Type: t, Key: e.FetchKey}
}

// Group is the set of assets served by one upstream call
type Group struct {
	FetchType models.AssetType
	FetchKey  string
	AssetIDs  []string
}

// Route returns the upstream call serving the group
func (g Group) Route() Route { return Route{Type: g.FetchType, Key: g.FetchKey} }

// WorkingSet is the ordered, deduplicated list of assets one cycle fetches
type WorkingSet struct {
	AssetType models.AssetType
	Entries   []Entry
}

func (w WorkingSet) Len() int    { return len(w.Entries) }
func (w WorkingSet) Empty() bool { return len(w.Entries) == 0 }

// AssetIDs returns the asset IDs in fetch order
func (w WorkingSet) AssetIDs() []string {
	ids := make([]string, len(w.Entries))
	for i, e := range w.Entries {
		ids[i] = e.AssetID
	}
	return ids
}

// Groups returns one group per route, ordered by the first entry that uses the route
func (w WorkingSet) Groups() []Group {
	index := make(map[Route]int, len(w.Entries))
	var groups []Group
	for _, e := range w.Entries {
		r := e.Route()
		i, ok := index[r]
		if !ok {
			i = len(groups)
			index[r] = i
			groups = append(groups, Group{FetchType: r.Type, FetchKey: r.Key})
		}
		groups[i].AssetIDs = append(groups[i].AssetIDs, e.AssetID)
	}
	return groups
}

// Computer builds working sets from the registry's current state
type Computer struct {
	source  Source
	mapping DedupMapping
}

// NewComputer creates a Computer. mapping may be nil.
func NewComputer(source Source, mapping DedupMapping) *Computer {
	return &Computer{source: source, mapping: mapping}
}

// Compute returns the subscribed assets of a type. Assets in priority (failed last cycle)
// come first, then higher subscriber counts, then asset ID.
func (c *Computer) Compute(t models.AssetType, priority map[string]struct{}) WorkingSet {
	assets := c.source.ListSubscribedAssets(t)
	entries := make([]Entry, 0, len(assets))
	for _, a := range assets {
		route := c.mapping.RouteFor(t, a.ID, a.FetchKey)
		if route.Key == "" {
			route.Key = a.ID
		}
		_, prio := priority[a.ID]
		entries = append(entries, Entry{
			AssetID:         a.ID,
			AssetType:       t,
			SubscriberCount: a.SubscriberCount,
			FetchKey:        route.Key,
			FetchType:       route.Type,
			Priority:        prio,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority
		}
		if a.SubscriberCount != b.SubscriberCount {
			return a.SubscriberCount > b.SubscriberCount
		}
		return a.AssetID < b.AssetID
	})
	return WorkingSet{AssetType: t, Entries: entries}
}
