package fetcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"stock_tracker_backend/models"
	"stock_tracker_backend/services/workingset"
)

// Upstream routes calls to the client of each asset type. Identical routes in flight at the
// same time are issued once, across every coordinator sharing the Upstream.
type Upstream struct {
	clients map[models.AssetType]MarketDataClient
	timeout time.Duration
	now     func() time.Time
	group   singleflight.Group

	calls atomic.Int64
}

// NewUpstream creates an Upstream. timeout bounds every call, also for clients that ignore ctx.
func NewUpstream(clients map[models.AssetType]MarketDataClient, timeout time.Duration) *Upstream {
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &Upstream{clients: clients, timeout: timeout, now: time.Now}
}

// Calls returns the number of upstream calls issued
func (u *Upstream) Calls() int64 { return u.calls.Load() }

// Fetch returns the quote of one route. Concurrent callers of the same route share one call;
// the call runs detached from any single caller's cancellation, while each caller still
// stops waiting when its own ctx ends.
func (u *Upstream) Fetch(ctx context.Context, r workingset.Route) (models.PriceSnapshot, error) {
	client, ok := u.clients[r.Type]
	if !ok || client == nil {
		return models.PriceSnapshot{}, fmt.Errorf("no market data client for %s", r.Type)
	}

	ch := u.group.DoChan(r.String(), func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
		defer cancel()
		return u.call(callCtx, client, r)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.PriceSnapshot{}, res.Err
		}
		return res.Val.(models.PriceSnapshot), nil
	case <-ctx.Done():
		return models.PriceSnapshot{}, fmt.Errorf("fetch %s: %w", r, ctx.Err())
	}
}

type callResult struct {
	snap models.PriceSnapshot
	err  error
}

func (u *Upstream) call(ctx context.Context, client MarketDataClient, r workingset.Route) (models.PriceSnapshot, error) {
	u.calls.Add(1)
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- callResult{err: fmt.Errorf("market data client panic: %v", p)}
			}
		}()
		snap, err := client.FetchPrice(ctx, r.Type, r.Key)
		done <- callResult{snap: snap, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && res.snap.FetchedAt.IsZero() {
			res.snap.FetchedAt = u.now()
		}
		return res.snap, res.err
	case <-ctx.Done():
		return models.PriceSnapshot{}, fmt.Errorf("fetch %s: %w", r, ctx.Err())
	}
}
