// Package fetcher executes the fetch phase of a tracking cycle.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"stock_tracker_backend/models"
	"stock_tracker_backend/services/workingset"
)

// MarketDataClient fetches one quote from an upstream provider. One client serves one asset type.
type MarketDataClient interface {
	FetchPrice(ctx context.Context, t models.AssetType, fetchKey string) (models.PriceSnapshot, error)
}

// ErrorKind classifies a per-asset fetch failure
type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindUpstreamRejected ErrorKind = "upstream_rejected"
	KindUnknown          ErrorKind = "unknown"
)

// FetchError is a per-asset failure scoped to one cycle
type FetchError struct {
	Kind     ErrorKind
	AssetID  string
	FetchKey string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %s: %v", e.AssetID, e.FetchKey, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Classify maps a client error to an ErrorKind
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, models.ErrUpstreamRejected):
		return KindUpstreamRejected
	default:
		return KindUnknown
	}
}

// Result is the outcome for one asset
type Result struct {
	Snapshot models.PriceSnapshot
	Err      *FetchError
}

func (r Result) OK() bool { return r.Err == nil }

// Config holds coordinator configuration
type Config struct {
	MaxConcurrency int           // max in-flight upstream calls (default: 8)
	Timeout        time.Duration // per-call timeout (default: 10s)
}

// DefaultConfig returns the defaults used when a field is zero
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 8,
		Timeout:        10 * time.Second,
	}
}

// Coordinator fans out the calls of one cycle for one asset type
type Coordinator struct {
	assetType models.AssetType
	upstream  *Upstream
	cfg       Config
	sem       *semaphore.Weighted
	logger    *zap.Logger
	now       func() time.Time

	calls atomic.Int64
}

// NewCoordinator creates a coordinator for one asset type with a private Upstream over client
func NewCoordinator(t models.AssetType, client MarketDataClient, cfg Config, logger *zap.Logger) *Coordinator {
	return NewSharedCoordinator(t, NewUpstream(map[models.AssetType]MarketDataClient{t: client}, cfg.Timeout), cfg, logger)
}

// NewSharedCoordinator creates a coordinator whose calls go through up. Coordinators of
// different asset types sharing up issue one call for a route they fetch at the same time.
func NewSharedCoordinator(t models.AssetType, up *Upstream, cfg Config, logger *zap.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		assetType: t,
		upstream:  up,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:    logger.With(zap.String("asset_type", string(t))),
		now:       time.Now,
	}
}

// Calls returns the number of calls this coordinator requested, joined calls included
func (c *Coordinator) Calls() int64 { return c.calls.Load() }

// Fetch issues one upstream call per fetch key of the working set and returns a result for
// every asset in it. Failed calls are not retried.
func (c *Coordinator) Fetch(ctx context.Context, ws workingset.WorkingSet) map[string]Result {
	groups := ws.Groups()
	results := make(map[string]Result, ws.Len())
	if len(groups) == 0 {
		return results
	}

	start := c.now()
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	for _, g := range groups {
		wg.Add(1)
		go func(g workingset.Group) {
			defer wg.Done()

			snap, err := c.fetchGroup(ctx, g.Route())

			mu.Lock()
			defer mu.Unlock()
			for _, id := range g.AssetIDs {
				if err != nil {
					results[id] = Result{Err: &FetchError{
						Kind:     Classify(err),
						AssetID:  id,
						FetchKey: g.FetchKey,
						Err:      err,
					}}
					continue
				}
				s := snap
				s.AssetID = id
				s.AssetType = c.assetType
				s.FetchKey = g.FetchKey
				results[id] = Result{Snapshot: s}
			}
			if err != nil {
				failed.Add(int64(len(g.AssetIDs)))
			}
		}(g)
	}
	wg.Wait()

	c.logger.Debug("fetch complete",
		zap.Int("assets", ws.Len()),
		zap.Int("calls", len(groups)),
		zap.Int64("failed", failed.Load()),
		zap.Duration("duration", time.Since(start)))
	return results
}

// fetchGroup runs one upstream call bounded by the semaphore and the per-call timeout.
// The timeout holds even if the client ignores its context.
func (c *Coordinator) fetchGroup(ctx context.Context, r workingset.Route) (models.PriceSnapshot, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return models.PriceSnapshot{}, err
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.calls.Add(1)
	return c.upstream.Fetch(ctx, r)
}
