// Package tracking runs the periodic fetch-and-broadcast cycles of each asset type.
//
// Each asset type has its own Scheduler goroutine. A scheduler runs at most one cycle at a
// time; triggers arriving while a cycle is in flight are collapsed into one follow-up cycle.
package tracking

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stock_tracker_backend/models"
	"stock_tracker_backend/services/fetcher"
	"stock_tracker_backend/services/workingset"
)

// Trigger names what started a cycle
type Trigger string

const (
	TriggerTimer              Trigger = "timer"
	TriggerSubscriptionChange Trigger = "subscription_change"
	TriggerManual             Trigger = "manual"
)

// State is the scheduler's position in the cycle state machine
type State int32

const (
	StateIdle State = iota
	StateComputing
	StateFetching
	StateBroadcasting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComputing:
		return "computing"
	case StateFetching:
		return "fetching"
	case StateBroadcasting:
		return "broadcasting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Cycle describes one completed compute, fetch and broadcast pass
type Cycle struct {
	ID             uint64           `json:"id"`
	AssetType      models.AssetType `json:"asset_type"`
	TriggeredBy    Trigger          `json:"triggered_by"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    time.Time        `json:"completed_at"`
	WorkingSetSize int              `json:"working_set_size"`
	FetchCalls     int              `json:"fetch_calls"`
	Succeeded      int              `json:"succeeded"`
	FailedAssetIDs []string         `json:"failed_asset_ids"`
	Error          string           `json:"error,omitempty"`
}

func (c Cycle) Duration() time.Duration { return c.CompletedAt.Sub(c.StartedAt) }

// WorkingSetComputer derives the assets to fetch
type WorkingSetComputer interface {
	Compute(t models.AssetType, priority map[string]struct{}) workingset.WorkingSet
}

// Fetcher runs the fetch phase
type Fetcher interface {
	Fetch(ctx context.Context, ws workingset.WorkingSet) map[string]fetcher.Result
}

// Publisher runs the broadcast phase
type Publisher interface {
	Publish(ctx context.Context, t models.AssetType, results map[string]models.PriceSnapshot) error
}

// TrackMarker records successful fetches on the asset records
type TrackMarker interface {
	MarkTracked(assetID string, t models.AssetType, at time.Time)
}

// HistoryAppender stores historical price points
type HistoryAppender interface {
	Append(ctx context.Context, snap models.PriceSnapshot) error
}

// PriceCache keeps the latest snapshot of every asset
type PriceCache interface {
	Set(ctx context.Context, snap models.PriceSnapshot) error
}

// Config holds per-scheduler configuration
type Config struct {
	Interval       time.Duration // timer period
	PersistTimeout time.Duration // bound on the post-broadcast history and cache writes (default: 10s)
}

// Deps are the collaborators of a Scheduler. History, Cache, Marker, Metrics and Tracer are optional.
type Deps struct {
	Computer  WorkingSetComputer
	Fetcher   Fetcher
	Publisher Publisher
	Marker    TrackMarker
	History   HistoryAppender
	Cache     PriceCache
	Metrics   *Metrics
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// Scheduler drives the cycles of one asset type
type Scheduler struct {
	assetType models.AssetType
	cfg       Config
	deps      Deps
	logger    *zap.Logger

	pending   chan Trigger
	state     atomic.Int32
	seq       atomic.Uint64
	coalesced atomic.Uint64
	started   atomic.Bool

	// owned by the run goroutine
	priority map[string]struct{}

	mu          sync.RWMutex
	last        Cycle
	cyclesTotal uint64
	onCycle     []func(Cycle)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler for one asset type
func NewScheduler(t models.AssetType, cfg Config, deps Deps) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("stock_tracker_backend/tracking")
	}
	return &Scheduler{
		assetType: t,
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger.With(zap.String("asset_type", string(t))),
		pending:   make(chan Trigger, 1),
	}
}

// AssetType returns the asset type this scheduler serves
func (s *Scheduler) AssetType() models.AssetType { return s.assetType }

// OnCycle registers a callback invoked after every cycle. Must be called before Start.
func (s *Scheduler) OnCycle(fn func(Cycle)) {
	s.mu.Lock()
	s.onCycle = append(s.onCycle, fn)
	s.mu.Unlock()
}

// Trigger requests a cycle. If one is already pending the request is merged into it.
func (s *Scheduler) Trigger(reason Trigger) {
	select {
	case s.pending <- reason:
	default:
		s.coalesced.Add(1)
		s.deps.Metrics.coalesced(string(s.assetType))
	}
}

// State returns the current state machine position
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Start launches the scheduler goroutine
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("tracking scheduler %s already started", s.assetType)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("tracking scheduler started", zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop stops the timer and waits for the in-flight cycle and its writes to finish.
// Returns ctx.Err() if the grace period expires first.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("tracking scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if s.ctx.Err() != nil {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(TriggerTimer)
		case reason := <-s.pending:
			s.runCycle(reason)
		}

		// a tick that fired during the cycle joins the pending slot instead of adding a second follow-up
		select {
		case <-ticker.C:
			s.Trigger(TriggerTimer)
		default:
		}
	}
}

func (s *Scheduler) runCycle(reason Trigger) {
	cycle := Cycle{
		ID:          s.seq.Add(1),
		AssetType:   s.assetType,
		TriggeredBy: reason,
		StartedAt:   time.Now(),
	}

	// the cycle runs to completion even when Stop is called
	ctx := context.WithoutCancel(s.ctx)
	ctx, span := s.deps.Tracer.Start(ctx, "tracking.cycle", trace.WithAttributes(
		attribute.String("asset_type", string(s.assetType)),
		attribute.String("trigger", string(reason)),
		attribute.Int64("cycle_id", int64(cycle.ID)),
	))

	defer func() {
		if r := recover(); r != nil {
			cycle.Error = fmt.Sprintf("panic: %v", r)
			s.logger.Error("tracking cycle panicked", zap.Uint64("cycle_id", cycle.ID), zap.Any("panic", r))
			span.SetStatus(codes.Error, cycle.Error)
		}
		s.state.Store(int32(StateIdle))
		cycle.CompletedAt = time.Now()
		span.SetAttributes(
			attribute.Int("working_set_size", cycle.WorkingSetSize),
			attribute.Int("failed_assets", len(cycle.FailedAssetIDs)),
		)
		span.End()
		s.finish(cycle)
	}()

	s.state.Store(int32(StateComputing))
	ws := s.deps.Computer.Compute(s.assetType, s.priority)
	cycle.WorkingSetSize = ws.Len()
	if ws.Empty() {
		s.priority = nil
		return
	}

	s.state.Store(int32(StateFetching))
	cycle.FetchCalls = len(ws.Groups())
	results := s.deps.Fetcher.Fetch(ctx, ws)

	succeeded := make(map[string]models.PriceSnapshot, len(results))
	next := make(map[string]struct{})
	for _, id := range ws.AssetIDs() {
		res, ok := results[id]
		if !ok || res.Err != nil {
			cycle.FailedAssetIDs = append(cycle.FailedAssetIDs, id)
			next[id] = struct{}{}
			if res.Err != nil {
				s.deps.Metrics.fetchError(string(s.assetType), string(res.Err.Kind))
				s.logger.Debug("asset fetch failed", zap.String("asset_id", id), zap.Error(res.Err))
			}
			continue
		}
		succeeded[id] = res.Snapshot
	}
	s.priority = next
	cycle.Succeeded = len(succeeded)

	if len(succeeded) == 0 {
		s.logger.Warn("tracking cycle fetched nothing",
			zap.Uint64("cycle_id", cycle.ID),
			zap.Int("failed", len(cycle.FailedAssetIDs)))
		return
	}

	s.state.Store(int32(StateBroadcasting))
	if s.deps.Marker != nil {
		for id, snap := range succeeded {
			s.deps.Marker.MarkTracked(id, s.assetType, snap.FetchedAt)
		}
	}
	if err := s.deps.Publisher.Publish(ctx, s.assetType, succeeded); err != nil {
		s.logger.Warn("broadcast incomplete", zap.Uint64("cycle_id", cycle.ID), zap.Error(err))
		span.RecordError(err)
	}
	s.persist(succeeded)
}

// persist writes history and cache entries without holding up the cycle
func (s *Scheduler) persist(snaps map[string]models.PriceSnapshot) {
	if s.deps.History == nil && s.deps.Cache == nil {
		return
	}
	batch := make([]models.PriceSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		batch = append(batch, snap)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.PersistTimeout)
		defer cancel()

		for _, snap := range batch {
			if s.deps.History != nil {
				if err := s.deps.History.Append(ctx, snap); err != nil {
					s.logger.Warn("history append failed", zap.String("asset_id", snap.AssetID), zap.Error(err))
				}
			}
			if s.deps.Cache != nil {
				if err := s.deps.Cache.Set(ctx, snap); err != nil {
					s.logger.Debug("price cache set failed", zap.String("asset_id", snap.AssetID), zap.Error(err))
				}
			}
		}
	}()
}

func (s *Scheduler) finish(c Cycle) {
	s.mu.Lock()
	s.last = c
	s.cyclesTotal++
	hooks := s.onCycle
	s.mu.Unlock()

	s.deps.Metrics.observeCycle(c)
	if c.WorkingSetSize > 0 {
		s.logger.Info("tracking cycle complete",
			zap.Uint64("cycle_id", c.ID),
			zap.String("trigger", string(c.TriggeredBy)),
			zap.Int("working_set", c.WorkingSetSize),
			zap.Int("calls", c.FetchCalls),
			zap.Int("succeeded", c.Succeeded),
			zap.Int("failed", len(c.FailedAssetIDs)),
			zap.Duration("duration", c.Duration()))
	}
	for _, fn := range hooks {
		fn(c)
	}
}

// CycleMetrics is the read-only metrics surface of one scheduler
type CycleMetrics struct {
	AssetType         models.AssetType `json:"asset_type"`
	State             string           `json:"state"`
	Interval          string           `json:"interval"`
	LastCycleID       uint64           `json:"last_cycle_id"`
	LastTrigger       Trigger          `json:"last_trigger,omitempty"`
	LastCycleAt       time.Time        `json:"last_cycle_at"`
	LastCycleDuration time.Duration    `json:"last_cycle_duration_ns"`
	FailedAssetCount  int              `json:"failed_asset_count"`
	FailedAssetIDs    []string         `json:"failed_asset_ids"`
	WorkingSetSize    int              `json:"working_set_size"`
	CyclesTotal       uint64           `json:"cycles_total"`
	CoalescedTriggers uint64           `json:"coalesced_triggers"`
}

// Metrics returns a snapshot of the scheduler's cycle metrics
func (s *Scheduler) Metrics() CycleMetrics {
	s.mu.RLock()
	last := s.last
	total := s.cyclesTotal
	s.mu.RUnlock()

	m := CycleMetrics{
		AssetType:         s.assetType,
		State:             s.State().String(),
		Interval:          s.cfg.Interval.String(),
		LastCycleID:       last.ID,
		LastTrigger:       last.TriggeredBy,
		LastCycleAt:       last.CompletedAt,
		FailedAssetCount:  len(last.FailedAssetIDs),
		FailedAssetIDs:    append([]string(nil), last.FailedAssetIDs...),
		WorkingSetSize:    last.WorkingSetSize,
		CyclesTotal:       total,
		CoalescedTriggers: s.coalesced.Load(),
	}
	if last.ID != 0 {
		m.LastCycleDuration = last.Duration()
	}
	return m
}
