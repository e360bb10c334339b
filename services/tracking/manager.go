package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"stock_tracker_backend/models"
)

// ErrNotTracked is returned for an asset type that has no scheduler
var ErrNotTracked = errors.New("asset type not tracked")

// SessionForgetter drops per-user delivery state when a subscription ends
type SessionForgetter interface {
	Forget(userID string, t models.AssetType, assetID string)
}

// Manager owns one Scheduler per asset type and is the entry point for subscription events
type Manager struct {
	schedulers map[models.AssetType]*Scheduler
	forgetter  SessionForgetter
	logger     *zap.Logger
}

// NewManager creates a manager over the given schedulers. forgetter may be nil.
func NewManager(schedulers []*Scheduler, forgetter SessionForgetter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		schedulers: make(map[models.AssetType]*Scheduler, len(schedulers)),
		forgetter:  forgetter,
		logger:     logger,
	}
	for _, s := range schedulers {
		m.schedulers[s.AssetType()] = s
	}
	return m
}

// Scheduler returns the scheduler of an asset type, or nil
func (m *Manager) Scheduler(t models.AssetType) *Scheduler {
	return m.schedulers[t]
}

// OnSubscriptionChanged schedules a cycle for the event's asset type. It never blocks.
func (m *Manager) OnSubscriptionChanged(evt models.SubscriptionChangedEvent) {
	if evt.Op == models.OpUnsubscribe && m.forgetter != nil {
		m.forgetter.Forget(evt.UserID, evt.AssetType, evt.AssetID)
	}
	s, ok := m.schedulers[evt.AssetType]
	if !ok {
		m.logger.Warn("subscription change for untracked asset type", zap.String("asset_type", string(evt.AssetType)))
		return
	}
	s.Trigger(TriggerSubscriptionChange)
}

// TriggerImmediateCycle requests a manual cycle, coalesced like a subscription change
func (m *Manager) TriggerImmediateCycle(t models.AssetType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidAssetType, t)
	}
	s, ok := m.schedulers[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, t)
	}
	s.Trigger(TriggerManual)
	return nil
}

// TriggerAll requests a cycle on every scheduler
func (m *Manager) TriggerAll(reason Trigger) {
	for _, s := range m.schedulers {
		s.Trigger(reason)
	}
}

// Metrics returns the cycle metrics of every scheduler in asset type order
func (m *Manager) Metrics() []CycleMetrics {
	out := make([]CycleMetrics, 0, len(m.schedulers))
	for _, t := range models.AllAssetTypes() {
		if s, ok := m.schedulers[t]; ok {
			out = append(out, s.Metrics())
		}
	}
	return out
}

// Start starts every scheduler
func (m *Manager) Start(ctx context.Context) error {
	for _, t := range models.AllAssetTypes() {
		s, ok := m.schedulers[t]
		if !ok {
			continue
		}
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every scheduler concurrently within the grace period of ctx
func (m *Manager) Stop(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range m.schedulers {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			if err := s.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s scheduler: %w", s.AssetType(), err))
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errors.Join(errs...)
}
