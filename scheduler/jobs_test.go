package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_tracker_backend/models"
)

type stubCatalog struct {
	calls int
	err   error
}

func (c *stubCatalog) Reload(context.Context) (int, error) {
	c.calls++
	return 7, c.err
}

type stubHistory struct {
	cutoff time.Time
}

func (h *stubHistory) Cleanup(_ context.Context, before time.Time) (int64, error) {
	h.cutoff = before
	return 3, nil
}

type stubTrigger struct {
	mu    sync.Mutex
	types []models.AssetType
}

func (tr *stubTrigger) TriggerImmediateCycle(t models.AssetType) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.types = append(tr.types, t)
	return nil
}

func TestIsMarketOpen(t *testing.T) {
	// 2026-01-05 is a Monday
	open := time.Date(2026, 1, 5, 10, 0, 0, 0, taipei)
	assert.True(t, isMarketOpen(open))
	assert.True(t, isMarketOpen(open.UTC()))
	assert.False(t, isMarketOpen(time.Date(2026, 1, 5, 8, 59, 0, 0, taipei)))
	assert.False(t, isMarketOpen(time.Date(2026, 1, 5, 13, 31, 0, 0, taipei)))
	assert.False(t, isMarketOpen(time.Date(2026, 1, 3, 10, 0, 0, 0, taipei)))
}

func TestRefreshTrackers_SkipsStocksAfterHours(t *testing.T) {
	trig := &stubTrigger{}
	s := NewScheduler(DefaultConfig(), nil, nil, trig, nil)

	s.now = func() time.Time { return time.Date(2026, 1, 5, 20, 0, 0, 0, taipei) }
	s.refreshTrackers()
	assert.Equal(t, []models.AssetType{models.AssetTypeCrypto, models.AssetTypeCurrency}, trig.types)

	trig.types = nil
	s.now = func() time.Time { return time.Date(2026, 1, 5, 10, 0, 0, 0, taipei) }
	s.refreshTrackers()
	assert.Equal(t, models.AllAssetTypes(), trig.types)
}

func TestCleanupHistory_UsesRetentionWindow(t *testing.T) {
	hist := &stubHistory{}
	cfg := DefaultConfig()
	cfg.RetentionDays = 10
	s := NewScheduler(cfg, nil, hist, nil, nil)
	now := time.Date(2026, 3, 20, 1, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.cleanupHistory()
	assert.Equal(t, now.AddDate(0, 0, -10), hist.cutoff)
}

func TestReloadCatalog_LogsFailure(t *testing.T) {
	cat := &stubCatalog{err: errors.New("db down")}
	s := NewScheduler(DefaultConfig(), cat, nil, nil, nil)
	s.reloadCatalog()
	assert.Equal(t, 1, cat.calls)
}

func TestStartRegistersJobs(t *testing.T) {
	s := NewScheduler(DefaultConfig(), &stubCatalog{}, &stubHistory{}, &stubTrigger{}, nil)
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Len(t, s.cron.Jobs(), 3)

	s2 := NewScheduler(DefaultConfig(), &stubCatalog{}, nil, nil, nil)
	require.NoError(t, s2.Start())
	defer s2.Stop()
	assert.Len(t, s2.cron.Jobs(), 1)
}
