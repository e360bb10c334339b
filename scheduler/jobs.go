// Package scheduler runs the maintenance jobs around the tracking loop:
// catalog reload, price history retention and the periodic re-trigger of every tracker.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"stock_tracker_backend/models"
)

// CatalogReloader refreshes the registry from the catalog tables
type CatalogReloader interface {
	Reload(ctx context.Context) (int, error)
}

// HistoryCleaner deletes price points older than a cutoff
type HistoryCleaner interface {
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

// CycleTrigger starts an immediate tracking cycle
type CycleTrigger interface {
	TriggerImmediateCycle(t models.AssetType) error
}

// Config controls job timing
type Config struct {
	CatalogReloadAt string        // daily, HH:MM in UTC
	RetentionDays   int           // <= 0 disables history cleanup
	RefreshEvery    time.Duration // periodic re-trigger of all trackers
	JobTimeout      time.Duration
}

// DefaultConfig returns the default job timing
func DefaultConfig() Config {
	return Config{
		CatalogReloadAt: "00:30",
		RetentionDays:   30,
		RefreshEvery:    4 * time.Hour,
		JobTimeout:      2 * time.Minute,
	}
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron    *gocron.Scheduler
	cfg     Config
	catalog CatalogReloader
	history HistoryCleaner
	trigger CycleTrigger
	logger  *zap.Logger
	now     func() time.Time
}

// NewScheduler creates a new scheduler instance. Any dependency may be nil to skip its job.
func NewScheduler(cfg Config, catalog CatalogReloader, history HistoryCleaner, trigger CycleTrigger, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()
	return &Scheduler{
		cron:    cron,
		cfg:     cfg,
		catalog: catalog,
		history: history,
		trigger: trigger,
		logger:  logger,
		now:     time.Now,
	}
}

// Start registers all jobs and starts the scheduler
func (s *Scheduler) Start() error {
	if s.catalog != nil {
		if _, err := s.cron.Every(1).Day().At(s.cfg.CatalogReloadAt).Do(s.reloadCatalog); err != nil {
			return err
		}
	}

	// Retention runs daily at 01:00
	if s.history != nil && s.cfg.RetentionDays > 0 {
		if _, err := s.cron.Every(1).Day().At("01:00").Do(s.cleanupHistory); err != nil {
			return err
		}
	}

	if s.trigger != nil && s.cfg.RefreshEvery > 0 {
		if _, err := s.cron.Every(s.cfg.RefreshEvery).WaitForSchedule().Do(s.refreshTrackers); err != nil {
			return err
		}
	}

	s.cron.StartAsync()
	s.logger.Info("maintenance scheduler started", zap.Int("jobs", len(s.cron.Jobs())))
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) jobContext() (context.Context, context.CancelFunc) {
	timeout := s.cfg.JobTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return context.WithTimeout(context.Background(), timeout)
}

// reloadCatalog picks up assets added to the catalog tables outside the admin API
func (s *Scheduler) reloadCatalog() {
	ctx, cancel := s.jobContext()
	defer cancel()

	n, err := s.catalog.Reload(ctx)
	if err != nil {
		s.logger.Error("catalog reload failed", zap.Error(err))
		return
	}
	s.logger.Info("catalog reloaded", zap.Int("assets", n))
}

// cleanupHistory removes price points older than the retention window
func (s *Scheduler) cleanupHistory() {
	ctx, cancel := s.jobContext()
	defer cancel()

	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	removed, err := s.history.Cleanup(ctx, cutoff)
	if err != nil {
		s.logger.Error("history cleanup failed", zap.Error(err))
		return
	}
	s.logger.Info("history cleanup completed",
		zap.Int64("removed", removed),
		zap.Time("cutoff", cutoff))
}

// refreshTrackers re-triggers every tracker so working sets are rebuilt from the registry.
// Stocks are skipped while the Taiwan market is closed.
func (s *Scheduler) refreshTrackers() {
	now := s.now()
	for _, t := range models.AllAssetTypes() {
		if t == models.AssetTypeStock && !isMarketOpen(now) {
			continue
		}
		if err := s.trigger.TriggerImmediateCycle(t); err != nil {
			s.logger.Warn("refresh trigger failed", zap.String("asset_type", string(t)), zap.Error(err))
		}
	}
}

var taipei = loadTaipei()

func loadTaipei() *time.Location {
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		return time.FixedZone("CST", 8*60*60)
	}
	return loc
}

// isMarketOpen checks if the Taiwan stock market is open at t
func isMarketOpen(t time.Time) bool {
	local := t.In(taipei)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	// Regular session: 9:00 - 13:30
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= 9*60 && minutes <= 13*60+30
}
