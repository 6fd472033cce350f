package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/airaware/ingest/internal/model"
)

// OfflineThreshold is how long a sensor may go without a reading before the
// sweeper marks it OFFLINE (§4.F, §8 scenario 5).
const OfflineThreshold = 10 * time.Minute

// DefaultSweepInterval is how often the sweeper checks for stale sensors
// (§5).
const DefaultSweepInterval = 60 * time.Second

// sweepRepository is the narrow repository slice the sweeper needs,
// independently testable without the rest of the pipeline running.
type sweepRepository interface {
	FindStaleSensors(ctx context.Context, cutoff time.Time) ([]model.Sensor, error)
	UpdateSensorStatus(ctx context.Context, id string, status model.SensorStatus) error
}

// Sweeper periodically marks sensors OFFLINE once their last reading is
// older than OfflineThreshold.
type Sweeper struct {
	repo     sweepRepository
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a Sweeper backed by repo. interval <= 0 uses
// DefaultSweepInterval.
func NewSweeper(repo sweepRepository, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{repo: repo, logger: logger, interval: interval, now: time.Now}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep pass immediately, independent of the ticker
// loop; used by Run.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := s.now().Add(-OfflineThreshold)
	stale, err := s.repo.FindStaleSensors(ctx, cutoff)
	if err != nil {
		s.logger.Error("sweeper: failed to query stale sensors", slog.Any("error", err))
		return
	}
	for _, sn := range stale {
		if err := s.repo.UpdateSensorStatus(ctx, sn.ID, model.SensorOffline); err != nil {
			s.logger.Error("sweeper: failed to mark sensor offline",
				slog.String("sensor_id", sn.ID), slog.Any("error", err))
			continue
		}
		s.logger.Info("sweeper: marked sensor offline",
			slog.String("sensor_id", sn.ID), slog.String("device_id", sn.DeviceID))
	}
}
