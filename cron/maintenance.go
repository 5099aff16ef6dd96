package cron

import (
	"context"
	"time"
)

// Maintainer is the engine housekeeping surface driven by cron.
type Maintainer interface {
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// MaintenanceConfig controls the housekeeping jobs. An empty expression
// disables the matching job.
type MaintenanceConfig struct {
	PruneExpression   string
	PruneOlderThan    time.Duration
	RecoverExpression string
	RecoverOlderThan  time.Duration
	Timeout           time.Duration
}

// DefaultMaintenanceConfig prunes daily and looks for stale runs every five
// minutes.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		PruneExpression:   "@daily",
		PruneOlderThan:    30 * 24 * time.Hour,
		RecoverExpression: "@every 5m",
		RecoverOlderThan:  10 * time.Minute,
		Timeout:           time.Minute,
	}
}

// ScheduleMaintenance registers the prune and stale-run recovery jobs.
func ScheduleMaintenance(s *Scheduler, m Maintainer, cfg MaintenanceConfig) ([]Handle, error) {
	var handles []Handle

	if cfg.PruneExpression != "" && cfg.PruneOlderThan > 0 {
		h, err := s.ScheduleCron(JobConfig{
			Name:       "prune-runs",
			Expression: cfg.PruneExpression,
			Timeout:    cfg.Timeout,
		}, func(ctx context.Context) error {
			n, err := m.Prune(ctx, cfg.PruneOlderThan)
			if err == nil && n > 0 {
				s.logInfo("prune-runs removed %d run(s)", n)
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}

	if cfg.RecoverExpression != "" && cfg.RecoverOlderThan > 0 {
		h, err := s.ScheduleCron(JobConfig{
			Name:       "recover-stale-runs",
			Expression: cfg.RecoverExpression,
			Timeout:    cfg.Timeout,
		}, func(ctx context.Context) error {
			n, err := m.RecoverStale(ctx, cfg.RecoverOlderThan)
			if n > 0 {
				s.logInfo("recover-stale-runs resumed %d run(s)", n)
			}
			return err
		})
		if err != nil {
			for _, prev := range handles {
				prev.Cancel()
			}
			return nil, err
		}
		handles = append(handles, h)
	}

	return handles, nil
}
