package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// maintenance runs housekeeping jobs for the long-lived commands.
type maintenance struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

type maintenanceJob struct {
	name string
	fn   func(ctx context.Context) (int64, error)
}

func newMaintenance(logger zerolog.Logger) *maintenance {
	return &maintenance{
		cron:   cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		logger: logger.With().Str("component", "maintenance").Logger(),
	}
}

// schedule registers job to run every interval.
func (m *maintenance) schedule(ctx context.Context, every time.Duration, job maintenanceJob) error {
	if every <= 0 {
		return nil
	}
	spec := fmt.Sprintf("@every %s", every)
	_, err := m.cron.AddFunc(spec, func() {
		m.run(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.name, err)
	}
	m.logger.Debug().Str("job", job.name).Str("spec", spec).Msg("maintenance job scheduled")
	return nil
}

func (m *maintenance) run(ctx context.Context, job maintenanceJob) {
	if ctx.Err() != nil {
		return
	}
	n, err := job.fn(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Str("job", job.name).Msg("maintenance job failed")
		return
	}
	if n > 0 {
		m.logger.Info().Str("job", job.name).Int64("removed", n).Msg("maintenance job finished")
	}
}

// maintenanceJobs lists the housekeeping work for rt.
func (a *App) maintenanceJobs(rt *runtime) []maintenanceJob {
	jobs := []maintenanceJob{
		{name: "cache_prune", fn: func(ctx context.Context) (int64, error) {
			n, err := rt.cache.Prune(ctx)
			return int64(n), err
		}},
		{name: "ratelimit_forget", fn: func(context.Context) (int64, error) {
			return int64(rt.limiter.Forget(a.Config.RateLimit.IdleEvict)), nil
		}},
	}
	if rt.store != nil && a.Config.Database.Retention > 0 {
		retention := a.Config.Database.Retention
		jobs = append(jobs, maintenanceJob{name: "alert_retention", fn: func(ctx context.Context) (int64, error) {
			return rt.service.PruneAlerts(ctx, retention)
		}})
	}
	return jobs
}

// startMaintenance schedules the housekeeping jobs on cache.prune_interval
// and returns a stop function that waits for running jobs.
func (a *App) startMaintenance(ctx context.Context, rt *runtime) (func(), error) {
	m := newMaintenance(a.Logger)
	for _, job := range a.maintenanceJobs(rt) {
		if err := m.schedule(ctx, a.Config.Cache.PruneInterval, job); err != nil {
			return nil, err
		}
	}
	m.cron.Start()
	return func() {
		<-m.cron.Stop().Done()
	}, nil
}
