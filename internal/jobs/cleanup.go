package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/config"
	"github.com/novamd/bridge-server-go/internal/registry"
)

// Sweeper is the part of the session registry driven by the scheduler.
type Sweeper interface {
	ActivitySweep(ctx context.Context) int
	CleanupSweep(ctx context.Context) registry.SweepResult
}

type SubscriptionExpirer interface {
	ExpireSubscriptions(ctx context.Context) (int64, error)
}

type AuditPruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type StaleSessionPruner interface {
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

type Schedule struct {
	Activity string
	Cleanup  string
}

// CleanupJob runs the registry sweeps and datastore housekeeping on cron schedules.
type CleanupJob struct {
	sweeper       Sweeper
	subscriptions SubscriptionExpirer
	audits        AuditPruner
	sessions      StaleSessionPruner
	schedule      Schedule
	now           func() time.Time
	cron          *cron.Cron
}

func NewCleanupJob(
	sweeper Sweeper,
	subscriptions SubscriptionExpirer,
	audits AuditPruner,
	sessions StaleSessionPruner,
	schedule Schedule,
) *CleanupJob {
	if schedule.Activity == "" {
		schedule.Activity = config.ActivitySweepSchedule
	}
	if schedule.Cleanup == "" {
		schedule.Cleanup = config.CleanupSweepSchedule
	}
	logger := cronLogger{}
	return &CleanupJob{
		sweeper:       sweeper,
		subscriptions: subscriptions,
		audits:        audits,
		sessions:      sessions,
		schedule:      schedule,
		now:           time.Now,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

func (j *CleanupJob) Start() error {
	if _, err := j.cron.AddFunc(j.schedule.Activity, j.activity); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc(j.schedule.Cleanup, j.cleanup); err != nil {
		return err
	}
	j.cron.Start()
	log.Info().
		Str("activity", j.schedule.Activity).
		Str("cleanup", j.schedule.Cleanup).
		Msg("cleanup job started")
	return nil
}

// Stop waits for running sweeps to finish.
func (j *CleanupJob) Stop() {
	<-j.cron.Stop().Done()
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) activity() {
	ctx, cancel := context.WithTimeout(context.Background(), config.MaintenanceTimeout)
	defer cancel()

	if n := j.sweeper.ActivitySweep(ctx); n > 0 {
		log.Info().Int("count", n).Msg("disconnected idle trial sessions")
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), config.MaintenanceTimeout)
	defer cancel()

	// Grants are expired first so the session sweep sees the downgrade.
	j.runCleanup(ctx, "subscriptions", j.subscriptions.ExpireSubscriptions)
	j.sweeper.CleanupSweep(ctx)

	now := j.now()
	j.runCleanup(ctx, "pairing audits", func(ctx context.Context) (int64, error) {
		return j.audits.DeleteOlderThan(ctx, now.Add(-config.PairingAuditRetention))
	})
	j.runCleanup(ctx, "stale sessions", func(ctx context.Context) (int64, error) {
		return j.sessions.DeleteStale(ctx, now.Add(-config.StaleSessionRetention))
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}

// cronLogger routes scheduler output through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
