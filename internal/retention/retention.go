// Package retention periodically discards the accumulated sighting history.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"ble_presence/internal/metrics"
	"ble_presence/internal/sightings"
)

const DefaultInterval = time.Hour

type Options struct {
	Interval time.Duration
}

// Loop clears the sighting store once per interval.
type Loop struct {
	log      zerolog.Logger
	store    sightings.Store
	schedule cron.Schedule
	metrics  *metrics.Metrics
}

func New(log zerolog.Logger, store sightings.Store, opts Options, m *metrics.Metrics) *Loop {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		log:      log,
		store:    store,
		schedule: cron.Every(interval),
		metrics:  m,
	}
}

// ClearOnce empties the store. A failure only affects this clear.
func (l *Loop) ClearOnce(ctx context.Context) error {
	if err := l.store.ClearAll(ctx); err != nil {
		l.metrics.IncRetentionClear("error")
		l.metrics.IncStoreError("clear")
		l.log.Error().Err(err).Msg("failed to clear the device log")
		return err
	}
	l.metrics.IncRetentionClear("ok")
	l.log.Info().Msg("cleared the device log")
	return nil
}

// Run schedules ClearOnce until ctx is canceled, then waits for a clear in
// progress to finish. The first clear happens one interval after start.
func (l *Loop) Run(ctx context.Context) {
	if l == nil || l.store == nil {
		return
	}

	logger := cronLogger{log: l.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(l.schedule, cron.FuncJob(func() {
		_ = l.ClearOnce(ctx)
	}))

	c.Start()
	l.log.Info().Time("next_clear", l.schedule.Next(time.Now())).Msg("retention loop started")

	<-ctx.Done()
	<-c.Stop().Done()
	l.log.Info().Msg("retention loop stopped")
}

// cronLogger routes scheduler logs through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
