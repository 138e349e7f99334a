package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"saldo/internal/core"
	"saldo/internal/log"
)

// BillingRunner drives Scheduler.RunTick from a cron schedule. "Today" is
// the calendar date in the configured billing timezone.
type BillingRunner struct {
	scheduler *Scheduler
	loc       *time.Location
	logger    *log.Logger
	now       func() time.Time
}

func NewBillingRunner(s *Scheduler, loc *time.Location, logger *log.Logger) *BillingRunner {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &BillingRunner{
		scheduler: s,
		loc:       loc,
		logger:    logger.WithComponent(log.ComponentScheduler),
		now:       time.Now,
	}
}

// Today returns the billing date for the current instant.
func (b *BillingRunner) Today() core.Date {
	return core.DateOf(b.now().In(b.loc))
}

// Tick runs one billing pass for today. A tick already running elsewhere
// is not an error.
func (b *BillingRunner) Tick(ctx context.Context) (TickReport, error) {
	today := b.Today()
	report, err := b.scheduler.RunTick(ctx, today)
	if errors.Is(err, ErrTickInProgress) {
		b.logger.InfoContext(ctx, "Billing tick skipped, another run holds the lock",
			log.FieldDueDate, today.String())
		return report, nil
	}
	if err != nil {
		b.logger.ErrorContext(ctx, "Billing tick failed",
			log.FieldDueDate, today.String(),
			log.FieldError, err)
		return report, err
	}
	return report, nil
}

// Start schedules Tick on spec, a standard five-field cron expression
// evaluated in the billing timezone. Stop the returned cron to end it;
// its Stop context is done once a running tick returns.
func (b *BillingRunner) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule billing %q: %w", spec, err)
	}
	clog := cronLogger{b.logger}
	c := cron.New(
		cron.WithLocation(b.loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	c.Schedule(schedule, cron.FuncJob(func() { _, _ = b.Tick(ctx) }))
	c.Start()
	b.logger.Info("Billing scheduled",
		"schedule", spec,
		"timezone", b.loc.String(),
		"next_run", schedule.Next(b.now().In(b.loc)).Format(time.RFC3339))
	return c, nil
}

// cronLogger adapts the logger to cron.Logger.
type cronLogger struct{ l *log.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, log.FieldError, err)...)
}

// Run bills on spec until ctx is done, optionally ticking once first so a
// process started after the scheduled time still bills today. It returns
// after any in-flight tick finishes.
func (b *BillingRunner) Run(ctx context.Context, spec string, runOnStart bool) error {
	if runOnStart {
		if _, err := b.Tick(ctx); err != nil && ctx.Err() == nil {
			b.logger.WarnContext(ctx, "Startup billing tick failed, waiting for the schedule", log.FieldError, err)
		}
	}
	c, err := b.Start(ctx, spec)
	if err != nil {
		return err
	}
	<-ctx.Done()
	<-c.Stop().Done()
	b.logger.Info("Billing stopped")
	return nil
}
