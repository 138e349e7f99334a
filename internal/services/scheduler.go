// Package services orchestrates the ledger engine: the recurring billing
// scheduler and the subscription, account and category services used by
// the HTTP layer.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"saldo/internal/core"
	"saldo/internal/ledger"
	"saldo/internal/lock"
	"saldo/internal/log"
)

// ErrTickInProgress is returned when another tick for the same day holds
// the run, in this process or on another replica.
var ErrTickInProgress = errors.New("billing tick already in progress")

// DueLister finds the subscriptions to charge on a given day.
type DueLister interface {
	ListDueSubscriptions(ctx context.Context, on core.Date) ([]core.Subscription, error)
}

// Charger posts one subscription charge atomically.
type Charger interface {
	PostSubscriptionCharge(ctx context.Context, subscriptionID string, on core.Date, settle ledger.Settlement) (ledger.ChargeResult, error)
}

// TickLock grants a lease for a key, failing with lock.ErrNotAcquired while
// another holder owns it.
type TickLock interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// Item outcomes reported per subscription.
const (
	OutcomeCharged  = "charged"
	OutcomeDeclined = "declined"
	OutcomeLapsed   = "lapsed"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

type TickItem struct {
	SubscriptionID string
	AccountID      string
	Outcome        string
	EntryID        string
	Err            error
}

// TickReport summarizes one run. Lapsed counts charged subscriptions that
// reached the end of their term, so it is a subset of Charged.
type TickReport struct {
	Day      core.Date
	Checked  int
	Charged  int
	Declined int
	Lapsed   int
	Skipped  int
	Failed   int
	Items    []TickItem
	Duration time.Duration
}

// Scheduler is the Recurring Billing Scheduler. It owns no timer: callers
// drive it through RunTick.
type Scheduler struct {
	due         DueLister
	charger     Charger
	lock        TickLock
	logger      *log.Logger
	itemTimeout time.Duration
	running     atomic.Bool
}

type SchedulerOption func(*Scheduler)

// WithTickLock guards each day's run with a shared lease.
func WithTickLock(l TickLock) SchedulerOption {
	return func(s *Scheduler) { s.lock = l }
}

func WithSchedulerLogger(l *log.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithItemTimeout bounds each subscription's charge so one slow item cannot
// stall the run.
func WithItemTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.itemTimeout = d }
}

func NewScheduler(due DueLister, charger Charger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		due:         due,
		charger:     charger,
		itemTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Discard()
	}
	s.logger = s.logger.WithComponent(log.ComponentScheduler)
	return s
}

// RunTick charges every active subscription due on today. Each charge
// commits on its own; a failed item is logged, reported and left unchanged
// for the next tick. Running it again on the same day charges nothing new,
// since charged subscriptions no longer fall due today.
func (s *Scheduler) RunTick(ctx context.Context, today core.Date) (TickReport, error) {
	if err := today.Validate(); err != nil {
		return TickReport{}, err
	}
	if !s.running.CompareAndSwap(false, true) {
		return TickReport{}, ErrTickInProgress
	}
	defer s.running.Store(false)

	if s.lock != nil {
		release, err := s.lock.Acquire(ctx, today.String())
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.InfoContext(ctx, "Billing tick held elsewhere, skipping", log.FieldDueDate, today.String())
			return TickReport{}, ErrTickInProgress
		}
		if err != nil {
			return TickReport{}, fmt.Errorf("billing tick lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WarnContext(ctx, "Failed to release billing tick lock", log.FieldError, err)
			}
		}()
	}

	start := time.Now()
	subs, err := s.due.ListDueSubscriptions(ctx, today)
	if err != nil {
		return TickReport{}, fmt.Errorf("list due subscriptions: %w", err)
	}

	s.logger.InfoContext(ctx, "Processing due subscriptions",
		"total_due", len(subs),
		log.FieldDueDate, today.String())

	rep := TickReport{Day: today, Items: make([]TickItem, 0, len(subs))}
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			rep.Duration = time.Since(start)
			return rep, fmt.Errorf("billing tick interrupted after %d of %d: %w", rep.Checked, len(subs), err)
		}
		item := s.chargeOne(ctx, sub, today)
		rep.add(item)
	}
	rep.Duration = time.Since(start)

	s.logger.InfoContext(ctx, "Billing tick complete",
		log.FieldDueDate, today.String(),
		"checked", rep.Checked,
		"charged", rep.Charged,
		"declined", rep.Declined,
		"lapsed", rep.Lapsed,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		log.FieldDuration, rep.Duration.Milliseconds())
	return rep, nil
}

func (r *TickReport) add(item TickItem) {
	r.Checked++
	switch item.Outcome {
	case OutcomeCharged:
		r.Charged++
	case OutcomeLapsed:
		r.Charged++
		r.Lapsed++
	case OutcomeDeclined:
		r.Declined++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
	r.Items = append(r.Items, item)
}

func (s *Scheduler) chargeOne(ctx context.Context, sub core.Subscription, today core.Date) TickItem {
	item := TickItem{SubscriptionID: sub.ID, AccountID: sub.AccountID}
	if s.itemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.itemTimeout)
		defer cancel()
	}

	res, err := s.charger.PostSubscriptionCharge(ctx, sub.ID, today, Settle(today))
	switch {
	case err == nil:
	case errors.Is(err, core.ErrNotDue), errors.Is(err, core.ErrSubscriptionInactive), errors.Is(err, core.ErrDuplicate):
		// Changed since it was listed: edited, deactivated or charged by a
		// concurrent runner.
		item.Outcome, item.Err = OutcomeSkipped, err
		s.logger.InfoContext(ctx, "Subscription no longer due, skipping",
			log.FieldSubscriptionID, sub.ID,
			log.FieldError, err)
		return item
	default:
		item.Outcome, item.Err = OutcomeFailed, err
		s.logger.ErrorContext(ctx, "Failed to charge subscription",
			log.FieldSubscriptionID, sub.ID,
			log.FieldAccountID, sub.AccountID,
			log.FieldAmountCents, sub.Amount.Cents,
			log.FieldError, err)
		return item
	}

	switch {
	case res.Outcome == ledger.Declined:
		item.Outcome = OutcomeDeclined
	case !res.Subscription.Active:
		item.Outcome, item.EntryID = OutcomeLapsed, res.Entry.ID
		s.logger.InfoContext(ctx, "Subscription reached end of term",
			log.FieldSubscriptionID, sub.ID,
			"end_date", sub.EndDate.String())
	default:
		item.Outcome, item.EntryID = OutcomeCharged, res.Entry.ID
	}
	return item
}

// Settle returns the lifecycle transition applied after a charge attempt on
// today. A decline deactivates the subscription. A charge advances the next
// payment date by one period, or deactivates the subscription when that date
// would fall after its end date. A lapsed subscription keeps its last
// payment date.
func Settle(today core.Date) ledger.Settlement {
	return func(sub core.Subscription, outcome ledger.ChargeOutcome) (core.Subscription, error) {
		if outcome == ledger.Declined {
			sub.Active = false
			sub.LapseReason = core.LapseDeclined
			return sub, nil
		}
		next, err := core.NextDueDate(today, sub.Frequency)
		if err != nil {
			return sub, err
		}
		if sub.EndDate.Before(next.Time) {
			sub.Active = false
			sub.LapseReason = core.LapseExpired
			return sub, nil
		}
		sub.NextPaymentDate = next
		return sub, nil
	}
}
