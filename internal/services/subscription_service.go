package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"saldo/internal/core"
	"saldo/internal/log"
	"saldo/internal/storage"
)

// SubscriptionService manages subscription templates. Charging them is the
// scheduler's job; this service never touches the balance.
type SubscriptionService struct {
	store  storage.Store
	logger *log.Logger
	newID  func() string
}

func NewSubscriptionService(store storage.Store, logger *log.Logger) *SubscriptionService {
	if logger == nil {
		logger = log.Discard()
	}
	return &SubscriptionService{
		store:  store,
		logger: logger.WithComponent(log.ComponentLedger),
		newID:  uuid.NewString,
	}
}

type SubscriptionInput struct {
	AccountID string
	Title     string
	Frequency core.Frequency
	Amount    core.Money
	StartDate core.Date
	EndDate   core.Date
	// NextPaymentDate defaults to StartDate.
	NextPaymentDate core.Date
}

// SubscriptionPatch holds the fields to change. ExpectedVersion, when set,
// must match the stored version or the update fails with
// core.ErrStorageConflict.
type SubscriptionPatch struct {
	Title           *string
	Frequency       *core.Frequency
	Amount          *core.Money
	StartDate       *core.Date
	EndDate         *core.Date
	NextPaymentDate *core.Date
	Active          *bool
	ExpectedVersion *int64
}

func (p SubscriptionPatch) apply(s core.Subscription) core.Subscription {
	if p.Title != nil {
		s.Title = strings.TrimSpace(*p.Title)
	}
	if p.Frequency != nil {
		s.Frequency = *p.Frequency
	}
	if p.Amount != nil {
		s.Amount = *p.Amount
	}
	if p.StartDate != nil {
		s.StartDate = *p.StartDate
	}
	if p.EndDate != nil {
		s.EndDate = *p.EndDate
	}
	if p.NextPaymentDate != nil {
		s.NextPaymentDate = *p.NextPaymentDate
	}
	if p.Active != nil {
		// Only an explicit user update may reactivate a lapsed subscription.
		if *p.Active && !s.Active {
			s.LapseReason = core.LapseNone
		}
		s.Active = *p.Active
	}
	return s
}

func (s *SubscriptionService) CreateSubscription(ctx context.Context, in SubscriptionInput) (core.Subscription, error) {
	sub := core.Subscription{
		ID:              s.newID(),
		AccountID:       in.AccountID,
		Title:           strings.TrimSpace(in.Title),
		Frequency:       in.Frequency,
		Amount:          in.Amount,
		StartDate:       in.StartDate,
		EndDate:         in.EndDate,
		NextPaymentDate: in.NextPaymentDate,
		Active:          true,
	}
	if sub.NextPaymentDate.IsZero() {
		sub.NextPaymentDate = sub.StartDate
	}
	if err := sub.Validate(); err != nil {
		return core.Subscription{}, err
	}

	err := s.store.Atomic(ctx, func(q storage.Queries) error {
		if _, err := q.GetAccount(ctx, sub.AccountID); err != nil {
			return err
		}
		return q.InsertSubscription(ctx, sub)
	})
	if err != nil {
		return core.Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	sub.Version = 1

	s.logger.InfoContext(ctx, "Subscription created",
		log.NewFields().
			WithSubscription(sub.ID, sub.AccountID, string(sub.Frequency), sub.NextPaymentDate.String()).
			ToSlice()...)
	return sub, nil
}

// UpdateSubscription applies patch under an optimistic version check, so an
// edit racing a scheduler transition fails with core.ErrStorageConflict
// instead of overwriting it.
func (s *SubscriptionService) UpdateSubscription(ctx context.Context, accountID, id string, patch SubscriptionPatch) (core.Subscription, error) {
	var updated core.Subscription
	err := s.store.Atomic(ctx, func(q storage.Queries) error {
		old, err := s.owned(ctx, q, accountID, id)
		if err != nil {
			return err
		}
		if patch.ExpectedVersion != nil && *patch.ExpectedVersion != old.Version {
			return fmt.Errorf("subscription %s is at version %d: %w", id, old.Version, core.ErrStorageConflict)
		}
		updated = patch.apply(old)
		if err := updated.Validate(); err != nil {
			return err
		}
		if err := q.UpdateSubscription(ctx, updated, old.Version); err != nil {
			return err
		}
		updated.Version = old.Version + 1
		updated.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return core.Subscription{}, fmt.Errorf("update subscription %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "Subscription updated",
		log.FieldSubscriptionID, id,
		log.FieldAccountID, accountID,
		"active", updated.Active)
	return updated, nil
}

// DeleteSubscription removes the template. Entries from past charges stay
// on the ledger.
func (s *SubscriptionService) DeleteSubscription(ctx context.Context, accountID, id string) error {
	err := s.store.Atomic(ctx, func(q storage.Queries) error {
		if _, err := s.owned(ctx, q, accountID, id); err != nil {
			return err
		}
		return q.DeleteSubscription(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "Subscription deleted",
		log.FieldSubscriptionID, id,
		log.FieldAccountID, accountID)
	return nil
}

func (s *SubscriptionService) ListSubscriptions(ctx context.Context, accountID string) ([]core.Subscription, error) {
	subs, err := s.store.ListSubscriptions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// Upcoming lists the active subscriptions due in a window and their total.
type Upcoming struct {
	From          core.Date
	To            core.Date
	Subscriptions []core.Subscription
	Total         core.Money
}

func (s *SubscriptionService) UpcomingPayments(ctx context.Context, accountID string, from, to core.Date) (Upcoming, error) {
	if to.Before(from.Time) {
		return Upcoming{}, core.NewValidationError("to", "must not be before from")
	}
	subs, err := s.store.ListUpcomingSubscriptions(ctx, accountID, from, to)
	if err != nil {
		return Upcoming{}, fmt.Errorf("list upcoming payments: %w", err)
	}
	up := Upcoming{From: from, To: to, Subscriptions: subs}
	for _, sub := range subs {
		up.Total = up.Total.Add(sub.Amount)
	}
	return up, nil
}

// owned loads a subscription, hiding other accounts' records as not found.
func (s *SubscriptionService) owned(ctx context.Context, q storage.Queries, accountID, id string) (core.Subscription, error) {
	sub, err := q.GetSubscription(ctx, id)
	if err != nil {
		return core.Subscription{}, err
	}
	if sub.AccountID != accountID {
		return core.Subscription{}, fmt.Errorf("subscription %s: %w", id, core.ErrNotFound)
	}
	return sub, nil
}
