package ledger

import (
	"context"
	"fmt"

	"saldo/internal/amqp"
	"saldo/internal/core"
	"saldo/internal/log"
	"saldo/internal/storage"
)

type ChargeOutcome string

const (
	Charged  ChargeOutcome = "charged"
	Declined ChargeOutcome = "declined"
)

// Settlement decides the subscription's next state from the outcome of a
// charge attempt. It runs inside the charge transaction, so the charge and
// the subscription transition commit or abort together.
type Settlement func(sub core.Subscription, outcome ChargeOutcome) (core.Subscription, error)

type ChargeResult struct {
	Outcome ChargeOutcome
	// Entry is the zero value when the charge was declined.
	Entry        core.LedgerEntry
	Subscription core.Subscription
	Balance      core.Money
}

// PostSubscriptionCharge debits the subscription amount for the charge due
// on the given day. Insufficient funds are not an error: the result reports
// Declined and nothing is debited. The subscription must be active and due
// on that day, otherwise core.ErrSubscriptionInactive or core.ErrNotDue is
// returned. A second charge for the same day fails with core.ErrDuplicate.
//
// When settle is non-nil the subscription it returns is written back with a
// version check in the same transaction.
func (e *Engine) PostSubscriptionCharge(ctx context.Context, subscriptionID string, on core.Date, settle Settlement) (ChargeResult, error) {
	if err := on.Validate(); err != nil {
		return ChargeResult{}, err
	}

	var res ChargeResult
	err := e.atomic(ctx, "post subscription charge", func(q storage.Queries) error {
		res = ChargeResult{}
		sub, err := q.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !sub.Active {
			return fmt.Errorf("subscription %s: %w", sub.ID, core.ErrSubscriptionInactive)
		}
		if !sub.NextPaymentDate.SameDay(on) {
			return fmt.Errorf("subscription %s due %s, not %s: %w", sub.ID, sub.NextPaymentDate, on, core.ErrNotDue)
		}

		acc, err := q.GetAccountForUpdate(ctx, sub.AccountID)
		if err != nil {
			return err
		}

		res.Outcome = Declined
		res.Balance = acc.Balance
		if next, err := nextBalance(acc, sub.Amount.Neg(), true); err == nil {
			entry := mirror(core.LedgerEntry{
				ID:        e.newID(),
				AccountID: sub.AccountID,
				Kind:      core.KindSubscription,
				SourceRef: sub.ID,
			}, sub.Title, sub.Amount, on)
			if err := q.InsertEntry(ctx, entry); err != nil {
				return err
			}
			if err := storeBalance(ctx, q, acc, next); err != nil {
				return err
			}
			res.Outcome, res.Entry, res.Balance = Charged, entry, next
		}

		res.Subscription = sub
		if settle == nil {
			return nil
		}
		settled, err := settle(sub, res.Outcome)
		if err != nil {
			return err
		}
		if err := q.UpdateSubscription(ctx, settled, sub.Version); err != nil {
			return err
		}
		settled.Version = sub.Version + 1
		res.Subscription = settled
		return nil
	})
	if err != nil {
		return ChargeResult{}, fmt.Errorf("charge subscription %s: %w", subscriptionID, err)
	}

	fields := log.NewFields().
		WithSubscription(res.Subscription.ID, res.Subscription.AccountID, string(res.Subscription.Frequency), on.String()).
		WithBalance(res.Balance.Cents)
	fields[log.FieldOutcome] = string(res.Outcome)

	if res.Outcome == Declined {
		e.logger.WarnContext(ctx, "Subscription charge declined", fields.ToSlice()...)
		ev := amqp.NewLedgerEvent(amqp.EventSubscriptionDeclined, res.Subscription.AccountID)
		ev.Kind = string(core.KindSubscription)
		ev.SourceRef = res.Subscription.ID
		ev.BalanceCents = res.Balance.Cents
		ev.Date = on.String()
		e.publish(ctx, ev)
		return res, nil
	}

	fields[log.FieldEntryID] = res.Entry.ID
	fields[log.FieldAmountCents] = res.Entry.Amount.Cents
	e.logger.InfoContext(ctx, "Subscription charged", fields.ToSlice()...)
	e.publish(ctx, entryEvent(amqp.EventSubscriptionCharged, res.Entry, res.Entry.Amount, res.Balance))
	if !res.Subscription.Active {
		e.publish(ctx, entryEvent(amqp.EventSubscriptionLapsed, res.Entry, core.Money{}, res.Balance))
	}
	return res, nil
}
