// Package ledger implements the Balance Ledger Engine.
//
// Every operation runs inside one storage transaction that writes the source
// record, its paired ledger entry and the account balance together, so the
// account balance always equals its opening balance plus the signed sum of
// its ledger entries. The engine is the only writer of Account.Balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"saldo/internal/amqp"
	"saldo/internal/core"
	"saldo/internal/log"
	"saldo/internal/storage"
)

// EventPublisher receives an event after each committed mutation.
type EventPublisher interface {
	PublishLedgerEvent(ctx context.Context, ev *amqp.LedgerEvent) error
}

type Engine struct {
	store     storage.Store
	publisher EventPublisher
	logger    *log.Logger
	retries   int
	backoff   time.Duration
	now       func() time.Time
	newID     func() string

	// publishBudget bounds how long a committed mutation waits on its event.
	publishBudget time.Duration
}

type Option func(*Engine)

func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithConflictRetries sets how many times a transaction aborted with
// core.ErrStorageConflict is re-run before the error is returned.
func WithConflictRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.retries = n
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(e *Engine) { e.backoff = d }
}

// WithPublishTimeout bounds each event publish made after a commit.
func WithPublishTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.publishBudget = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		retries:       1,
		backoff:       10 * time.Millisecond,
		now:           time.Now,
		newID:         uuid.NewString,
		publishBudget: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.Discard()
	}
	e.logger = e.logger.WithComponent(log.ComponentLedger)
	return e
}

// atomic runs fn in a store transaction, re-running it on storage conflicts.
// fn must assign its results afresh on every call.
func (e *Engine) atomic(ctx context.Context, op string, fn func(q storage.Queries) error) error {
	for attempt := 0; ; attempt++ {
		err := e.store.Atomic(ctx, fn)
		if err == nil || !core.IsRetryable(err) || attempt >= e.retries {
			return err
		}
		e.logger.WarnContext(ctx, "Storage conflict, retrying",
			log.FieldOperation, op,
			log.FieldAttempt, attempt+1,
			log.FieldError, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.backoff * time.Duration(attempt+1)):
		}
	}
}

// OpenAccountInput seeds a new account. An empty ID gets a generated one.
type OpenAccountInput struct {
	ID             string
	OpeningBalance core.Money
	MonthlyBudget  core.Money
}

// OpenAccount creates the account with its opening balance.
func (e *Engine) OpenAccount(ctx context.Context, in OpenAccountInput) (core.Account, error) {
	acc := core.Account{
		ID:             in.ID,
		Balance:        in.OpeningBalance,
		OpeningBalance: in.OpeningBalance,
		MonthlyBudget:  in.MonthlyBudget,
		Version:        1,
		CreatedAt:      e.now().UTC(),
	}
	if acc.ID == "" {
		acc.ID = e.newID()
	}
	if err := acc.Validate(); err != nil {
		return core.Account{}, err
	}

	err := e.atomic(ctx, "open account", func(q storage.Queries) error {
		return q.CreateAccount(ctx, acc)
	})
	if err != nil {
		return core.Account{}, fmt.Errorf("open account: %w", err)
	}

	e.logger.InfoContext(ctx, "Account opened",
		log.FieldAccountID, acc.ID,
		log.FieldBalanceCents, acc.Balance.Cents)
	ev := amqp.NewLedgerEvent(amqp.EventAccountOpened, acc.ID)
	ev.AmountCents = acc.OpeningBalance.Cents
	ev.BalanceCents = acc.Balance.Cents
	e.publish(ctx, ev)
	return acc, nil
}

// nextBalance returns the balance after delta, refusing a negative result
// when guarded. A result outside the int64 range is always refused.
func nextBalance(acc core.Account, delta core.Money, guarded bool) (core.Money, error) {
	next, ok := acc.Balance.CheckedAdd(delta)
	if !ok {
		return acc.Balance, fmt.Errorf("balance %s, change %s: %w", acc.Balance, delta, core.ErrBalanceOverflow)
	}
	if guarded && next.Cents < 0 {
		return acc.Balance, fmt.Errorf("balance %s, change %s: %w", acc.Balance, delta, core.ErrInsufficientFunds)
	}
	return next, nil
}

// storeBalance writes next against the version read under lock.
func storeBalance(ctx context.Context, q storage.Queries, acc core.Account, next core.Money) error {
	if next == acc.Balance {
		return nil
	}
	return q.UpdateAccountBalance(ctx, acc.ID, next, acc.Version)
}

// pairedEntry loads the ledger entry of a source record. A missing entry
// is reported as core.ErrUnpaired and logged as an integrity failure.
func (e *Engine) pairedEntry(ctx context.Context, q storage.Queries, kind core.EntryKind, ref string) (core.LedgerEntry, error) {
	entry, err := q.GetEntryByPairKey(ctx, core.PairKey(kind, ref, core.Date{}))
	if errors.Is(err, core.ErrNotFound) {
		e.logger.ErrorContext(ctx, "Source record has no ledger entry",
			log.FieldIntegrity, log.IntegrityBrokenPairing,
			log.FieldEntryKind, string(kind),
			log.FieldSourceRef, ref)
		return core.LedgerEntry{}, fmt.Errorf("%s %s: %w", kind, ref, core.ErrUnpaired)
	}
	return entry, err
}

func (e *Engine) publish(ctx context.Context, ev *amqp.LedgerEvent) {
	if e.publisher == nil {
		return
	}
	// The mutation is committed; a caller going away must not drop its event.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishBudget)
	defer cancel()
	if err := e.publisher.PublishLedgerEvent(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish ledger event",
			"type", ev.Type,
			log.FieldAccountID, ev.AccountID,
			log.FieldError, err)
	}
}

func entryEvent(eventType string, entry core.LedgerEntry, delta, balance core.Money) *amqp.LedgerEvent {
	ev := amqp.NewLedgerEvent(eventType, entry.AccountID)
	ev.EntryID = entry.ID
	ev.Kind = string(entry.Kind)
	ev.SourceRef = entry.SourceRef
	ev.AmountCents = delta.Cents
	ev.BalanceCents = balance.Cents
	ev.Date = entry.Date.String()
	return ev
}
