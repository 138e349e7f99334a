// Package storage defines the Ledger Store contract shared by every backend.
//
// Point reads and writes are exposed through Queries. Atomic runs a function
// against a transactional Queries view: either every write it made commits,
// or none does. Backends translate their native failures into the core error
// taxonomy (core.ErrNotFound, core.ErrStorageConflict, core.ErrDuplicate).
package storage

import (
	"context"

	"saldo/internal/core"
)

type Queries interface {
	CreateAccount(ctx context.Context, a core.Account) error
	GetAccount(ctx context.Context, id string) (core.Account, error)
	// GetAccountForUpdate reads the account and, where the backend supports
	// it, holds a row lock until the surrounding transaction ends.
	GetAccountForUpdate(ctx context.Context, id string) (core.Account, error)
	// UpdateAccountBalance writes the balance only if the stored version still
	// equals expectedVersion, otherwise it fails with core.ErrStorageConflict.
	UpdateAccountBalance(ctx context.Context, id string, balance core.Money, expectedVersion int64) error
	UpdateAccountBudget(ctx context.Context, id string, budget core.Money) error

	InsertEntry(ctx context.Context, e core.LedgerEntry) error
	GetEntryByPairKey(ctx context.Context, pairKey string) (core.LedgerEntry, error)
	UpdateEntry(ctx context.Context, e core.LedgerEntry) error
	DeleteEntry(ctx context.Context, id string) error
	ListEntries(ctx context.Context, accountID string, from, to core.Date) ([]core.LedgerEntry, error)

	InsertExpense(ctx context.Context, e core.Expense) error
	GetExpense(ctx context.Context, id string) (core.Expense, error)
	UpdateExpense(ctx context.Context, e core.Expense) error
	DeleteExpense(ctx context.Context, id string) error
	ListExpenses(ctx context.Context, accountID string, from, to core.Date) ([]core.Expense, error)

	InsertIncome(ctx context.Context, i core.Income) error
	GetIncome(ctx context.Context, id string) (core.Income, error)
	UpdateIncome(ctx context.Context, i core.Income) error
	DeleteIncome(ctx context.Context, id string) error
	ListIncomes(ctx context.Context, accountID string, from, to core.Date) ([]core.Income, error)

	InsertSubscription(ctx context.Context, s core.Subscription) error
	GetSubscription(ctx context.Context, id string) (core.Subscription, error)
	// UpdateSubscription bumps the version and fails with
	// core.ErrStorageConflict if the stored version differs from expectedVersion.
	UpdateSubscription(ctx context.Context, s core.Subscription, expectedVersion int64) error
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context, accountID string) ([]core.Subscription, error)
	// ListDueSubscriptions returns active subscriptions whose next payment
	// falls on the given day, across all accounts.
	ListDueSubscriptions(ctx context.Context, on core.Date) ([]core.Subscription, error)
	ListUpcomingSubscriptions(ctx context.Context, accountID string, from, to core.Date) ([]core.Subscription, error)

	InsertCategory(ctx context.Context, c core.Category) error
	GetCategory(ctx context.Context, id string) (core.Category, error)
	ListCategories(ctx context.Context, accountID string) ([]core.Category, error)
}

type Store interface {
	Queries

	// Atomic runs fn in a single transaction. A nil return commits; any
	// error rolls back every write fn made and is returned unchanged.
	Atomic(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Range bounds used when a caller wants every row regardless of date.
var (
	MinDate = core.NewDate(1, 1, 1)
	MaxDate = core.NewDate(9999, 12, 31)
)
