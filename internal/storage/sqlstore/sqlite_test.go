package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saldo/internal/core"
	"saldo/internal/ledger"
	"saldo/internal/storage"
)

func openTempSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "saldo.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_LedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTempSQLite(t)

	require.NoError(t, s.CreateAccount(ctx, core.Account{
		ID: "acc", Balance: core.Money{Cents: 10000}, OpeningBalance: core.Money{Cents: 10000},
	}))

	day := core.NewDate(2024, 3, 5)
	err := s.Atomic(ctx, func(q storage.Queries) error {
		acc, err := q.GetAccountForUpdate(ctx, "acc")
		if err != nil {
			return err
		}
		if err := q.InsertExpense(ctx, core.Expense{
			ID: "e1", AccountID: "acc", Title: "Rent", Amount: core.Money{Cents: 2500}, Date: day, CategoryID: "home",
		}); err != nil {
			return err
		}
		if err := q.InsertEntry(ctx, core.LedgerEntry{
			ID: "l1", AccountID: "acc", Title: "Rent", Amount: core.Money{Cents: -2500},
			Date: day, Kind: core.KindExpense, SourceRef: "e1",
		}); err != nil {
			return err
		}
		return q.UpdateAccountBalance(ctx, "acc", acc.Balance.Sub(core.Money{Cents: 2500}), acc.Version)
	})
	require.NoError(t, err)

	acc, err := s.GetAccount(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, int64(7500), acc.Balance.Cents)
	assert.Equal(t, int64(2), acc.Version)

	entry, err := s.GetEntryByPairKey(ctx, core.PairKey(core.KindExpense, "e1", day))
	require.NoError(t, err)
	assert.Equal(t, "l1", entry.ID)
	assert.True(t, entry.Date.SameDay(day))
	assert.Equal(t, core.KindExpense, entry.Kind)

	entries, err := s.ListEntries(ctx, "acc", storage.MinDate, storage.MaxDate)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSQLite_RollbackLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s := openTempSQLite(t)
	require.NoError(t, s.CreateAccount(ctx, core.Account{ID: "acc", Balance: core.Money{Cents: 500}}))

	boom := errors.New("injected")
	err := s.Atomic(ctx, func(q storage.Queries) error {
		if err := q.InsertIncome(ctx, core.Income{
			ID: "i1", AccountID: "acc", Title: "Salary", Amount: core.Money{Cents: 100000}, Date: core.NewDate(2024, 3, 1),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetIncome(ctx, "i1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_ConstraintsMapToTaxonomy(t *testing.T) {
	ctx := context.Background()
	s := openTempSQLite(t)
	require.NoError(t, s.CreateAccount(ctx, core.Account{ID: "acc"}))

	day := core.NewDate(2024, 2, 15)
	charge := core.LedgerEntry{
		ID: "l1", AccountID: "acc", Title: "Music", Amount: core.Money{Cents: -999},
		Date: day, Kind: core.KindSubscription, SourceRef: "sub-1",
	}
	require.NoError(t, s.InsertEntry(ctx, charge))

	charge.ID = "l2"
	assert.ErrorIs(t, s.InsertEntry(ctx, charge), core.ErrDuplicate)

	assert.ErrorIs(t, s.UpdateAccountBalance(ctx, "acc", core.Money{Cents: 1}, 42), core.ErrStorageConflict)
	assert.ErrorIs(t, s.DeleteExpense(ctx, "nope"), core.ErrNotFound)
}

func TestSQLite_Subscriptions(t *testing.T) {
	ctx := context.Background()
	s := openTempSQLite(t)
	require.NoError(t, s.CreateAccount(ctx, core.Account{ID: "acc"}))

	today := core.NewDate(2024, 2, 15)
	for _, sub := range []core.Subscription{
		{ID: "due", Active: true, NextPaymentDate: today},
		{ID: "off", Active: false, NextPaymentDate: today, LapseReason: core.LapseDeclined},
		{ID: "later", Active: true, NextPaymentDate: core.NewDate(2024, 3, 15)},
	} {
		sub.AccountID = "acc"
		sub.Title = sub.ID
		sub.Frequency = core.Monthly
		sub.StartDate = core.NewDate(2024, 1, 15)
		sub.EndDate = core.NewDate(2024, 12, 31)
		sub.Amount = core.Money{Cents: 500}
		require.NoError(t, s.InsertSubscription(ctx, sub))
	}

	due, err := s.ListDueSubscriptions(ctx, today)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
	assert.Equal(t, int64(1), due[0].Version)

	off, err := s.GetSubscription(ctx, "off")
	require.NoError(t, err)
	assert.False(t, off.Active)
	assert.Equal(t, core.LapseDeclined, off.LapseReason)

	upcoming, err := s.ListUpcomingSubscriptions(ctx, "acc", core.NewDate(2024, 2, 1), core.NewDate(2024, 3, 31))
	require.NoError(t, err)
	assert.Len(t, upcoming, 2)

	next := due[0]
	next.NextPaymentDate = core.NewDate(2024, 3, 15)
	require.NoError(t, s.UpdateSubscription(ctx, next, 1))
	assert.ErrorIs(t, s.UpdateSubscription(ctx, next, 1), core.ErrStorageConflict)
}

func TestSQLite_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s := openTempSQLite(t)
	e := ledger.New(s, ledger.WithConflictRetries(5), ledger.WithRetryBackoff(time.Millisecond))
	_, err := e.OpenAccount(ctx, ledger.OpenAccountInput{ID: "acc", OpeningBalance: core.Money{Cents: 1000}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok, declined int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.PostExpense(ctx, ledger.ExpenseInput{
				AccountID:  "acc",
				Title:      "Coffee",
				Amount:     core.Money{Cents: 100},
				Date:       core.NewDate(2024, 3, 5),
				CategoryID: "food",
			})
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, core.ErrInsufficientFunds):
				atomic.AddInt32(&declined, 1)
			default:
				t.Errorf("PostExpense() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok)
	assert.Equal(t, int32(15), declined)
	acc, err := s.GetAccount(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.Balance.Cents)

	rep, err := e.Audit(ctx, "acc")
	require.NoError(t, err)
	assert.True(t, rep.Consistent(), "audit = %+v", rep)
}
