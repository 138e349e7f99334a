// Package memory provides an in-process storage.Store.
//
// Transactions are serialized by a single mutex and run against a copy of
// the state that replaces the live state only when the transaction function
// succeeds, so readers never observe partial writes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"saldo/internal/core"
	"saldo/internal/storage"
)

var errClosed = errors.New("memory store is closed")

type Store struct {
	mu     sync.Mutex
	state  *state
	closed bool
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{state: newState(), now: time.Now}
}

func (s *Store) Atomic(ctx context.Context, fn func(q storage.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}

	staged := s.state.clone()
	staged.now = s.now
	if err := fn(staged); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// read runs fn against the live state under the store lock.
func read[T any](s *Store, fn func(st *state) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if s.closed {
		return zero, errClosed
	}
	return fn(s.state)
}

// write runs a single statement as its own transaction.
func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	return s.Atomic(ctx, func(q storage.Queries) error {
		return fn(q.(*state))
	})
}

func (s *Store) CreateAccount(ctx context.Context, a core.Account) error {
	return s.write(ctx, func(st *state) error { return st.CreateAccount(ctx, a) })
}

func (s *Store) GetAccount(ctx context.Context, id string) (core.Account, error) {
	return read(s, func(st *state) (core.Account, error) { return st.GetAccount(ctx, id) })
}

func (s *Store) GetAccountForUpdate(ctx context.Context, id string) (core.Account, error) {
	return s.GetAccount(ctx, id)
}

func (s *Store) UpdateAccountBalance(ctx context.Context, id string, balance core.Money, expectedVersion int64) error {
	return s.write(ctx, func(st *state) error { return st.UpdateAccountBalance(ctx, id, balance, expectedVersion) })
}

func (s *Store) UpdateAccountBudget(ctx context.Context, id string, budget core.Money) error {
	return s.write(ctx, func(st *state) error { return st.UpdateAccountBudget(ctx, id, budget) })
}

func (s *Store) InsertEntry(ctx context.Context, e core.LedgerEntry) error {
	return s.write(ctx, func(st *state) error { return st.InsertEntry(ctx, e) })
}

func (s *Store) GetEntryByPairKey(ctx context.Context, pairKey string) (core.LedgerEntry, error) {
	return read(s, func(st *state) (core.LedgerEntry, error) { return st.GetEntryByPairKey(ctx, pairKey) })
}

func (s *Store) UpdateEntry(ctx context.Context, e core.LedgerEntry) error {
	return s.write(ctx, func(st *state) error { return st.UpdateEntry(ctx, e) })
}

func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	return s.write(ctx, func(st *state) error { return st.DeleteEntry(ctx, id) })
}

func (s *Store) ListEntries(ctx context.Context, accountID string, from, to core.Date) ([]core.LedgerEntry, error) {
	return read(s, func(st *state) ([]core.LedgerEntry, error) { return st.ListEntries(ctx, accountID, from, to) })
}

func (s *Store) InsertExpense(ctx context.Context, e core.Expense) error {
	return s.write(ctx, func(st *state) error { return st.InsertExpense(ctx, e) })
}

func (s *Store) GetExpense(ctx context.Context, id string) (core.Expense, error) {
	return read(s, func(st *state) (core.Expense, error) { return st.GetExpense(ctx, id) })
}

func (s *Store) UpdateExpense(ctx context.Context, e core.Expense) error {
	return s.write(ctx, func(st *state) error { return st.UpdateExpense(ctx, e) })
}

func (s *Store) DeleteExpense(ctx context.Context, id string) error {
	return s.write(ctx, func(st *state) error { return st.DeleteExpense(ctx, id) })
}

func (s *Store) ListExpenses(ctx context.Context, accountID string, from, to core.Date) ([]core.Expense, error) {
	return read(s, func(st *state) ([]core.Expense, error) { return st.ListExpenses(ctx, accountID, from, to) })
}

func (s *Store) InsertIncome(ctx context.Context, i core.Income) error {
	return s.write(ctx, func(st *state) error { return st.InsertIncome(ctx, i) })
}

func (s *Store) GetIncome(ctx context.Context, id string) (core.Income, error) {
	return read(s, func(st *state) (core.Income, error) { return st.GetIncome(ctx, id) })
}

func (s *Store) UpdateIncome(ctx context.Context, i core.Income) error {
	return s.write(ctx, func(st *state) error { return st.UpdateIncome(ctx, i) })
}

func (s *Store) DeleteIncome(ctx context.Context, id string) error {
	return s.write(ctx, func(st *state) error { return st.DeleteIncome(ctx, id) })
}

func (s *Store) ListIncomes(ctx context.Context, accountID string, from, to core.Date) ([]core.Income, error) {
	return read(s, func(st *state) ([]core.Income, error) { return st.ListIncomes(ctx, accountID, from, to) })
}

func (s *Store) InsertSubscription(ctx context.Context, sub core.Subscription) error {
	return s.write(ctx, func(st *state) error { return st.InsertSubscription(ctx, sub) })
}

func (s *Store) GetSubscription(ctx context.Context, id string) (core.Subscription, error) {
	return read(s, func(st *state) (core.Subscription, error) { return st.GetSubscription(ctx, id) })
}

func (s *Store) UpdateSubscription(ctx context.Context, sub core.Subscription, expectedVersion int64) error {
	return s.write(ctx, func(st *state) error { return st.UpdateSubscription(ctx, sub, expectedVersion) })
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	return s.write(ctx, func(st *state) error { return st.DeleteSubscription(ctx, id) })
}

func (s *Store) ListSubscriptions(ctx context.Context, accountID string) ([]core.Subscription, error) {
	return read(s, func(st *state) ([]core.Subscription, error) { return st.ListSubscriptions(ctx, accountID) })
}

func (s *Store) ListDueSubscriptions(ctx context.Context, on core.Date) ([]core.Subscription, error) {
	return read(s, func(st *state) ([]core.Subscription, error) { return st.ListDueSubscriptions(ctx, on) })
}

func (s *Store) ListUpcomingSubscriptions(ctx context.Context, accountID string, from, to core.Date) ([]core.Subscription, error) {
	return read(s, func(st *state) ([]core.Subscription, error) {
		return st.ListUpcomingSubscriptions(ctx, accountID, from, to)
	})
}

func (s *Store) InsertCategory(ctx context.Context, c core.Category) error {
	return s.write(ctx, func(st *state) error { return st.InsertCategory(ctx, c) })
}

func (s *Store) GetCategory(ctx context.Context, id string) (core.Category, error) {
	return read(s, func(st *state) (core.Category, error) { return st.GetCategory(ctx, id) })
}

func (s *Store) ListCategories(ctx context.Context, accountID string) ([]core.Category, error) {
	return read(s, func(st *state) ([]core.Category, error) { return st.ListCategories(ctx, accountID) })
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, core.ErrNotFound)
}

func inRange(d, from, to core.Date) bool {
	return !d.Time.Before(from.Time) && !d.Time.After(to.Time)
}

func sortByDate[T any](items []T, date func(T) core.Date, id func(T) string) {
	sort.Slice(items, func(i, j int) bool {
		di, dj := date(items[i]), date(items[j])
		if di.Equal(dj.Time) {
			return id(items[i]) < id(items[j])
		}
		return di.Time.Before(dj.Time)
	})
}
