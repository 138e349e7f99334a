package memory

import (
	"context"
	"fmt"
	"maps"
	"time"

	"saldo/internal/core"
	"saldo/internal/storage"
)

// state is the unlocked record set. It implements storage.Queries and is
// only touched while the owning Store holds its mutex.
type state struct {
	accounts      map[string]core.Account
	entries       map[string]core.LedgerEntry
	pairKeys      map[string]string // pair key -> entry id
	expenses      map[string]core.Expense
	incomes       map[string]core.Income
	subscriptions map[string]core.Subscription
	categories    map[string]core.Category
	now           func() time.Time
}

var _ storage.Queries = (*state)(nil)

func newState() *state {
	return &state{
		accounts:      make(map[string]core.Account),
		entries:       make(map[string]core.LedgerEntry),
		pairKeys:      make(map[string]string),
		expenses:      make(map[string]core.Expense),
		incomes:       make(map[string]core.Income),
		subscriptions: make(map[string]core.Subscription),
		categories:    make(map[string]core.Category),
		now:           time.Now,
	}
}

func (st *state) clone() *state {
	return &state{
		accounts:      maps.Clone(st.accounts),
		entries:       maps.Clone(st.entries),
		pairKeys:      maps.Clone(st.pairKeys),
		expenses:      maps.Clone(st.expenses),
		incomes:       maps.Clone(st.incomes),
		subscriptions: maps.Clone(st.subscriptions),
		categories:    maps.Clone(st.categories),
		now:           st.now,
	}
}

func (st *state) CreateAccount(_ context.Context, a core.Account) error {
	if _, exists := st.accounts[a.ID]; exists {
		return fmt.Errorf("account %s: %w", a.ID, core.ErrDuplicate)
	}
	if a.Version == 0 {
		a.Version = 1
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = st.now()
	}
	st.accounts[a.ID] = a
	return nil
}

func (st *state) GetAccount(_ context.Context, id string) (core.Account, error) {
	a, ok := st.accounts[id]
	if !ok {
		return core.Account{}, notFound("account", id)
	}
	return a, nil
}

func (st *state) GetAccountForUpdate(ctx context.Context, id string) (core.Account, error) {
	return st.GetAccount(ctx, id)
}

func (st *state) UpdateAccountBalance(_ context.Context, id string, balance core.Money, expectedVersion int64) error {
	a, ok := st.accounts[id]
	if !ok {
		return notFound("account", id)
	}
	if a.Version != expectedVersion {
		return fmt.Errorf("account %s version %d, expected %d: %w", id, a.Version, expectedVersion, core.ErrStorageConflict)
	}
	a.Balance = balance
	a.Version++
	st.accounts[id] = a
	return nil
}

func (st *state) UpdateAccountBudget(_ context.Context, id string, budget core.Money) error {
	a, ok := st.accounts[id]
	if !ok {
		return notFound("account", id)
	}
	a.MonthlyBudget = budget
	st.accounts[id] = a
	return nil
}

func (st *state) InsertEntry(_ context.Context, e core.LedgerEntry) error {
	if _, exists := st.entries[e.ID]; exists {
		return fmt.Errorf("ledger entry %s: %w", e.ID, core.ErrDuplicate)
	}
	key := e.PairKey()
	if _, exists := st.pairKeys[key]; exists {
		return fmt.Errorf("ledger entry %s: %w", key, core.ErrDuplicate)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = st.now()
	}
	st.entries[e.ID] = e
	st.pairKeys[key] = e.ID
	return nil
}

func (st *state) GetEntryByPairKey(_ context.Context, pairKey string) (core.LedgerEntry, error) {
	id, ok := st.pairKeys[pairKey]
	if !ok {
		return core.LedgerEntry{}, notFound("ledger entry", pairKey)
	}
	return st.entries[id], nil
}

func (st *state) UpdateEntry(_ context.Context, e core.LedgerEntry) error {
	old, ok := st.entries[e.ID]
	if !ok {
		return notFound("ledger entry", e.ID)
	}
	oldKey, newKey := old.PairKey(), e.PairKey()
	if oldKey != newKey {
		if _, taken := st.pairKeys[newKey]; taken {
			return fmt.Errorf("ledger entry %s: %w", newKey, core.ErrDuplicate)
		}
		delete(st.pairKeys, oldKey)
		st.pairKeys[newKey] = e.ID
	}
	e.CreatedAt = old.CreatedAt
	st.entries[e.ID] = e
	return nil
}

func (st *state) DeleteEntry(_ context.Context, id string) error {
	e, ok := st.entries[id]
	if !ok {
		return notFound("ledger entry", id)
	}
	delete(st.pairKeys, e.PairKey())
	delete(st.entries, id)
	return nil
}

func (st *state) ListEntries(_ context.Context, accountID string, from, to core.Date) ([]core.LedgerEntry, error) {
	var out []core.LedgerEntry
	for _, e := range st.entries {
		if e.AccountID == accountID && inRange(e.Date, from, to) {
			out = append(out, e)
		}
	}
	sortByDate(out, func(e core.LedgerEntry) core.Date { return e.Date }, func(e core.LedgerEntry) string { return e.ID })
	return out, nil
}

func (st *state) InsertExpense(_ context.Context, e core.Expense) error {
	if _, exists := st.expenses[e.ID]; exists {
		return fmt.Errorf("expense %s: %w", e.ID, core.ErrDuplicate)
	}
	now := st.now()
	e.CreatedAt, e.UpdatedAt = now, now
	st.expenses[e.ID] = e
	return nil
}

func (st *state) GetExpense(_ context.Context, id string) (core.Expense, error) {
	e, ok := st.expenses[id]
	if !ok {
		return core.Expense{}, notFound("expense", id)
	}
	return e, nil
}

func (st *state) UpdateExpense(_ context.Context, e core.Expense) error {
	old, ok := st.expenses[e.ID]
	if !ok {
		return notFound("expense", e.ID)
	}
	e.CreatedAt, e.UpdatedAt = old.CreatedAt, st.now()
	st.expenses[e.ID] = e
	return nil
}

func (st *state) DeleteExpense(_ context.Context, id string) error {
	if _, ok := st.expenses[id]; !ok {
		return notFound("expense", id)
	}
	delete(st.expenses, id)
	return nil
}

func (st *state) ListExpenses(_ context.Context, accountID string, from, to core.Date) ([]core.Expense, error) {
	var out []core.Expense
	for _, e := range st.expenses {
		if e.AccountID == accountID && inRange(e.Date, from, to) {
			out = append(out, e)
		}
	}
	sortByDate(out, func(e core.Expense) core.Date { return e.Date }, func(e core.Expense) string { return e.ID })
	return out, nil
}

func (st *state) InsertIncome(_ context.Context, i core.Income) error {
	if _, exists := st.incomes[i.ID]; exists {
		return fmt.Errorf("income %s: %w", i.ID, core.ErrDuplicate)
	}
	now := st.now()
	i.CreatedAt, i.UpdatedAt = now, now
	st.incomes[i.ID] = i
	return nil
}

func (st *state) GetIncome(_ context.Context, id string) (core.Income, error) {
	i, ok := st.incomes[id]
	if !ok {
		return core.Income{}, notFound("income", id)
	}
	return i, nil
}

func (st *state) UpdateIncome(_ context.Context, i core.Income) error {
	old, ok := st.incomes[i.ID]
	if !ok {
		return notFound("income", i.ID)
	}
	i.CreatedAt, i.UpdatedAt = old.CreatedAt, st.now()
	st.incomes[i.ID] = i
	return nil
}

func (st *state) DeleteIncome(_ context.Context, id string) error {
	if _, ok := st.incomes[id]; !ok {
		return notFound("income", id)
	}
	delete(st.incomes, id)
	return nil
}

func (st *state) ListIncomes(_ context.Context, accountID string, from, to core.Date) ([]core.Income, error) {
	var out []core.Income
	for _, i := range st.incomes {
		if i.AccountID == accountID && inRange(i.Date, from, to) {
			out = append(out, i)
		}
	}
	sortByDate(out, func(i core.Income) core.Date { return i.Date }, func(i core.Income) string { return i.ID })
	return out, nil
}

func (st *state) InsertSubscription(_ context.Context, s core.Subscription) error {
	if _, exists := st.subscriptions[s.ID]; exists {
		return fmt.Errorf("subscription %s: %w", s.ID, core.ErrDuplicate)
	}
	now := st.now()
	s.Version = 1
	s.CreatedAt, s.UpdatedAt = now, now
	st.subscriptions[s.ID] = s
	return nil
}

func (st *state) GetSubscription(_ context.Context, id string) (core.Subscription, error) {
	s, ok := st.subscriptions[id]
	if !ok {
		return core.Subscription{}, notFound("subscription", id)
	}
	return s, nil
}

func (st *state) UpdateSubscription(_ context.Context, s core.Subscription, expectedVersion int64) error {
	old, ok := st.subscriptions[s.ID]
	if !ok {
		return notFound("subscription", s.ID)
	}
	if old.Version != expectedVersion {
		return fmt.Errorf("subscription %s version %d, expected %d: %w", s.ID, old.Version, expectedVersion, core.ErrStorageConflict)
	}
	s.Version = old.Version + 1
	s.CreatedAt, s.UpdatedAt = old.CreatedAt, st.now()
	st.subscriptions[s.ID] = s
	return nil
}

func (st *state) DeleteSubscription(_ context.Context, id string) error {
	if _, ok := st.subscriptions[id]; !ok {
		return notFound("subscription", id)
	}
	delete(st.subscriptions, id)
	return nil
}

func (st *state) ListSubscriptions(_ context.Context, accountID string) ([]core.Subscription, error) {
	var out []core.Subscription
	for _, s := range st.subscriptions {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	sortByDate(out, func(s core.Subscription) core.Date { return s.NextPaymentDate }, func(s core.Subscription) string { return s.ID })
	return out, nil
}

func (st *state) ListDueSubscriptions(_ context.Context, on core.Date) ([]core.Subscription, error) {
	var out []core.Subscription
	for _, s := range st.subscriptions {
		if s.Active && s.NextPaymentDate.SameDay(on) {
			out = append(out, s)
		}
	}
	sortByDate(out, func(s core.Subscription) core.Date { return s.NextPaymentDate }, func(s core.Subscription) string { return s.ID })
	return out, nil
}

func (st *state) ListUpcomingSubscriptions(_ context.Context, accountID string, from, to core.Date) ([]core.Subscription, error) {
	var out []core.Subscription
	for _, s := range st.subscriptions {
		if s.AccountID == accountID && s.Active && inRange(s.NextPaymentDate, from, to) {
			out = append(out, s)
		}
	}
	sortByDate(out, func(s core.Subscription) core.Date { return s.NextPaymentDate }, func(s core.Subscription) string { return s.ID })
	return out, nil
}

func (st *state) InsertCategory(_ context.Context, c core.Category) error {
	if _, exists := st.categories[c.ID]; exists {
		return fmt.Errorf("category %s: %w", c.ID, core.ErrDuplicate)
	}
	for _, other := range st.categories {
		if other.AccountID == c.AccountID && other.Title == c.Title {
			return fmt.Errorf("category %q: %w", c.Title, core.ErrDuplicate)
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = st.now()
	}
	st.categories[c.ID] = c
	return nil
}

func (st *state) GetCategory(_ context.Context, id string) (core.Category, error) {
	c, ok := st.categories[id]
	if !ok {
		return core.Category{}, notFound("category", id)
	}
	return c, nil
}

func (st *state) ListCategories(_ context.Context, accountID string) ([]core.Category, error) {
	var out []core.Category
	for _, c := range st.categories {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	sortByDate(out, func(c core.Category) core.Date { return core.DateOf(c.CreatedAt) }, func(c core.Category) string { return c.Title })
	return out, nil
}
