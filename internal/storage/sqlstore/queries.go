package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"saldo/internal/core"
	"saldo/internal/storage"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db  execer
	d   Dialect
	now func() time.Time
}

var _ storage.Queries = (*queries)(nil)

type scanner interface {
	Scan(dest ...any) error
}

const (
	accountColumns      = `id, balance_cents, opening_balance_cents, monthly_budget_cents, version, created_at`
	entryColumns        = `id, account_id, title, amount_cents, date, kind, source_ref, created_at`
	expenseColumns      = `id, account_id, title, amount_cents, date, category_id, created_at, updated_at`
	incomeColumns       = `id, account_id, title, amount_cents, date, created_at, updated_at`
	subscriptionColumns = `id, account_id, title, frequency, start_date, end_date, next_payment_date,
		amount_cents, active, lapse_reason, version, created_at, updated_at`
	categoryColumns = `id, account_id, title, budget_cents, colour, created_at`
)

func (q *queries) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.d.rebind(query), args...)
	if err != nil {
		return 0, q.d.translate(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, q.d.translate(op, err)
	}
	return n, nil
}

// mustAffect runs a keyed write and reports ErrNotFound when no row matched.
func (q *queries) mustAffect(ctx context.Context, op, what, id, query string, args ...any) error {
	n, err := q.exec(ctx, op, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %s %s: %w", op, what, id, core.ErrNotFound)
	}
	return nil
}

func queryAll[T any](ctx context.Context, q *queries, op string, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.db.QueryContext(ctx, q.d.rebind(query), args...)
	if err != nil {
		return nil, q.d.translate(op, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, q.d.translate(op, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, q.d.translate(op, err)
	}
	return out, nil
}

// Accounts

func scanAccount(s scanner) (core.Account, error) {
	var a core.Account
	err := s.Scan(&a.ID, &a.Balance.Cents, &a.OpeningBalance.Cents, &a.MonthlyBudget.Cents, &a.Version, &a.CreatedAt)
	return a, err
}

func (q *queries) CreateAccount(ctx context.Context, a core.Account) error {
	if a.Version == 0 {
		a.Version = 1
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = q.now()
	}
	_, err := q.exec(ctx, "create account",
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Balance.Cents, a.OpeningBalance.Cents, a.MonthlyBudget.Cents, a.Version, a.CreatedAt.UTC())
	return err
}

func (q *queries) GetAccount(ctx context.Context, id string) (core.Account, error) {
	a, err := scanAccount(q.db.QueryRowContext(ctx, q.d.rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id))
	return a, q.d.translate("get account "+id, err)
}

func (q *queries) GetAccountForUpdate(ctx context.Context, id string) (core.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?` + q.d.forUpdate
	a, err := scanAccount(q.db.QueryRowContext(ctx, q.d.rebind(query), id))
	return a, q.d.translate("lock account "+id, err)
}

func (q *queries) UpdateAccountBalance(ctx context.Context, id string, balance core.Money, expectedVersion int64) error {
	n, err := q.exec(ctx, "update account balance",
		`UPDATE accounts SET balance_cents = ?, version = version + 1 WHERE id = ? AND version = ?`,
		balance.Cents, id, expectedVersion)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update account balance: account %s version %d: %w", id, expectedVersion, core.ErrStorageConflict)
	}
	return nil
}

func (q *queries) UpdateAccountBudget(ctx context.Context, id string, budget core.Money) error {
	return q.mustAffect(ctx, "update account budget", "account", id,
		`UPDATE accounts SET monthly_budget_cents = ? WHERE id = ?`, budget.Cents, id)
}

// Ledger entries

func scanEntry(s scanner) (core.LedgerEntry, error) {
	var e core.LedgerEntry
	var kind string
	err := s.Scan(&e.ID, &e.AccountID, &e.Title, &e.Amount.Cents, &e.Date, &kind, &e.SourceRef, &e.CreatedAt)
	e.Kind = core.EntryKind(kind)
	return e, err
}

func (q *queries) InsertEntry(ctx context.Context, e core.LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = q.now()
	}
	_, err := q.exec(ctx, "insert ledger entry",
		`INSERT INTO ledger_entries (`+entryColumns+`, pair_key) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Title, e.Amount.Cents, e.Date, string(e.Kind), e.SourceRef, e.CreatedAt.UTC(), e.PairKey())
	return err
}

func (q *queries) GetEntryByPairKey(ctx context.Context, pairKey string) (core.LedgerEntry, error) {
	e, err := scanEntry(q.db.QueryRowContext(ctx,
		q.d.rebind(`SELECT `+entryColumns+` FROM ledger_entries WHERE pair_key = ?`), pairKey))
	return e, q.d.translate("get ledger entry "+pairKey, err)
}

func (q *queries) UpdateEntry(ctx context.Context, e core.LedgerEntry) error {
	return q.mustAffect(ctx, "update ledger entry", "ledger entry", e.ID,
		`UPDATE ledger_entries SET title = ?, amount_cents = ?, date = ?, pair_key = ? WHERE id = ?`,
		e.Title, e.Amount.Cents, e.Date, e.PairKey(), e.ID)
}

func (q *queries) DeleteEntry(ctx context.Context, id string) error {
	return q.mustAffect(ctx, "delete ledger entry", "ledger entry", id,
		`DELETE FROM ledger_entries WHERE id = ?`, id)
}

func (q *queries) ListEntries(ctx context.Context, accountID string, from, to core.Date) ([]core.LedgerEntry, error) {
	return queryAll(ctx, q, "list ledger entries", scanEntry,
		`SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = ? AND date >= ? AND date <= ?
		ORDER BY date, id`, accountID, from, to)
}

// Expenses

func scanExpense(s scanner) (core.Expense, error) {
	var e core.Expense
	err := s.Scan(&e.ID, &e.AccountID, &e.Title, &e.Amount.Cents, &e.Date, &e.CategoryID, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (q *queries) InsertExpense(ctx context.Context, e core.Expense) error {
	now := q.now().UTC()
	_, err := q.exec(ctx, "insert expense",
		`INSERT INTO expenses (`+expenseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Title, e.Amount.Cents, e.Date, e.CategoryID, now, now)
	return err
}

func (q *queries) GetExpense(ctx context.Context, id string) (core.Expense, error) {
	e, err := scanExpense(q.db.QueryRowContext(ctx, q.d.rebind(`SELECT `+expenseColumns+` FROM expenses WHERE id = ?`), id))
	return e, q.d.translate("get expense "+id, err)
}

func (q *queries) UpdateExpense(ctx context.Context, e core.Expense) error {
	return q.mustAffect(ctx, "update expense", "expense", e.ID,
		`UPDATE expenses SET title = ?, amount_cents = ?, date = ?, category_id = ?, updated_at = ? WHERE id = ?`,
		e.Title, e.Amount.Cents, e.Date, e.CategoryID, q.now().UTC(), e.ID)
}

func (q *queries) DeleteExpense(ctx context.Context, id string) error {
	return q.mustAffect(ctx, "delete expense", "expense", id, `DELETE FROM expenses WHERE id = ?`, id)
}

func (q *queries) ListExpenses(ctx context.Context, accountID string, from, to core.Date) ([]core.Expense, error) {
	return queryAll(ctx, q, "list expenses", scanExpense,
		`SELECT `+expenseColumns+` FROM expenses
		WHERE account_id = ? AND date >= ? AND date <= ?
		ORDER BY date, id`, accountID, from, to)
}

// Incomes

func scanIncome(s scanner) (core.Income, error) {
	var i core.Income
	err := s.Scan(&i.ID, &i.AccountID, &i.Title, &i.Amount.Cents, &i.Date, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

func (q *queries) InsertIncome(ctx context.Context, i core.Income) error {
	now := q.now().UTC()
	_, err := q.exec(ctx, "insert income",
		`INSERT INTO incomes (`+incomeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.AccountID, i.Title, i.Amount.Cents, i.Date, now, now)
	return err
}

func (q *queries) GetIncome(ctx context.Context, id string) (core.Income, error) {
	i, err := scanIncome(q.db.QueryRowContext(ctx, q.d.rebind(`SELECT `+incomeColumns+` FROM incomes WHERE id = ?`), id))
	return i, q.d.translate("get income "+id, err)
}

func (q *queries) UpdateIncome(ctx context.Context, i core.Income) error {
	return q.mustAffect(ctx, "update income", "income", i.ID,
		`UPDATE incomes SET title = ?, amount_cents = ?, date = ?, updated_at = ? WHERE id = ?`,
		i.Title, i.Amount.Cents, i.Date, q.now().UTC(), i.ID)
}

func (q *queries) DeleteIncome(ctx context.Context, id string) error {
	return q.mustAffect(ctx, "delete income", "income", id, `DELETE FROM incomes WHERE id = ?`, id)
}

func (q *queries) ListIncomes(ctx context.Context, accountID string, from, to core.Date) ([]core.Income, error) {
	return queryAll(ctx, q, "list incomes", scanIncome,
		`SELECT `+incomeColumns+` FROM incomes
		WHERE account_id = ? AND date >= ? AND date <= ?
		ORDER BY date, id`, accountID, from, to)
}

// Subscriptions

func scanSubscription(s scanner) (core.Subscription, error) {
	var sub core.Subscription
	var frequency, reason string
	err := s.Scan(&sub.ID, &sub.AccountID, &sub.Title, &frequency, &sub.StartDate, &sub.EndDate, &sub.NextPaymentDate,
		&sub.Amount.Cents, &sub.Active, &reason, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	sub.Frequency = core.Frequency(frequency)
	sub.LapseReason = core.LapseReason(reason)
	return sub, err
}

func (q *queries) InsertSubscription(ctx context.Context, s core.Subscription) error {
	now := q.now().UTC()
	_, err := q.exec(ctx, "insert subscription",
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		s.ID, s.AccountID, s.Title, string(s.Frequency), s.StartDate, s.EndDate, s.NextPaymentDate,
		s.Amount.Cents, s.Active, string(s.LapseReason), now, now)
	return err
}

func (q *queries) GetSubscription(ctx context.Context, id string) (core.Subscription, error) {
	s, err := scanSubscription(q.db.QueryRowContext(ctx,
		q.d.rebind(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`), id))
	return s, q.d.translate("get subscription "+id, err)
}

func (q *queries) UpdateSubscription(ctx context.Context, s core.Subscription, expectedVersion int64) error {
	n, err := q.exec(ctx, "update subscription",
		`UPDATE subscriptions SET title = ?, frequency = ?, start_date = ?, end_date = ?, next_payment_date = ?,
			amount_cents = ?, active = ?, lapse_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		s.Title, string(s.Frequency), s.StartDate, s.EndDate, s.NextPaymentDate,
		s.Amount.Cents, s.Active, string(s.LapseReason), q.now().UTC(), s.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a stale version from a missing row.
		if _, err := q.GetSubscription(ctx, s.ID); err != nil {
			return err
		}
		return fmt.Errorf("update subscription: subscription %s version %d: %w", s.ID, expectedVersion, core.ErrStorageConflict)
	}
	return nil
}

func (q *queries) DeleteSubscription(ctx context.Context, id string) error {
	return q.mustAffect(ctx, "delete subscription", "subscription", id, `DELETE FROM subscriptions WHERE id = ?`, id)
}

func (q *queries) ListSubscriptions(ctx context.Context, accountID string) ([]core.Subscription, error) {
	return queryAll(ctx, q, "list subscriptions", scanSubscription,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = ? ORDER BY next_payment_date, id`, accountID)
}

func (q *queries) ListDueSubscriptions(ctx context.Context, on core.Date) ([]core.Subscription, error) {
	return queryAll(ctx, q, "list due subscriptions", scanSubscription,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE active = ? AND next_payment_date = ? ORDER BY id`, true, on)
}

func (q *queries) ListUpcomingSubscriptions(ctx context.Context, accountID string, from, to core.Date) ([]core.Subscription, error) {
	return queryAll(ctx, q, "list upcoming subscriptions", scanSubscription,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE account_id = ? AND active = ? AND next_payment_date >= ? AND next_payment_date <= ?
		ORDER BY next_payment_date, id`, accountID, true, from, to)
}

// Categories

func scanCategory(s scanner) (core.Category, error) {
	var c core.Category
	err := s.Scan(&c.ID, &c.AccountID, &c.Title, &c.Budget.Cents, &c.Colour, &c.CreatedAt)
	return c, err
}

func (q *queries) InsertCategory(ctx context.Context, c core.Category) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = q.now()
	}
	_, err := q.exec(ctx, "insert category",
		`INSERT INTO categories (`+categoryColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.Title, c.Budget.Cents, c.Colour, c.CreatedAt.UTC())
	return err
}

func (q *queries) GetCategory(ctx context.Context, id string) (core.Category, error) {
	c, err := scanCategory(q.db.QueryRowContext(ctx, q.d.rebind(`SELECT `+categoryColumns+` FROM categories WHERE id = ?`), id))
	return c, q.d.translate("get category "+id, err)
}

func (q *queries) ListCategories(ctx context.Context, accountID string) ([]core.Category, error) {
	return queryAll(ctx, q, "list categories", scanCategory,
		`SELECT `+categoryColumns+` FROM categories WHERE account_id = ? ORDER BY created_at, title`, accountID)
}
