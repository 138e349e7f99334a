package ledger

import (
	"context"
	"fmt"
	"strings"

	"saldo/internal/amqp"
	"saldo/internal/core"
	"saldo/internal/log"
	"saldo/internal/storage"
)

type ExpenseInput struct {
	AccountID  string
	Title      string
	Amount     core.Money
	Date       core.Date
	CategoryID string
}

// ExpensePatch holds the fields to change; nil fields keep their value.
type ExpensePatch struct {
	Title      *string
	Amount     *core.Money
	Date       *core.Date
	CategoryID *string
}

type IncomeInput struct {
	AccountID string
	Title     string
	Amount    core.Money
	Date      core.Date
}

type IncomePatch struct {
	Title  *string
	Amount *core.Money
	Date   *core.Date
}

func validatePatch(title *string, amount *core.Money, date *core.Date) error {
	if title != nil && strings.TrimSpace(*title) == "" {
		return core.ErrEmptyTitle
	}
	if amount != nil {
		if err := amount.Validate(); err != nil {
			return err
		}
	}
	if date != nil {
		if err := date.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p ExpensePatch) Validate() error {
	if p.CategoryID != nil && strings.TrimSpace(*p.CategoryID) == "" {
		return core.ErrEmptyCategory
	}
	return validatePatch(p.Title, p.Amount, p.Date)
}

func (p ExpensePatch) apply(e core.Expense) core.Expense {
	if p.Title != nil {
		e.Title = strings.TrimSpace(*p.Title)
	}
	if p.Amount != nil {
		e.Amount = *p.Amount
	}
	if p.Date != nil {
		e.Date = *p.Date
	}
	if p.CategoryID != nil {
		e.CategoryID = *p.CategoryID
	}
	return e
}

func (p IncomePatch) Validate() error {
	return validatePatch(p.Title, p.Amount, p.Date)
}

func (p IncomePatch) apply(i core.Income) core.Income {
	if p.Title != nil {
		i.Title = strings.TrimSpace(*p.Title)
	}
	if p.Amount != nil {
		i.Amount = *p.Amount
	}
	if p.Date != nil {
		i.Date = *p.Date
	}
	return i
}

// mirror copies the source fields onto its ledger entry.
func mirror(entry core.LedgerEntry, title string, amount core.Money, date core.Date) core.LedgerEntry {
	entry.Title = title
	entry.Amount = entry.Kind.Signed(amount)
	entry.Date = date
	return entry
}

// PostExpense records an expense and debits the account. It fails with
// core.ErrInsufficientFunds if the balance would go below zero.
func (e *Engine) PostExpense(ctx context.Context, in ExpenseInput) (core.Expense, core.LedgerEntry, error) {
	exp := core.Expense{
		ID:         e.newID(),
		AccountID:  in.AccountID,
		Title:      strings.TrimSpace(in.Title),
		Amount:     in.Amount,
		Date:       in.Date,
		CategoryID: in.CategoryID,
	}
	if err := exp.Validate(); err != nil {
		return core.Expense{}, core.LedgerEntry{}, err
	}
	entry := mirror(core.LedgerEntry{
		ID:        e.newID(),
		AccountID: exp.AccountID,
		Kind:      core.KindExpense,
		SourceRef: exp.ID,
	}, exp.Title, exp.Amount, exp.Date)

	var balance core.Money
	err := e.atomic(ctx, "post expense", func(q storage.Queries) error {
		acc, err := q.GetAccountForUpdate(ctx, exp.AccountID)
		if err != nil {
			return err
		}
		next, err := nextBalance(acc, entry.Amount, true)
		if err != nil {
			return err
		}
		if err := q.InsertExpense(ctx, exp); err != nil {
			return err
		}
		if err := q.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := storeBalance(ctx, q, acc, next); err != nil {
			return err
		}
		balance = next
		return nil
	})
	if err != nil {
		return core.Expense{}, core.LedgerEntry{}, fmt.Errorf("post expense: %w", err)
	}

	e.logCommitted(ctx, "Expense posted", entry, balance)
	e.publish(ctx, entryEvent(amqp.EventExpensePosted, entry, entry.Amount, balance))
	return exp, entry, nil
}

// PostIncome records an income and credits the account.
func (e *Engine) PostIncome(ctx context.Context, in IncomeInput) (core.Income, core.LedgerEntry, error) {
	inc := core.Income{
		ID:        e.newID(),
		AccountID: in.AccountID,
		Title:     strings.TrimSpace(in.Title),
		Amount:    in.Amount,
		Date:      in.Date,
	}
	if err := inc.Validate(); err != nil {
		return core.Income{}, core.LedgerEntry{}, err
	}
	entry := mirror(core.LedgerEntry{
		ID:        e.newID(),
		AccountID: inc.AccountID,
		Kind:      core.KindIncome,
		SourceRef: inc.ID,
	}, inc.Title, inc.Amount, inc.Date)

	var balance core.Money
	err := e.atomic(ctx, "post income", func(q storage.Queries) error {
		acc, err := q.GetAccountForUpdate(ctx, inc.AccountID)
		if err != nil {
			return err
		}
		next, err := nextBalance(acc, entry.Amount, false)
		if err != nil {
			return err
		}
		if err := q.InsertIncome(ctx, inc); err != nil {
			return err
		}
		if err := q.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := storeBalance(ctx, q, acc, next); err != nil {
			return err
		}
		balance = next
		return nil
	})
	if err != nil {
		return core.Income{}, core.LedgerEntry{}, fmt.Errorf("post income: %w", err)
	}

	e.logCommitted(ctx, "Income posted", entry, balance)
	e.publish(ctx, entryEvent(amqp.EventIncomePosted, entry, entry.Amount, balance))
	return inc, entry, nil
}

// ReviseExpense changes an expense and re-derives the balance from the
// difference between the old and new amount. The revision is refused with
// core.ErrInsufficientFunds if the resulting balance is negative.
func (e *Engine) ReviseExpense(ctx context.Context, accountID, expenseID string, patch ExpensePatch) (core.Expense, error) {
	if err := patch.Validate(); err != nil {
		return core.Expense{}, err
	}

	var (
		revised core.Expense
		entry   core.LedgerEntry
		delta   core.Money
		balance core.Money
	)
	err := e.atomic(ctx, "revise expense", func(q storage.Queries) error {
		acc, err := q.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		old, err := q.GetExpense(ctx, expenseID)
		if err != nil {
			return err
		}
		if old.AccountID != accountID {
			return fmt.Errorf("expense %s: %w", expenseID, core.ErrNotFound)
		}
		ent, err := e.pairedEntry(ctx, q, core.KindExpense, old.ID)
		if err != nil {
			return err
		}

		upd := patch.apply(old)
		if err := upd.Validate(); err != nil {
			return err
		}
		d := old.Amount.Sub(upd.Amount)
		next, err := nextBalance(acc, d, true)
		if err != nil {
			return err
		}
		ent = mirror(ent, upd.Title, upd.Amount, upd.Date)

		if err := q.UpdateExpense(ctx, upd); err != nil {
			return err
		}
		if err := q.UpdateEntry(ctx, ent); err != nil {
			return err
		}
		if err := storeBalance(ctx, q, acc, next); err != nil {
			return err
		}
		revised, entry, delta, balance = upd, ent, d, next
		return nil
	})
	if err != nil {
		return core.Expense{}, fmt.Errorf("revise expense %s: %w", expenseID, err)
	}

	e.logCommitted(ctx, "Expense revised", entry, balance)
	e.publish(ctx, entryEvent(amqp.EventExpenseRevised, entry, delta, balance))
	return revised, nil
}

// ReviseIncome is ReviseExpense for incomes. The balance has no lower bound.
func (e *Engine) ReviseIncome(ctx context.Context, accountID, incomeID string, patch IncomePatch) (core.Income, error) {
	if err := patch.Validate(); err != nil {
		return core.Income{}, err
	}

	var (
		revised core.Income
		entry   core.LedgerEntry
		delta   core.Money
		balance core.Money
	)
	err := e.atomic(ctx, "revise income", func(q storage.Queries) error {
		acc, err := q.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		old, err := q.GetIncome(ctx, incomeID)
		if err != nil {
			return err
		}
		if old.AccountID != accountID {
			return fmt.Errorf("income %s: %w", incomeID, core.ErrNotFound)
		}
		ent, err := e.pairedEntry(ctx, q, core.KindIncome, old.ID)
		if err != nil {
			return err
		}

		upd := patch.apply(old)
		if err := upd.Validate(); err != nil {
			return err
		}
		d := upd.Amount.Sub(old.Amount)
		next, err := nextBalance(acc, d, false)
		if err != nil {
			return err
		}
		ent = mirror(ent, upd.Title, upd.Amount, upd.Date)

		if err := q.UpdateIncome(ctx, upd); err != nil {
			return err
		}
		if err := q.UpdateEntry(ctx, ent); err != nil {
			return err
		}
		if err := storeBalance(ctx, q, acc, next); err != nil {
			return err
		}
		revised, entry, delta, balance = upd, ent, d, next
		return nil
	})
	if err != nil {
		return core.Income{}, fmt.Errorf("revise income %s: %w", incomeID, err)
	}

	e.logCommitted(ctx, "Income revised", entry, balance)
	e.publish(ctx, entryEvent(amqp.EventIncomeRevised, entry, delta, balance))
	return revised, nil
}

// RetractExpense deletes an expense with its ledger entry and gives the
// amount back to the account.
func (e *Engine) RetractExpense(ctx context.Context, accountID, expenseID string) error {
	var (
		entry   core.LedgerEntry
		balance core.Money
	)
	err := e.atomic(ctx, "retract expense", func(q storage.Queries) error {
		acc, err := q.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		old, err := q.GetExpense(ctx, expenseID)
		if err != nil {
			return err
		}
		if old.AccountID != accountID {
			return fmt.Errorf("expense %s: %w", expenseID, core.ErrNotFound)
		}
		ent, err := e.pairedEntry(ctx, q, core.KindExpense, old.ID)
		if err != nil {
			return err
		}
		next, err := nextBalance(acc, ent.Amount.Neg(), false)
		if err != nil {
			return err
		}

		if err := q.DeleteEntry(ctx, ent.ID); err != nil {
			return err
		}
		if err := q.DeleteExpense(ctx, old.ID); err != nil {
			return err
		}
		if err := storeBalance(ctx, q, acc, next); err != nil {
			return err
		}
		entry, balance = ent, next
		return nil
	})
	if err != nil {
		return fmt.Errorf("retract expense %s: %w", expenseID, err)
	}

	e.logCommitted(ctx, "Expense retracted", entry, balance)
	e.publish(ctx, entryEvent(amqp.EventExpenseRetracted, entry, entry.Amount.Neg(), balance))
	return nil
}

// RetractIncome deletes an income with its ledger entry and takes the amount
// back out of the account, even if that leaves the balance negative.
func (e *Engine) RetractIncome(ctx context.Context, accountID, incomeID string) error {
	var (
		entry   core.LedgerEntry
		balance core.Money
	)
	err := e.atomic(ctx, "retract income", func(q storage.Queries) error {
		acc, err := q.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		old, err := q.GetIncome(ctx, incomeID)
		if err != nil {
			return err
		}
		if old.AccountID != accountID {
			return fmt.Errorf("income %s: %w", incomeID, core.ErrNotFound)
		}
		ent, err := e.pairedEntry(ctx, q, core.KindIncome, old.ID)
		if err != nil {
			return err
		}
		next, err := nextBalance(acc, ent.Amount.Neg(), false)
		if err != nil {
			return err
		}

		if err := q.DeleteEntry(ctx, ent.ID); err != nil {
			return err
		}
		if err := q.DeleteIncome(ctx, old.ID); err != nil {
			return err
		}
		if err := storeBalance(ctx, q, acc, next); err != nil {
			return err
		}
		entry, balance = ent, next
		return nil
	})
	if err != nil {
		return fmt.Errorf("retract income %s: %w", incomeID, err)
	}

	e.logCommitted(ctx, "Income retracted", entry, balance)
	e.publish(ctx, entryEvent(amqp.EventIncomeRetracted, entry, entry.Amount.Neg(), balance))
	return nil
}

func (e *Engine) logCommitted(ctx context.Context, msg string, entry core.LedgerEntry, balance core.Money) {
	fields := log.NewFields().
		WithEntry(entry.AccountID, entry.ID, string(entry.Kind), entry.SourceRef, entry.Amount.Cents).
		WithBalance(balance.Cents)
	e.logger.InfoContext(ctx, msg, fields.ToSlice()...)
}
