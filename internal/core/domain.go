package core

import (
	"strings"
	"time"
)

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	BiWeekly  Frequency = "bi-weekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Yearly    Frequency = "yearly"
)

const (
	KindIncome       EntryKind = "income"
	KindExpense      EntryKind = "expense"
	KindSubscription EntryKind = "subscription"
)

const (
	LapseNone     LapseReason = ""
	LapseExpired  LapseReason = "expired"
	LapseDeclined LapseReason = "declined"
)

const maxTitleLength = 200

type (
	Frequency   string
	EntryKind   string
	LapseReason string

	// Account is the per-user aggregate holding the running balance.
	// Balance is only ever written by the ledger engine.
	Account struct {
		ID             string
		Balance        Money // signed
		OpeningBalance Money
		MonthlyBudget  Money
		Version        int64
		CreatedAt      time.Time
	}

	// LedgerEntry mirrors one balance-affecting event. Amount is signed:
	// debits are negative, credits positive.
	LedgerEntry struct {
		ID        string
		AccountID string
		Title     string
		Amount    Money
		Date      Date
		Kind      EntryKind
		SourceRef string
		CreatedAt time.Time
	}

	Expense struct {
		ID         string
		AccountID  string
		Title      string
		Amount     Money // unsigned magnitude
		Date       Date
		CategoryID string
		CreatedAt  time.Time
		UpdatedAt  time.Time
	}

	Income struct {
		ID        string
		AccountID string
		Title     string
		Amount    Money
		Date      Date
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	Subscription struct {
		ID              string
		AccountID       string
		Title           string
		Frequency       Frequency
		StartDate       Date
		EndDate         Date
		NextPaymentDate Date
		Amount          Money
		Active          bool
		LapseReason     LapseReason
		Version         int64
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	Category struct {
		ID        string
		AccountID string
		Title     string
		Budget    Money
		Colour    string
		CreatedAt time.Time
	}
)

// ParseFrequency accepts the canonical names case-insensitively, plus the
// "biweekly" spelling.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if f == "biweekly" {
		f = BiWeekly
	}
	if !f.Valid() {
		return "", NewValidationError("frequency", "unknown frequency "+s)
	}
	return f, nil
}

func (f Frequency) Valid() bool {
	_, ok := cadences[f]
	return ok
}

func (k EntryKind) Valid() bool {
	switch k {
	case KindIncome, KindExpense, KindSubscription:
		return true
	default:
		return false
	}
}

// Debit reports whether entries of this kind take money out of the account.
func (k EntryKind) Debit() bool {
	return k == KindExpense || k == KindSubscription
}

// Signed converts an unsigned magnitude into the ledger amount for this kind.
func (k EntryKind) Signed(m Money) Money {
	if k.Debit() {
		return Money{Cents: -m.Cents}
	}
	return m
}

// PairKey is the uniqueness key of a ledger entry. Expenses and incomes
// own exactly one entry; a subscription owns one entry per charge date.
func PairKey(kind EntryKind, sourceRef string, on Date) string {
	if kind == KindSubscription {
		return string(kind) + ":" + sourceRef + ":" + on.String()
	}
	return string(kind) + ":" + sourceRef
}

// PairKey returns the uniqueness key of the entry.
func (e LedgerEntry) PairKey() string {
	return PairKey(e.Kind, e.SourceRef, e.Date)
}

func validateTitle(title string) error {
	if len(strings.TrimSpace(title)) == 0 {
		return ErrEmptyTitle
	}
	if len(title) > maxTitleLength {
		return NewValidationError("title", "too long (max 200 characters)")
	}
	return nil
}

func (e Expense) Validate() error {
	if err := validateTitle(e.Title); err != nil {
		return err
	}
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if err := e.Date.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.AccountID) == "" {
		return NewValidationError("account_id", "required")
	}
	if strings.TrimSpace(e.CategoryID) == "" {
		return ErrEmptyCategory
	}
	return nil
}

func (i Income) Validate() error {
	if err := validateTitle(i.Title); err != nil {
		return err
	}
	if err := i.Amount.Validate(); err != nil {
		return err
	}
	if err := i.Date.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(i.AccountID) == "" {
		return NewValidationError("account_id", "required")
	}
	return nil
}

func (s Subscription) Validate() error {
	if err := validateTitle(s.Title); err != nil {
		return err
	}
	if !s.Frequency.Valid() {
		return NewValidationError("frequency", "unknown frequency "+string(s.Frequency))
	}
	if err := s.Amount.Validate(); err != nil {
		return err
	}
	if err := s.StartDate.Validate(); err != nil {
		return NewValidationError("start_date", err.Error())
	}
	if err := s.EndDate.Validate(); err != nil {
		return NewValidationError("end_date", err.Error())
	}
	if s.EndDate.Time.Before(s.StartDate.Time) {
		return NewValidationError("end_date", "must not be before start date")
	}
	if err := s.NextPaymentDate.Validate(); err != nil {
		return NewValidationError("next_payment_date", err.Error())
	}
	if s.NextPaymentDate.Time.Before(s.StartDate.Time) || s.NextPaymentDate.Time.After(s.EndDate.Time) {
		return NewValidationError("next_payment_date", "must fall between start and end date")
	}
	if strings.TrimSpace(s.AccountID) == "" {
		return NewValidationError("account_id", "required")
	}
	return nil
}

func (c Category) Validate() error {
	if err := validateTitle(c.Title); err != nil {
		return err
	}
	if c.Budget.Cents < 0 {
		return NewValidationError("budget", "must not be negative")
	}
	if strings.TrimSpace(c.AccountID) == "" {
		return NewValidationError("account_id", "required")
	}
	return nil
}

func (a Account) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return NewValidationError("id", "required")
	}
	if a.OpeningBalance.Cents < 0 || a.OpeningBalance.Cents > MaxAmount.Cents {
		return NewValidationError("opening_balance", "must be between 0 and "+MaxAmount.String())
	}
	if a.MonthlyBudget.Cents < 0 || a.MonthlyBudget.Cents > MaxAmount.Cents {
		return NewValidationError("monthly_budget", "must be between 0 and "+MaxAmount.String())
	}
	return nil
}
