// Package core provides the domain model shared by the ledger engine, the
// billing scheduler and the stores.
//
// This file contains money parsing and formatting. Amounts are carried as
// integer minor units (cents); decimal strings only exist at the edges.
package core

import (
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

type Money struct {
	Cents int64
}

// MaxAmount is the largest single amount accepted: one hundred billion in
// major units.
var MaxAmount = Money{Cents: 10_000_000_000_000}

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(MaxAmount.Cents)

	// Plain decimals only: no sign, exponent or grouping. Digit counts are
	// bounded before any arithmetic happens.
	plainDecimal = regexp.MustCompile(`^[0-9]{1,15}(\.[0-9]{1,8})?$`)
)

func normalizeAmount(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
}

// ParseAmount converts a positive decimal string to cents.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and rounds
// half-up on the third decimal place. Zero, negative, malformed and
// exponent-notation values are rejected with ErrInvalidAmount, values above
// MaxAmount with ErrAmountTooLarge.
//
// Examples:
//
//	ParseAmount("12.34")  -> 1234
//	ParseAmount("12,345") -> 1235
func ParseAmount(s string) (Money, error) {
	s = normalizeAmount(s)
	if !plainDecimal.MatchString(s) {
		return Money{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, ErrInvalidAmount
	}
	cents := d.Mul(hundred).Round(0)
	if !cents.IsPositive() {
		return Money{}, ErrInvalidAmount
	}
	if cents.GreaterThan(maxCents) {
		return Money{}, ErrAmountTooLarge
	}
	return Money{Cents: cents.IntPart()}, nil
}

// ParseBalance is ParseAmount that also accepts zero, for opening balances
// and budgets.
func ParseBalance(s string) (Money, error) {
	n := normalizeAmount(s)
	if n == "" {
		return Money{}, nil
	}
	if !plainDecimal.MatchString(n) {
		return Money{}, NewValidationError("amount", "must be a non-negative decimal")
	}
	if d, err := decimal.NewFromString(n); err == nil && d.Mul(hundred).Round(0).IsZero() {
		return Money{}, nil
	}
	return ParseAmount(n)
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	if m.Cents > MaxAmount.Cents {
		return ErrAmountTooLarge
	}
	return nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String formats the amount with two decimals, e.g. "-12.50".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

func (m Money) Add(o Money) Money { return Money{Cents: m.Cents + o.Cents} }

// CheckedAdd is Add that reports false instead of wrapping around.
func (m Money) CheckedAdd(o Money) (Money, bool) {
	if (o.Cents > 0 && m.Cents > math.MaxInt64-o.Cents) ||
		(o.Cents < 0 && m.Cents < math.MinInt64-o.Cents) {
		return m, false
	}
	return Money{Cents: m.Cents + o.Cents}, true
}

func (m Money) Sub(o Money) Money { return Money{Cents: m.Cents - o.Cents} }
func (m Money) Neg() Money        { return Money{Cents: -m.Cents} }
