package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"saldo/internal/core"
	"saldo/internal/ledger"
	"saldo/internal/services"
	"saldo/internal/storage"
)

const maxBodyBytes = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

// decode reads a JSON body into dst and runs its validate tags.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return core.NewValidationError("body", "required")
		}
		return core.NewValidationError("body", err.Error())
	}
	return validate.Struct(dst)
}

func amountField(field, s string) (core.Money, error) {
	m, err := core.ParseAmount(s)
	if err != nil {
		return core.Money{}, core.NewValidationError(field, "must be a positive decimal amount")
	}
	return m, nil
}

func balanceField(field, s string) (core.Money, error) {
	m, err := core.ParseBalance(s)
	if err != nil {
		return core.Money{}, core.NewValidationError(field, "must be a non-negative decimal amount")
	}
	return m, nil
}

func dateField(field, s string) (core.Date, error) {
	d, err := core.ParseDate(s)
	if err != nil {
		return core.Date{}, core.NewValidationError(field, "must be a date in "+core.DateLayout+" format")
	}
	return d, nil
}

// dateRange reads the optional from and to query parameters. A missing
// bound leaves the range open on that side.
func dateRange(r *http.Request) (core.Date, core.Date, error) {
	from, to := storage.MinDate, storage.MaxDate
	q := r.URL.Query()
	var err error
	if s := q.Get("from"); s != "" {
		if from, err = dateField("from", s); err != nil {
			return from, to, err
		}
	}
	if s := q.Get("to"); s != "" {
		if to, err = dateField("to", s); err != nil {
			return from, to, err
		}
	}
	if to.Before(from.Time) {
		return from, to, core.NewValidationError("to", "must not be before from")
	}
	return from, to, nil
}

// monthWindow is the default window for upcoming payments: today through
// the last day of the current month.
func monthWindow(now time.Time) (core.Date, core.Date) {
	today := core.DateOf(now)
	last := core.NewDate(today.Year(), int(today.Month())+1, 0)
	return today, last
}

type openAccountRequest struct {
	OpeningBalance string  `json:"openingBalance"`
	MonthlyBudget  *string `json:"monthlyBudget"`
}

func (req openAccountRequest) input(accountID string) (ledger.OpenAccountInput, error) {
	in := ledger.OpenAccountInput{ID: accountID, MonthlyBudget: services.DefaultMonthlyBudget}
	var err error
	if in.OpeningBalance, err = balanceField("openingBalance", req.OpeningBalance); err != nil {
		return in, err
	}
	if req.MonthlyBudget != nil {
		if in.MonthlyBudget, err = balanceField("monthlyBudget", *req.MonthlyBudget); err != nil {
			return in, err
		}
	}
	return in, nil
}

type budgetRequest struct {
	MonthlyBudget string `json:"monthlyBudget" validate:"required"`
}

type categoryRequest struct {
	Title  string `json:"title" validate:"required,max=200"`
	Budget string `json:"budget"`
	Colour string `json:"colour" validate:"omitempty,hexcolor"`
}

func (req categoryRequest) input(accountID string) (services.CategoryInput, error) {
	budget, err := balanceField("budget", req.Budget)
	if err != nil {
		return services.CategoryInput{}, err
	}
	return services.CategoryInput{AccountID: accountID, Title: req.Title, Budget: budget, Colour: req.Colour}, nil
}

type expenseRequest struct {
	Title      string `json:"title" validate:"required,max=200"`
	Amount     string `json:"amount" validate:"required"`
	Date       string `json:"date" validate:"required"`
	CategoryID string `json:"categoryId" validate:"required"`
}

func (req expenseRequest) input(accountID string) (ledger.ExpenseInput, error) {
	in := ledger.ExpenseInput{AccountID: accountID, Title: req.Title, CategoryID: req.CategoryID}
	var err error
	if in.Amount, err = amountField("amount", req.Amount); err != nil {
		return in, err
	}
	if in.Date, err = dateField("date", req.Date); err != nil {
		return in, err
	}
	return in, nil
}

type expensePatchRequest struct {
	Title      *string `json:"title" validate:"omitempty,min=1,max=200"`
	Amount     *string `json:"amount"`
	Date       *string `json:"date"`
	CategoryID *string `json:"categoryId" validate:"omitempty,min=1"`
}

func (req expensePatchRequest) patch() (ledger.ExpensePatch, error) {
	p := ledger.ExpensePatch{Title: req.Title, CategoryID: req.CategoryID}
	if req.Amount != nil {
		m, err := amountField("amount", *req.Amount)
		if err != nil {
			return p, err
		}
		p.Amount = &m
	}
	if req.Date != nil {
		d, err := dateField("date", *req.Date)
		if err != nil {
			return p, err
		}
		p.Date = &d
	}
	return p, nil
}

type incomeRequest struct {
	Title  string `json:"title" validate:"required,max=200"`
	Amount string `json:"amount" validate:"required"`
	Date   string `json:"date" validate:"required"`
}

func (req incomeRequest) input(accountID string) (ledger.IncomeInput, error) {
	in := ledger.IncomeInput{AccountID: accountID, Title: req.Title}
	var err error
	if in.Amount, err = amountField("amount", req.Amount); err != nil {
		return in, err
	}
	if in.Date, err = dateField("date", req.Date); err != nil {
		return in, err
	}
	return in, nil
}

type incomePatchRequest struct {
	Title  *string `json:"title" validate:"omitempty,min=1,max=200"`
	Amount *string `json:"amount"`
	Date   *string `json:"date"`
}

func (req incomePatchRequest) patch() (ledger.IncomePatch, error) {
	p := ledger.IncomePatch{Title: req.Title}
	if req.Amount != nil {
		m, err := amountField("amount", *req.Amount)
		if err != nil {
			return p, err
		}
		p.Amount = &m
	}
	if req.Date != nil {
		d, err := dateField("date", *req.Date)
		if err != nil {
			return p, err
		}
		p.Date = &d
	}
	return p, nil
}

type subscriptionRequest struct {
	Title           string `json:"title" validate:"required,max=200"`
	Frequency       string `json:"frequency" validate:"required"`
	Amount          string `json:"amount" validate:"required"`
	StartDate       string `json:"startDate" validate:"required"`
	EndDate         string `json:"endDate" validate:"required"`
	NextPaymentDate string `json:"nextPaymentDate"`
}

func (req subscriptionRequest) input(accountID string) (services.SubscriptionInput, error) {
	in := services.SubscriptionInput{AccountID: accountID, Title: req.Title}
	var err error
	if in.Frequency, err = core.ParseFrequency(req.Frequency); err != nil {
		return in, err
	}
	if in.Amount, err = amountField("amount", req.Amount); err != nil {
		return in, err
	}
	if in.StartDate, err = dateField("startDate", req.StartDate); err != nil {
		return in, err
	}
	if in.EndDate, err = dateField("endDate", req.EndDate); err != nil {
		return in, err
	}
	if req.NextPaymentDate != "" {
		if in.NextPaymentDate, err = dateField("nextPaymentDate", req.NextPaymentDate); err != nil {
			return in, err
		}
	}
	return in, nil
}

type subscriptionPatchRequest struct {
	Title           *string `json:"title" validate:"omitempty,min=1,max=200"`
	Frequency       *string `json:"frequency"`
	Amount          *string `json:"amount"`
	StartDate       *string `json:"startDate"`
	EndDate         *string `json:"endDate"`
	NextPaymentDate *string `json:"nextPaymentDate"`
	Active          *bool   `json:"active"`
	Version         *int64  `json:"version" validate:"omitempty,min=1"`
}

func (req subscriptionPatchRequest) patch() (services.SubscriptionPatch, error) {
	p := services.SubscriptionPatch{Title: req.Title, Active: req.Active, ExpectedVersion: req.Version}
	if req.Frequency != nil {
		f, err := core.ParseFrequency(*req.Frequency)
		if err != nil {
			return p, err
		}
		p.Frequency = &f
	}
	if req.Amount != nil {
		m, err := amountField("amount", *req.Amount)
		if err != nil {
			return p, err
		}
		p.Amount = &m
	}
	dates := []struct {
		field string
		src   *string
		dst   **core.Date
	}{
		{"startDate", req.StartDate, &p.StartDate},
		{"endDate", req.EndDate, &p.EndDate},
		{"nextPaymentDate", req.NextPaymentDate, &p.NextPaymentDate},
	}
	for _, d := range dates {
		if d.src == nil {
			continue
		}
		v, err := dateField(d.field, *d.src)
		if err != nil {
			return p, fmt.Errorf("subscription patch: %w", err)
		}
		*d.dst = &v
	}
	return p, nil
}
