package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"saldo/internal/cache"
	"saldo/internal/core"
	"saldo/internal/log"
	"saldo/internal/storage"
)

// DefaultMonthlyBudget applies when an account is opened without a budget.
var DefaultMonthlyBudget = core.Money{Cents: 500000}

// AccountService covers the account fields the ledger engine does not own
// and the categories expenses are filed under.
type AccountService struct {
	store      storage.Store
	categories cache.Cache[core.Category]
	logger     *log.Logger
	newID      func() string
}

// NewAccountService builds the service. categories may be nil to disable
// category caching.
func NewAccountService(store storage.Store, categories cache.Cache[core.Category], logger *log.Logger) *AccountService {
	if logger == nil {
		logger = log.Discard()
	}
	return &AccountService{
		store:      store,
		categories: categories,
		logger:     logger.WithComponent(log.ComponentLedger),
		newID:      uuid.NewString,
	}
}

func (s *AccountService) GetAccount(ctx context.Context, id string) (core.Account, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return core.Account{}, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

// UpdateBudget changes the monthly budget. The balance is left alone.
func (s *AccountService) UpdateBudget(ctx context.Context, accountID string, budget core.Money) (core.Account, error) {
	if budget.Cents < 0 || budget.Cents > core.MaxAmount.Cents {
		return core.Account{}, core.NewValidationError("monthly_budget", "must be between 0 and "+core.MaxAmount.String())
	}
	var acc core.Account
	err := s.store.Atomic(ctx, func(q storage.Queries) error {
		if err := q.UpdateAccountBudget(ctx, accountID, budget); err != nil {
			return err
		}
		var err error
		acc, err = q.GetAccount(ctx, accountID)
		return err
	})
	if err != nil {
		return core.Account{}, fmt.Errorf("update budget: %w", err)
	}
	s.logger.InfoContext(ctx, "Monthly budget updated",
		log.FieldAccountID, accountID,
		"budget_cents", budget.Cents)
	return acc, nil
}

type CategoryInput struct {
	AccountID string
	Title     string
	Budget    core.Money
	Colour    string
}

func (s *AccountService) CreateCategory(ctx context.Context, in CategoryInput) (core.Category, error) {
	c := core.Category{
		ID:        s.newID(),
		AccountID: in.AccountID,
		Title:     strings.TrimSpace(in.Title),
		Budget:    in.Budget,
		Colour:    strings.TrimSpace(in.Colour),
	}
	if err := c.Validate(); err != nil {
		return core.Category{}, err
	}
	err := s.store.Atomic(ctx, func(q storage.Queries) error {
		if _, err := q.GetAccount(ctx, c.AccountID); err != nil {
			return err
		}
		return q.InsertCategory(ctx, c)
	})
	if err != nil {
		return core.Category{}, fmt.Errorf("create category: %w", err)
	}
	if s.categories != nil {
		s.categories.Set(c.ID, c)
	}
	s.logger.InfoContext(ctx, "Category created",
		log.FieldAccountID, c.AccountID,
		"category_id", c.ID,
		"title", c.Title)
	return c, nil
}

func (s *AccountService) ListCategories(ctx context.Context, accountID string) ([]core.Category, error) {
	cats, err := s.store.ListCategories(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return cats, nil
}

// ResolveCategory returns the account's category with the given id, serving
// repeated lookups from the cache. Another account's category is reported
// as not found.
func (s *AccountService) ResolveCategory(ctx context.Context, accountID, id string) (core.Category, error) {
	c, ok := core.Category{}, false
	if s.categories != nil {
		c, ok = s.categories.Get(id)
	}
	if !ok {
		var err error
		c, err = s.store.GetCategory(ctx, id)
		if err != nil {
			return core.Category{}, fmt.Errorf("resolve category: %w", err)
		}
		if s.categories != nil {
			s.categories.Set(id, c)
		}
	}
	if c.AccountID != accountID {
		return core.Category{}, fmt.Errorf("resolve category %s: %w", id, core.ErrNotFound)
	}
	return c, nil
}
