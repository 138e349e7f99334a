package http

import (
	"saldo/internal/core"
	"saldo/internal/services"
)

// Response bodies. Amounts are decimal strings, dates are YYYY-MM-DD.

type accountView struct {
	ID             string `json:"id"`
	Balance        string `json:"balance"`
	OpeningBalance string `json:"openingBalance"`
	MonthlyBudget  string `json:"monthlyBudget"`
}

func viewAccount(a core.Account) accountView {
	return accountView{
		ID:             a.ID,
		Balance:        a.Balance.String(),
		OpeningBalance: a.OpeningBalance.String(),
		MonthlyBudget:  a.MonthlyBudget.String(),
	}
}

type categoryView struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Budget string `json:"budget"`
	Colour string `json:"colour,omitempty"`
}

func viewCategory(c core.Category) categoryView {
	return categoryView{ID: c.ID, Title: c.Title, Budget: c.Budget.String(), Colour: c.Colour}
}

type expenseView struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Amount     string    `json:"amount"`
	Date       core.Date `json:"date"`
	CategoryID string    `json:"categoryId"`
}

func viewExpense(e core.Expense) expenseView {
	return expenseView{ID: e.ID, Title: e.Title, Amount: e.Amount.String(), Date: e.Date, CategoryID: e.CategoryID}
}

type incomeView struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Amount string    `json:"amount"`
	Date   core.Date `json:"date"`
}

func viewIncome(i core.Income) incomeView {
	return incomeView{ID: i.ID, Title: i.Title, Amount: i.Amount.String(), Date: i.Date}
}

// mutationView pairs a posted source record with the resulting balance.
type mutationView struct {
	Record  any    `json:"record"`
	EntryID string `json:"entryId,omitempty"`
	Balance string `json:"balance,omitempty"`
}

type entryView struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Amount    string         `json:"amount"`
	Date      core.Date      `json:"date"`
	Kind      core.EntryKind `json:"kind"`
	SourceRef string         `json:"sourceRef"`
}

func viewEntry(e core.LedgerEntry) entryView {
	return entryView{ID: e.ID, Title: e.Title, Amount: e.Amount.String(), Date: e.Date, Kind: e.Kind, SourceRef: e.SourceRef}
}

type subscriptionView struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Frequency       core.Frequency   `json:"frequency"`
	Amount          string           `json:"amount"`
	StartDate       core.Date        `json:"startDate"`
	EndDate         core.Date        `json:"endDate"`
	NextPaymentDate core.Date        `json:"nextPaymentDate"`
	Active          bool             `json:"active"`
	LapseReason     core.LapseReason `json:"lapseReason,omitempty"`
	Version         int64            `json:"version"`
}

func viewSubscription(s core.Subscription) subscriptionView {
	return subscriptionView{
		ID:              s.ID,
		Title:           s.Title,
		Frequency:       s.Frequency,
		Amount:          s.Amount.String(),
		StartDate:       s.StartDate,
		EndDate:         s.EndDate,
		NextPaymentDate: s.NextPaymentDate,
		Active:          s.Active,
		LapseReason:     s.LapseReason,
		Version:         s.Version,
	}
}

type upcomingView struct {
	From          core.Date          `json:"from"`
	To            core.Date          `json:"to"`
	Total         string             `json:"total"`
	Subscriptions []subscriptionView `json:"subscriptions"`
}

func viewUpcoming(u services.Upcoming) upcomingView {
	return upcomingView{
		From:          u.From,
		To:            u.To,
		Total:         u.Total.String(),
		Subscriptions: viewAll(u.Subscriptions, viewSubscription),
	}
}

type auditView struct {
	Consistent bool     `json:"consistent"`
	Balance    string   `json:"balance"`
	Expected   string   `json:"expected"`
	Entries    int      `json:"entries"`
	Unpaired   []string `json:"unpaired,omitempty"`
	Orphans    []string `json:"orphans,omitempty"`
}

// viewAll maps items and never returns nil, so lists encode as [].
func viewAll[T, V any](items []T, view func(T) V) []V {
	out := make([]V, 0, len(items))
	for _, it := range items {
		out = append(out, view(it))
	}
	return out
}
