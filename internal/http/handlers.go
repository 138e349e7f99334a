package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"saldo/internal/core"
	"saldo/internal/log"
)

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Ping(r.Context()); err != nil {
		s.logger.WarnContext(r.Context(), "Store not ready", log.FieldError, err)
		writeMessage(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Account

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.input(accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	acc, err := s.engine.OpenAccount(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewAccount(acc))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.accounts.GetAccount(r.Context(), accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acc))
}

func (s *Server) handleUpdateBudget(w http.ResponseWriter, r *http.Request) {
	var req budgetRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	budget, err := balanceField("monthlyBudget", req.MonthlyBudget)
	if err != nil {
		writeError(w, r, err)
		return
	}
	acc, err := s.accounts.UpdateBudget(r.Context(), accountID(r), budget)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acc))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Audit(r.Context(), accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditView{
		Consistent: rep.Consistent(),
		Balance:    rep.Balance.String(),
		Expected:   rep.Expected.String(),
		Entries:    rep.Entries,
		Unpaired:   rep.Unpaired,
		Orphans:    viewAll(rep.Orphans, func(e core.LedgerEntry) string { return e.ID }),
	})
}

// Categories

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.input(accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.accounts.CreateCategory(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewCategory(c))
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.accounts.ListCategories(r.Context(), accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAll(cats, viewCategory))
}

func (s *Server) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	c, err := s.accounts.ResolveCategory(r.Context(), accountID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewCategory(c))
}

// Expenses

func (s *Server) handlePostExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.input(accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.accounts.ResolveCategory(r.Context(), in.AccountID, in.CategoryID); err != nil {
		writeError(w, r, err)
		return
	}
	exp, entry, err := s.engine.PostExpense(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeMutation(w, r, http.StatusCreated, viewExpense(exp), entry.ID)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.ledger.ListExpenses(r.Context(), accountID(r), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAll(items, viewExpense))
}

func (s *Server) handleReviseExpense(w http.ResponseWriter, r *http.Request) {
	var req expensePatchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if patch.CategoryID != nil {
		if _, err := s.accounts.ResolveCategory(r.Context(), accountID(r), *patch.CategoryID); err != nil {
			writeError(w, r, err)
			return
		}
	}
	exp, err := s.engine.ReviseExpense(r.Context(), accountID(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeMutation(w, r, http.StatusOK, viewExpense(exp), "")
}

func (s *Server) handleRetractExpense(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RetractExpense(r.Context(), accountID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Incomes

func (s *Server) handlePostIncome(w http.ResponseWriter, r *http.Request) {
	var req incomeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.input(accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	inc, entry, err := s.engine.PostIncome(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeMutation(w, r, http.StatusCreated, viewIncome(inc), entry.ID)
}

func (s *Server) handleListIncomes(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.ledger.ListIncomes(r.Context(), accountID(r), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAll(items, viewIncome))
}

func (s *Server) handleReviseIncome(w http.ResponseWriter, r *http.Request) {
	var req incomePatchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		writeError(w, r, err)
		return
	}
	inc, err := s.engine.ReviseIncome(r.Context(), accountID(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeMutation(w, r, http.StatusOK, viewIncome(inc), "")
}

func (s *Server) handleRetractIncome(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RetractIncome(r.Context(), accountID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Subscriptions

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.input(accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := s.subscriptions.CreateSubscription(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSubscription(sub))
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subscriptions.ListSubscriptions(r.Context(), accountID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAll(subs, viewSubscription))
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionPatchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := s.subscriptions.UpdateSubscription(r.Context(), accountID(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSubscription(sub))
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.subscriptions.DeleteSubscription(r.Context(), accountID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	from, to := monthWindow(s.now())
	q := r.URL.Query()
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = dateField("from", v); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = dateField("to", v); err != nil {
			writeError(w, r, err)
			return
		}
	}
	up, err := s.subscriptions.UpcomingPayments(r.Context(), accountID(r), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUpcoming(up))
}

// Transactions

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.ledger.ListEntries(r.Context(), accountID(r), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAll(entries, viewEntry))
}

// writeMutation responds with the record and the balance after the commit.
// A failed balance read does not fail the already committed mutation.
func (s *Server) writeMutation(w http.ResponseWriter, r *http.Request, status int, record any, entryID string) {
	view := mutationView{Record: record, EntryID: entryID}
	if acc, err := s.accounts.GetAccount(r.Context(), accountID(r)); err == nil {
		view.Balance = acc.Balance.String()
	}
	writeJSON(w, status, view)
}
