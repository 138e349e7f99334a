package ledger

import (
	"context"
	"fmt"

	"saldo/internal/core"
	"saldo/internal/log"
	"saldo/internal/storage"
)

// source resolves the records of one entry kind.
type source struct {
	// refs lists the ids of the account's source records that must each own
	// exactly one ledger entry.
	refs func(ctx context.Context, q storage.Queries, accountID string) ([]string, error)
	// outlivesSource marks kinds whose entries are settled money and stay
	// after the source record is deleted.
	outlivesSource bool
}

var sources = map[core.EntryKind]source{
	core.KindExpense: {
		refs: func(ctx context.Context, q storage.Queries, accountID string) ([]string, error) {
			items, err := q.ListExpenses(ctx, accountID, storage.MinDate, storage.MaxDate)
			return ids(items, func(e core.Expense) string { return e.ID }), err
		},
	},
	core.KindIncome: {
		refs: func(ctx context.Context, q storage.Queries, accountID string) ([]string, error) {
			items, err := q.ListIncomes(ctx, accountID, storage.MinDate, storage.MaxDate)
			return ids(items, func(i core.Income) string { return i.ID }), err
		},
	},
	// A subscription owns one entry per charge, possibly none.
	core.KindSubscription: {
		outlivesSource: true,
	},
}

func ids[T any](items []T, id func(T) string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, id(it))
	}
	return out
}

// AuditReport is the result of checking one account against its ledger.
type AuditReport struct {
	AccountID string
	Balance   core.Money
	// Expected is the opening balance plus the signed sum of all entries.
	Expected core.Money
	Entries  int
	// Unpaired lists "kind:id" of source records without a ledger entry.
	Unpaired []string
	// Orphans are entries whose source record no longer exists.
	Orphans []core.LedgerEntry
}

// Consistent reports whether the account satisfies both the balance and
// the pairing invariants.
func (r AuditReport) Consistent() bool {
	return r.Balance == r.Expected && len(r.Unpaired) == 0 && len(r.Orphans) == 0
}

// Audit verifies the balance and pairing invariants of one account from a
// single consistent snapshot.
func (e *Engine) Audit(ctx context.Context, accountID string) (AuditReport, error) {
	var rep AuditReport
	err := e.store.Atomic(ctx, func(q storage.Queries) error {
		rep = AuditReport{AccountID: accountID}
		acc, err := q.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		entries, err := q.ListEntries(ctx, accountID, storage.MinDate, storage.MaxDate)
		if err != nil {
			return err
		}

		rep.Balance = acc.Balance
		rep.Expected = acc.OpeningBalance
		rep.Entries = len(entries)
		byKind := make(map[core.EntryKind]map[string]bool)
		for _, en := range entries {
			rep.Expected = rep.Expected.Add(en.Amount)
			if byKind[en.Kind] == nil {
				byKind[en.Kind] = make(map[string]bool)
			}
			byKind[en.Kind][en.SourceRef] = true
		}

		for kind, src := range sources {
			if src.refs == nil {
				continue
			}
			refs, err := src.refs(ctx, q, accountID)
			if err != nil {
				return fmt.Errorf("list %s records: %w", kind, err)
			}
			live := make(map[string]bool, len(refs))
			for _, ref := range refs {
				live[ref] = true
				if !byKind[kind][ref] {
					rep.Unpaired = append(rep.Unpaired, string(kind)+":"+ref)
				}
			}
			if src.outlivesSource {
				continue
			}
			for _, en := range entries {
				if en.Kind == kind && !live[en.SourceRef] {
					rep.Orphans = append(rep.Orphans, en)
				}
			}
		}
		return nil
	})
	if err != nil {
		return AuditReport{}, fmt.Errorf("audit account %s: %w", accountID, err)
	}

	if !rep.Consistent() {
		e.logger.ErrorContext(ctx, "Ledger audit failed",
			log.FieldIntegrity, log.IntegrityBrokenPairing,
			log.FieldAccountID, accountID,
			log.FieldBalanceCents, rep.Balance.Cents,
			"expected_cents", rep.Expected.Cents,
			"unpaired", len(rep.Unpaired),
			"orphans", len(rep.Orphans))
	}
	return rep, nil
}
