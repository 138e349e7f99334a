package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"saldo/internal/amqp"
	"saldo/internal/core"
	"saldo/internal/storage"
	"saldo/internal/storage/memory"
)

const testAccount = "acc-1"

var errInjected = errors.New("injected failure")

func sequentialIDs() func() string {
	var n int64
	return func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1)) }
}

func newTestEngine(t *testing.T, store storage.Store, opening int64, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithIDGenerator(sequentialIDs()), WithRetryBackoff(time.Millisecond)}, opts...)
	e := New(store, opts...)
	if _, err := e.OpenAccount(context.Background(), OpenAccountInput{
		ID:             testAccount,
		OpeningBalance: core.Money{Cents: opening},
	}); err != nil {
		t.Fatalf("OpenAccount() error = %v", err)
	}
	return e
}

func balanceOf(t *testing.T, s storage.Store) int64 {
	t.Helper()
	acc, err := s.GetAccount(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	return acc.Balance.Cents
}

func entriesOf(t *testing.T, s storage.Store) []core.LedgerEntry {
	t.Helper()
	entries, err := s.ListEntries(context.Background(), testAccount, storage.MinDate, storage.MaxDate)
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	return entries
}

func assertConsistent(t *testing.T, e *Engine) {
	t.Helper()
	rep, err := e.Audit(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
	if !rep.Consistent() {
		t.Errorf("audit = %+v, want consistent", rep)
	}
}

func expenseIn(cents int64) ExpenseInput {
	return ExpenseInput{
		AccountID:  testAccount,
		Title:      "Groceries",
		Amount:     core.Money{Cents: cents},
		Date:       core.NewDate(2024, 1, 10),
		CategoryID: "food",
	}
}

func incomeIn(cents int64) IncomeInput {
	return IncomeInput{
		AccountID: testAccount,
		Title:     "Salary",
		Amount:    core.Money{Cents: cents},
		Date:      core.NewDate(2024, 1, 1),
	}
}

func ptr[T any](v T) *T { return &v }

func TestEngine_PostExpense(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store, 10000)

	exp, entry, err := e.PostExpense(ctx, expenseIn(2550))
	if err != nil {
		t.Fatalf("PostExpense() error = %v", err)
	}

	if got := balanceOf(t, store); got != 7450 {
		t.Errorf("balance = %d, want 7450", got)
	}
	if entry.Amount.Cents != -2550 || entry.Kind != core.KindExpense || entry.SourceRef != exp.ID {
		t.Errorf("entry = %+v, want -2550 expense entry for %s", entry, exp.ID)
	}
	if _, err := store.GetExpense(ctx, exp.ID); err != nil {
		t.Errorf("GetExpense() error = %v", err)
	}
	assertConsistent(t, e)
}

func TestEngine_PostExpenseRejections(t *testing.T) {
	tests := []struct {
		name    string
		in      ExpenseInput
		wantErr error
	}{
		{"insufficient funds", expenseIn(1001), core.ErrInsufficientFunds},
		{"zero amount", expenseIn(0), core.ErrValidation},
		{"negative amount", expenseIn(-5), core.ErrValidation},
		{"empty title", func() ExpenseInput { in := expenseIn(10); in.Title = "  "; return in }(), core.ErrValidation},
		{"missing category", func() ExpenseInput { in := expenseIn(10); in.CategoryID = ""; return in }(), core.ErrValidation},
		{"unknown account", func() ExpenseInput { in := expenseIn(10); in.AccountID = "nobody"; return in }(), core.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			e := newTestEngine(t, store, 1000)

			_, _, err := e.PostExpense(context.Background(), tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("PostExpense() error = %v, want %v", err, tt.wantErr)
			}
			if got := balanceOf(t, store); got != 1000 {
				t.Errorf("balance = %d, want unchanged 1000", got)
			}
			if n := len(entriesOf(t, store)); n != 0 {
				t.Errorf("entries = %d, want 0", n)
			}
		})
	}
}

func TestEngine_PostExpenseExactBalance(t *testing.T) {
	store := memory.New()
	e := newTestEngine(t, store, 1000)

	if _, _, err := e.PostExpense(context.Background(), expenseIn(1000)); err != nil {
		t.Fatalf("PostExpense() error = %v", err)
	}
	if got := balanceOf(t, store); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestEngine_ReviseExpense(t *testing.T) {
	ctx := context.Background()

	t.Run("amount increase debits the difference", func(t *testing.T) {
		store := memory.New()
		e := newTestEngine(t, store, 1000)
		exp, _, _ := e.PostExpense(ctx, expenseIn(300))

		got, err := e.ReviseExpense(ctx, testAccount, exp.ID, ExpensePatch{Amount: &core.Money{Cents: 500}})
		if err != nil {
			t.Fatalf("ReviseExpense() error = %v", err)
		}
		if got.Amount.Cents != 500 {
			t.Errorf("amount = %d, want 500", got.Amount.Cents)
		}
		if b := balanceOf(t, store); b != 500 {
			t.Errorf("balance = %d, want 500", b)
		}
		entry, _ := store.GetEntryByPairKey(ctx, core.PairKey(core.KindExpense, exp.ID, core.Date{}))
		if entry.Amount.Cents != -500 {
			t.Errorf("entry amount = %d, want -500", entry.Amount.Cents)
		}
		assertConsistent(t, e)
	})

	t.Run("title and date only", func(t *testing.T) {
		store := memory.New()
		e := newTestEngine(t, store, 1000)
		exp, _, _ := e.PostExpense(ctx, expenseIn(300))

		newDate := core.NewDate(2024, 1, 12)
		if _, err := e.ReviseExpense(ctx, testAccount, exp.ID, ExpensePatch{Title: ptr("Market"), Date: &newDate}); err != nil {
			t.Fatalf("ReviseExpense() error = %v", err)
		}
		if b := balanceOf(t, store); b != 700 {
			t.Errorf("balance = %d, want 700", b)
		}
		entry, _ := store.GetEntryByPairKey(ctx, core.PairKey(core.KindExpense, exp.ID, core.Date{}))
		if entry.Title != "Market" || !entry.Date.SameDay(newDate) {
			t.Errorf("entry = %+v, want mirrored title and date", entry)
		}
	})

	t.Run("increase beyond balance", func(t *testing.T) {
		store := memory.New()
		e := newTestEngine(t, store, 1000)
		exp, _, _ := e.PostExpense(ctx, expenseIn(300))

		_, err := e.ReviseExpense(ctx, testAccount, exp.ID, ExpensePatch{Amount: &core.Money{Cents: 1301}})
		if !errors.Is(err, core.ErrInsufficientFunds) {
			t.Fatalf("ReviseExpense() error = %v, want ErrInsufficientFunds", err)
		}
		if b := balanceOf(t, store); b != 700 {
			t.Errorf("balance = %d, want unchanged 700", b)
		}
		stored, _ := store.GetExpense(ctx, exp.ID)
		if stored.Amount.Cents != 300 {
			t.Errorf("stored amount = %d, want unchanged 300", stored.Amount.Cents)
		}
	})

	t.Run("other account's expense", func(t *testing.T) {
		store := memory.New()
		e := newTestEngine(t, store, 1000)
		exp, _, _ := e.PostExpense(ctx, expenseIn(300))
		if _, err := e.OpenAccount(ctx, OpenAccountInput{ID: "acc-2"}); err != nil {
			t.Fatal(err)
		}

		_, err := e.ReviseExpense(ctx, "acc-2", exp.ID, ExpensePatch{Title: ptr("mine now")})
		if !errors.Is(err, core.ErrNotFound) {
			t.Errorf("ReviseExpense() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("invalid patch", func(t *testing.T) {
		store := memory.New()
		e := newTestEngine(t, store, 1000)
		_, err := e.ReviseExpense(ctx, testAccount, "whatever", ExpensePatch{Amount: &core.Money{Cents: 0}})
		if !errors.Is(err, core.ErrValidation) {
			t.Errorf("ReviseExpense() error = %v, want ErrValidation", err)
		}
	})
}

func TestEngine_RetractExpense(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store, 1000)
	exp, entry, _ := e.PostExpense(ctx, expenseIn(400))

	if err := e.RetractExpense(ctx, testAccount, exp.ID); err != nil {
		t.Fatalf("RetractExpense() error = %v", err)
	}
	if b := balanceOf(t, store); b != 1000 {
		t.Errorf("balance = %d, want 1000", b)
	}
	if _, err := store.GetExpense(ctx, exp.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expense still present: %v", err)
	}
	if _, err := store.GetEntryByPairKey(ctx, entry.PairKey()); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("entry still present: %v", err)
	}
	if err := e.RetractExpense(ctx, testAccount, exp.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second RetractExpense() error = %v, want ErrNotFound", err)
	}
	assertConsistent(t, e)
}

func TestEngine_MissingPairedEntry(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store, 1000)
	exp, entry, _ := e.PostExpense(ctx, expenseIn(400))

	// Corrupt the store behind the engine's back.
	if err := store.DeleteEntry(ctx, entry.ID); err != nil {
		t.Fatal(err)
	}

	err := e.RetractExpense(ctx, testAccount, exp.ID)
	if !errors.Is(err, core.ErrUnpaired) || !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("RetractExpense() error = %v, want ErrUnpaired", err)
	}
	if b := balanceOf(t, store); b != 600 {
		t.Errorf("balance = %d, want untouched 600", b)
	}
	if _, err := store.GetExpense(ctx, exp.ID); err != nil {
		t.Errorf("expense removed despite failure: %v", err)
	}

	rep, err := e.Audit(ctx, testAccount)
	if err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
	if rep.Consistent() || len(rep.Unpaired) != 1 || rep.Expected.Cents != 1000 {
		t.Errorf("audit = %+v, want one unpaired expense and expected 1000", rep)
	}
}

func TestEngine_IncomeHasNoLowerBound(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store, 0)

	inc, _, err := e.PostIncome(ctx, incomeIn(1000))
	if err != nil {
		t.Fatalf("PostIncome() error = %v", err)
	}
	if _, _, err := e.PostExpense(ctx, expenseIn(800)); err != nil {
		t.Fatalf("PostExpense() error = %v", err)
	}

	if _, err := e.ReviseIncome(ctx, testAccount, inc.ID, IncomePatch{Amount: &core.Money{Cents: 500}}); err != nil {
		t.Fatalf("ReviseIncome() error = %v", err)
	}
	if b := balanceOf(t, store); b != -300 {
		t.Errorf("balance after revise = %d, want -300", b)
	}

	if err := e.RetractIncome(ctx, testAccount, inc.ID); err != nil {
		t.Fatalf("RetractIncome() error = %v", err)
	}
	if b := balanceOf(t, store); b != -800 {
		t.Errorf("balance after retract = %d, want -800", b)
	}
	assertConsistent(t, e)
}

func TestEngine_BalanceNeverWraps(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	top := core.Money{Cents: math.MaxInt64 - 50}
	if err := store.CreateAccount(ctx, core.Account{ID: testAccount, Balance: top, OpeningBalance: top}); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	e := New(store, WithIDGenerator(sequentialIDs()))

	if _, _, err := e.PostIncome(ctx, incomeIn(100)); !errors.Is(err, core.ErrBalanceOverflow) {
		t.Fatalf("PostIncome() error = %v, want ErrBalanceOverflow", err)
	}
	if !errors.Is(core.ErrBalanceOverflow, core.ErrValidation) {
		t.Error("ErrBalanceOverflow should be a validation error")
	}
	if b := balanceOf(t, store); b != top.Cents {
		t.Errorf("balance = %d, want %d", b, top.Cents)
	}
	if n := len(entriesOf(t, store)); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}

	if _, _, err := e.PostIncome(ctx, incomeIn(core.MaxAmount.Cents+1)); !errors.Is(err, core.ErrAmountTooLarge) {
		t.Errorf("PostIncome() error = %v, want ErrAmountTooLarge", err)
	}
	if _, _, err := e.PostExpense(ctx, expenseIn(1)); err != nil {
		t.Errorf("PostExpense() after rejected income error = %v", err)
	}
	assertConsistent(t, e)
}

func TestEngine_BalanceInvariantOverSequence(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store, 5000)

	inc, _, _ := e.PostIncome(ctx, incomeIn(20000))
	exp1, _, _ := e.PostExpense(ctx, expenseIn(1234))
	exp2, _, _ := e.PostExpense(ctx, expenseIn(999))
	_, _ = e.ReviseExpense(ctx, testAccount, exp1.ID, ExpensePatch{Amount: &core.Money{Cents: 100}})
	_, _ = e.ReviseIncome(ctx, testAccount, inc.ID, IncomePatch{Amount: &core.Money{Cents: 15000}})
	_ = e.RetractExpense(ctx, testAccount, exp2.ID)
	_, _, _ = e.PostExpense(ctx, expenseIn(1_000_000)) // rejected

	var sum int64 = 5000
	for _, en := range entriesOf(t, store) {
		sum += en.Amount.Cents
	}
	if b := balanceOf(t, store); b != sum || b != 5000+15000-100 {
		t.Errorf("balance = %d, entry sum = %d, want both 19900", b, sum)
	}
	assertConsistent(t, e)
}

// faultyStore injects failures into a real store.
type faultyStore struct {
	storage.Store
	// wrap decorates the transactional view.
	wrap func(storage.Queries) storage.Queries
	// conflicts is the number of transactions that abort with a storage conflict.
	conflicts int32
	calls     int32
}

func (s *faultyStore) Atomic(ctx context.Context, fn func(q storage.Queries) error) error {
	call := atomic.AddInt32(&s.calls, 1)
	return s.Store.Atomic(ctx, func(q storage.Queries) error {
		if s.wrap != nil {
			q = s.wrap(q)
		}
		if err := fn(q); err != nil {
			return err
		}
		if call <= atomic.LoadInt32(&s.conflicts) {
			return fmt.Errorf("commit: %w", core.ErrStorageConflict)
		}
		return nil
	})
}

type failingBalance struct{ storage.Queries }

func (failingBalance) UpdateAccountBalance(context.Context, string, core.Money, int64) error {
	return errInjected
}

func TestEngine_AtomicityOnBalanceWriteFailure(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	fs := &faultyStore{Store: mem}
	e := newTestEngine(t, fs, 1000)
	fs.wrap = func(q storage.Queries) storage.Queries { return failingBalance{q} }

	_, _, err := e.PostExpense(ctx, expenseIn(100))
	if !errors.Is(err, errInjected) {
		t.Fatalf("PostExpense() error = %v, want injected failure", err)
	}

	expenses, _ := mem.ListExpenses(ctx, testAccount, storage.MinDate, storage.MaxDate)
	if len(expenses) != 0 {
		t.Errorf("expenses = %d, want 0", len(expenses))
	}
	if n := len(entriesOf(t, mem)); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
	if b := balanceOf(t, mem); b != 1000 {
		t.Errorf("balance = %d, want 1000", b)
	}
}

func TestEngine_ConflictRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("one conflict is retried", func(t *testing.T) {
		fs := &faultyStore{Store: memory.New()}
		e := newTestEngine(t, fs, 1000)
		atomic.StoreInt32(&fs.calls, 0)
		atomic.StoreInt32(&fs.conflicts, 1)

		if _, _, err := e.PostExpense(ctx, expenseIn(100)); err != nil {
			t.Fatalf("PostExpense() error = %v", err)
		}
		if got := atomic.LoadInt32(&fs.calls); got != 2 {
			t.Errorf("transactions = %d, want 2", got)
		}
		if b := balanceOf(t, fs); b != 900 {
			t.Errorf("balance = %d, want 900", b)
		}
	})

	t.Run("persistent conflict surfaces", func(t *testing.T) {
		fs := &faultyStore{Store: memory.New()}
		e := newTestEngine(t, fs, 1000)
		atomic.StoreInt32(&fs.calls, 0)
		atomic.StoreInt32(&fs.conflicts, 10)

		_, _, err := e.PostExpense(ctx, expenseIn(100))
		if !errors.Is(err, core.ErrStorageConflict) {
			t.Fatalf("PostExpense() error = %v, want ErrStorageConflict", err)
		}
		if got := atomic.LoadInt32(&fs.calls); got != 2 {
			t.Errorf("transactions = %d, want 2 (one retry)", got)
		}
		if b := balanceOf(t, fs); b != 1000 {
			t.Errorf("balance = %d, want 1000", b)
		}
	})
}

func TestEngine_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newTestEngine(t, store, 1000)

	var wg sync.WaitGroup
	var ok, declined int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.PostExpense(ctx, expenseIn(100))
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, core.ErrInsufficientFunds):
				atomic.AddInt32(&declined, 1)
			default:
				t.Errorf("PostExpense() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 10 || declined != 15 {
		t.Errorf("succeeded = %d, declined = %d, want 10 and 15", ok, declined)
	}
	if b := balanceOf(t, store); b != 0 {
		t.Errorf("balance = %d, want 0", b)
	}
	assertConsistent(t, e)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*amqp.LedgerEvent
	err    error
}

func (p *recordingPublisher) PublishLedgerEvent(_ context.Context, ev *amqp.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestEngine_PublishesAfterCommit(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	store := memory.New()
	e := newTestEngine(t, store, 1000, WithPublisher(pub))

	exp, _, _ := e.PostExpense(ctx, expenseIn(100))
	_, _, _ = e.PostExpense(ctx, expenseIn(5000)) // rejected, no event
	_ = e.RetractExpense(ctx, testAccount, exp.ID)

	want := []string{amqp.EventAccountOpened, amqp.EventExpensePosted, amqp.EventExpenseRetracted}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	last := pub.events[2]
	if last.AmountCents != 100 || last.BalanceCents != 1000 {
		t.Errorf("retract event = %+v, want amount 100 balance 1000", last)
	}
}

func TestEngine_PublishFailureDoesNotFailMutation(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	store := memory.New()
	e := newTestEngine(t, store, 1000, WithPublisher(pub))

	if _, _, err := e.PostIncome(context.Background(), incomeIn(10)); err != nil {
		t.Fatalf("PostIncome() error = %v", err)
	}
	if b := balanceOf(t, store); b != 1010 {
		t.Errorf("balance = %d, want 1010", b)
	}
}

type stalledPublisher struct{ err chan error }

func (p stalledPublisher) PublishLedgerEvent(ctx context.Context, _ *amqp.LedgerEvent) error {
	<-ctx.Done()
	p.err <- ctx.Err()
	return ctx.Err()
}

func TestEngine_PublishIsBounded(t *testing.T) {
	pub := stalledPublisher{err: make(chan error, 4)}
	store := memory.New()
	e := newTestEngine(t, store, 1000, WithPublisher(pub), WithPublishTimeout(20*time.Millisecond))
	<-pub.err // account opened

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	if _, _, err := e.PostExpense(ctx, expenseIn(100)); err != nil {
		t.Fatalf("PostExpense() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("PostExpense() took %v with a stalled publisher", elapsed)
	}
	if err := <-pub.err; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("publish context error = %v, want DeadlineExceeded", err)
	}
	if b := balanceOf(t, store); b != 900 {
		t.Errorf("balance = %d, want 900", b)
	}
}

func TestEngine_OpenAccount(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New())

	acc, err := e.OpenAccount(ctx, OpenAccountInput{OpeningBalance: core.Money{Cents: 250}})
	if err != nil {
		t.Fatalf("OpenAccount() error = %v", err)
	}
	if acc.ID == "" || acc.Balance.Cents != 250 {
		t.Errorf("account = %+v, want generated id and balance 250", acc)
	}
	if _, err := e.OpenAccount(ctx, OpenAccountInput{ID: acc.ID}); !errors.Is(err, core.ErrDuplicate) {
		t.Errorf("duplicate OpenAccount() error = %v, want ErrDuplicate", err)
	}
	if _, err := e.OpenAccount(ctx, OpenAccountInput{OpeningBalance: core.Money{Cents: -1}}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("negative opening balance error = %v, want ErrValidation", err)
	}
}
