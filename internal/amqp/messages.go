package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Ledger event types. The routing key of a published event is
// "<routing prefix>.<type>", so consumers can bind on e.g. "ledger.subscription.*".
const (
	EventAccountOpened        = "account.opened"
	EventExpensePosted        = "expense.posted"
	EventExpenseRevised       = "expense.revised"
	EventExpenseRetracted     = "expense.retracted"
	EventIncomePosted         = "income.posted"
	EventIncomeRevised        = "income.revised"
	EventIncomeRetracted      = "income.retracted"
	EventSubscriptionCharged  = "subscription.charged"
	EventSubscriptionDeclined = "subscription.declined"
	EventSubscriptionLapsed   = "subscription.lapsed"
)

// LedgerEvent describes one committed balance change. Amount is the signed
// delta applied to the account; Balance is the balance after the change.
type LedgerEvent struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	AccountID    string    `json:"account_id"`
	EntryID      string    `json:"entry_id,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	SourceRef    string    `json:"source_ref,omitempty"`
	AmountCents  int64     `json:"amount_cents"`
	BalanceCents int64     `json:"balance_cents"`
	Date         string    `json:"date,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewLedgerEvent creates an event with a fresh id and timestamp.
func NewLedgerEvent(eventType, accountID string) *LedgerEvent {
	return &LedgerEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		AccountID: accountID,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *LedgerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
