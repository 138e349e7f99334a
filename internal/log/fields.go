package log

// Common field names for structured logging
const (
	FieldComponent      = "component"
	FieldRequestID      = "request_id"
	FieldClientIP       = "client_ip"
	FieldMethod         = "method"
	FieldPath           = "path"
	FieldQuery          = "query"
	FieldStatusCode     = "status_code"
	FieldDuration       = "duration_ms"
	FieldUserAgent      = "user_agent"
	FieldSuccess        = "success"
	FieldError          = "error"
	FieldOperation      = "operation"
	FieldAccountID      = "account_id"
	FieldEntryID        = "entry_id"
	FieldEntryKind      = "kind"
	FieldSourceRef      = "source_ref"
	FieldAmountCents    = "amount_cents"
	FieldBalanceCents   = "balance_cents"
	FieldSubscriptionID = "subscription_id"
	FieldFrequency      = "frequency"
	FieldDueDate        = "due_date"
	FieldOutcome        = "outcome"
	FieldAttempt        = "attempt"
	FieldIntegrity      = "integrity"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentLedger    = "ledger"
	ComponentScheduler = "scheduler"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentLock      = "lock"
	ComponentCache     = "cache"
	ComponentBackend   = "backend"
)

// Operations defines standard operation names
const (
	OpCreate   = "create"
	OpRead     = "read"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpList     = "list"
	OpCharge   = "charge"
	OpTick     = "tick"
	OpPublish  = "publish"
	OpMigrate  = "migrate"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// IntegrityBrokenPairing tags records about a source record whose ledger
// entry is missing. Alerting keys on it.
const IntegrityBrokenPairing = "broken_pairing"

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithEntry adds the fields that identify a ledger movement.
func (f LogFields) WithEntry(accountID, entryID, kind, sourceRef string, amountCents int64) LogFields {
	f[FieldAccountID] = accountID
	f[FieldEntryID] = entryID
	f[FieldEntryKind] = kind
	f[FieldSourceRef] = sourceRef
	f[FieldAmountCents] = amountCents
	return f
}

func (f LogFields) WithBalance(cents int64) LogFields {
	f[FieldBalanceCents] = cents
	return f
}

// WithSubscription adds subscription fields used by the billing scheduler.
func (f LogFields) WithSubscription(id, accountID, frequency, due string) LogFields {
	f[FieldSubscriptionID] = id
	f[FieldAccountID] = accountID
	f[FieldFrequency] = frequency
	f[FieldDueDate] = due
	return f
}

// WithHTTPRequest adds HTTP request fields
func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	f[FieldUserAgent] = userAgent
	return f
}

// WithHTTPResponse adds HTTP response fields
func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
