package domain

import "time"

// Payment transaction statuses as reported by the processor.
const (
	TxnSettled  = "settled"
	TxnRefunded = "refunded"
	TxnFailed   = "failed"
)

// Transaction is an external payment event. Append-only; deduplicated by
// the processor's transaction identifier.
type Transaction struct {
	ID          string
	ProcessorID string
	ModelID     string
	CycleID     string
	AmountMinor int64
	Currency    string
	Status      string
	Late        bool
	SettledAt   time.Time
	RecordedAt  time.Time
}

// Attributed reports whether the transaction was matched to a cycle.
func (t Transaction) Attributed() bool {
	return t.CycleID != ""
}

// RevenueSummary is the derived net revenue view for one model and cycle.
// Never stored; recomputed from transactions.
type RevenueSummary struct {
	ModelID       string
	CycleID       string
	SettledMinor  int64
	ReversedMinor int64
	LateMinor     int64
	Events        int
	Currency      string
}

// NetMinor is settled revenue minus refunded and failed charges.
func (r RevenueSummary) NetMinor() int64 {
	return r.SettledMinor - r.ReversedMinor
}
