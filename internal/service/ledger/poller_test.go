package ledger

import (
	"context"
	"testing"
	"time"
)

type fakeSource struct {
	pages  [][]Event
	calls  int
	cursor string
}

func (s *fakeSource) FetchEvents(ctx context.Context, cursor string, limit int) ([]Event, string, error) {
	s.cursor = cursor
	if s.calls >= len(s.pages) {
		return nil, "", nil
	}
	page := s.pages[s.calls]
	s.calls++
	next := ""
	if s.calls < len(s.pages) {
		next = "page-" + string(rune('0'+s.calls))
	}
	return page, next, nil
}

func TestPollerDrainIngestsAllPages(t *testing.T) {
	models, cycles, txns := fixtures()
	svc := New(models, cycles, txns, nil, testLogger(), 72*time.Hour)

	inWindow := windowStart.Add(25 * time.Hour)
	source := &fakeSource{pages: [][]Event{
		{event("txn-a", inWindow), event("txn-b", inWindow)},
		{event("txn-c", inWindow)},
	}}
	poller := NewPoller(source, svc, testLogger(), time.Minute)

	poller.drain(context.Background())

	if source.calls != 2 {
		t.Fatalf("expected 2 pages fetched, got %d", source.calls)
	}
	for _, id := range []string{"txn-a", "txn-b", "txn-c"} {
		if _, err := txns.GetTransactionByProcessorID(context.Background(), id); err != nil {
			t.Fatalf("event %s not ingested: %v", id, err)
		}
	}
}

func TestPollerDrainHoldsCursorOnIngestFailure(t *testing.T) {
	models, cycles, txns := fixtures()
	flaky := &flakyTxnRepo{fakeTxnRepo: *txns, failures: 1}
	svc := New(models, cycles, flaky, nil, testLogger(), 72*time.Hour)

	inWindow := windowStart.Add(25 * time.Hour)
	source := &fakeSource{pages: [][]Event{
		{event("txn-a", inWindow)},
		{event("txn-b", inWindow)},
	}}
	poller := NewPoller(source, svc, testLogger(), time.Minute)

	// First drain hits the insert failure; the page must be retried, not
	// skipped.
	poller.drain(context.Background())
	if poller.cursor != "" {
		t.Fatalf("cursor advanced past a failed page: %q", poller.cursor)
	}

	source.calls = 0
	poller.drain(context.Background())
	for _, id := range []string{"txn-a", "txn-b"} {
		if _, err := flaky.GetTransactionByProcessorID(context.Background(), id); err != nil {
			t.Fatalf("event %s not ingested after retry: %v", id, err)
		}
	}
}

func TestPollerDrainSkipsRejectedEvents(t *testing.T) {
	models, cycles, txns := fixtures()
	svc := New(models, cycles, txns, nil, testLogger(), 72*time.Hour)

	inWindow := windowStart.Add(25 * time.Hour)
	malformed := event("txn-bad", inWindow)
	malformed.AmountMinor = -1
	source := &fakeSource{pages: [][]Event{
		{malformed, event("txn-good", inWindow)},
	}}
	poller := NewPoller(source, svc, testLogger(), time.Minute)

	poller.drain(context.Background())

	if _, err := txns.GetTransactionByProcessorID(context.Background(), "txn-good"); err != nil {
		t.Fatalf("valid event must be ingested past a rejected one: %v", err)
	}
}

func TestPollerDrainTolerateReplays(t *testing.T) {
	models, cycles, txns := fixtures()
	svc := New(models, cycles, txns, nil, testLogger(), 72*time.Hour)

	inWindow := windowStart.Add(25 * time.Hour)
	source := &fakeSource{pages: [][]Event{
		{event("txn-a", inWindow), event("txn-a", inWindow)},
	}}
	poller := NewPoller(source, svc, testLogger(), time.Minute)

	poller.drain(context.Background())

	txn, err := txns.GetTransactionByProcessorID(context.Background(), "txn-a")
	if err != nil {
		t.Fatalf("event not ingested: %v", err)
	}
	if txn.AmountMinor != 500 {
		t.Fatalf("replay must not change the recorded amount, got %d", txn.AmountMinor)
	}
}
