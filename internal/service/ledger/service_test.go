package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/moneybench/arena/internal/domain"
	"github.com/moneybench/arena/internal/repository"
)

type fakeModelRepo struct {
	models map[string]domain.Model
}

func (r *fakeModelRepo) CreateModel(ctx context.Context, model *domain.Model) error { return nil }
func (r *fakeModelRepo) GetModelByID(ctx context.Context, id string) (*domain.Model, error) {
	for _, m := range r.models {
		if m.ID == id {
			out := m
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}
func (r *fakeModelRepo) GetModelByName(ctx context.Context, name string) (*domain.Model, error) {
	if m, ok := r.models[name]; ok {
		out := m
		return &out, nil
	}
	return nil, repository.ErrNotFound
}
func (r *fakeModelRepo) ListModels(ctx context.Context) ([]domain.Model, error) { return nil, nil }

type fakeCycleRepo struct {
	cycles []domain.Cycle
}

func (r *fakeCycleRepo) CreateCycle(ctx context.Context, cycle *domain.Cycle) error { return nil }
func (r *fakeCycleRepo) GetCycleByID(ctx context.Context, id string) (*domain.Cycle, error) {
	for _, c := range r.cycles {
		if c.ID == id {
			out := c
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}
func (r *fakeCycleRepo) GetOpenCycle(ctx context.Context, modelID string, at time.Time) (*domain.Cycle, error) {
	for _, c := range r.cycles {
		if c.ModelID == modelID && c.Open(at) {
			out := c
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}
func (r *fakeCycleRepo) GetLatestCycle(ctx context.Context, modelID string) (*domain.Cycle, error) {
	return nil, repository.ErrNotFound
}
func (r *fakeCycleRepo) GetLastClosedCycleBefore(ctx context.Context, modelID string, ts time.Time) (*domain.Cycle, error) {
	var best *domain.Cycle
	for i := range r.cycles {
		c := r.cycles[i]
		if c.ModelID != modelID || c.WindowEnd.After(ts) {
			continue
		}
		if best == nil || c.WindowEnd.After(best.WindowEnd) {
			best = &r.cycles[i]
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	out := *best
	return &out, nil
}
func (r *fakeCycleRepo) ListCyclesByModel(ctx context.Context, modelID string, limit int) ([]domain.Cycle, error) {
	return nil, nil
}
func (r *fakeCycleRepo) TransitionCycle(ctx context.Context, cycleID, from, to, closeReason string) error {
	return nil
}

type fakeTxnRepo struct {
	txns []domain.Transaction
}

func (r *fakeTxnRepo) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	for _, existing := range r.txns {
		if existing.ProcessorID == txn.ProcessorID {
			return repository.ErrConflict
		}
	}
	r.txns = append(r.txns, *txn)
	return nil
}

func (r *fakeTxnRepo) GetTransactionByProcessorID(ctx context.Context, processorID string) (*domain.Transaction, error) {
	for _, t := range r.txns {
		if t.ProcessorID == processorID {
			out := t
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeTxnRepo) RevenueByCycle(ctx context.Context, cycleID string) (*domain.RevenueSummary, error) {
	summary := &domain.RevenueSummary{CycleID: cycleID, Currency: "USD"}
	for _, t := range r.txns {
		if t.CycleID != cycleID {
			continue
		}
		summary.ModelID = t.ModelID
		summary.Events++
		if t.Status == domain.TxnSettled {
			summary.SettledMinor += t.AmountMinor
			if t.Late {
				summary.LateMinor += t.AmountMinor
			}
		} else {
			summary.ReversedMinor += t.AmountMinor
		}
	}
	return summary, nil
}

func (r *fakeTxnRepo) LeaderboardRows(ctx context.Context) ([]domain.LeaderboardRow, error) {
	return nil, nil
}

type fakeDedup struct {
	seen map[string]bool
}

func (d *fakeDedup) Reserve(ctx context.Context, processorID string) (bool, error) {
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	if d.seen[processorID] {
		return false, nil
	}
	d.seen[processorID] = true
	return true, nil
}

type flakyTxnRepo struct {
	fakeTxnRepo
	failures int
}

func (r *flakyTxnRepo) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("database unavailable")
	}
	return r.fakeTxnRepo.InsertTransaction(ctx, txn)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var windowStart = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

func fixtures() (*fakeModelRepo, *fakeCycleRepo, *fakeTxnRepo) {
	models := &fakeModelRepo{models: map[string]domain.Model{
		"Gemini": {ID: "model-1", Name: "Gemini", Subdomain: "gemini"},
	}}
	cycles := &fakeCycleRepo{cycles: []domain.Cycle{
		{
			ID:          "cycle-1",
			ModelID:     "model-1",
			Index:       1,
			State:       domain.CycleClosed,
			CloseReason: domain.CloseCompleted,
			WindowStart: windowStart,
			WindowEnd:   windowStart.Add(24 * time.Hour),
		},
		{
			ID:          "cycle-2",
			ModelID:     "model-1",
			Index:       2,
			State:       domain.CycleSettled,
			WindowStart: windowStart.Add(24 * time.Hour),
			WindowEnd:   windowStart.Add(48 * time.Hour),
		},
	}}
	return models, cycles, &fakeTxnRepo{}
}

func event(id string, settledAt time.Time) Event {
	return Event{
		ProcessorID: id,
		Model:       "Gemini",
		AmountMinor: 500,
		Currency:    "usd",
		Status:      domain.TxnSettled,
		SettledAt:   settledAt,
	}
}

func TestIngestAttributesInWindow(t *testing.T) {
	models, cycles, txns := fixtures()
	svc := New(models, cycles, txns, nil, testLogger(), 72*time.Hour)

	result, err := svc.Ingest(context.Background(), event("txn-1", windowStart.Add(25*time.Hour)))
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if result.Outcome != OutcomeRecorded || result.CycleID != "cycle-2" || result.Late {
		t.Fatalf("unexpected result %+v", result)
	}

	summary, err := svc.RevenueByCycle(context.Background(), "cycle-2")
	if err != nil {
		t.Fatalf("RevenueByCycle returned error: %v", err)
	}
	if summary.NetMinor() != 500 {
		t.Fatalf("expected net 500, got %d", summary.NetMinor())
	}
}

func TestIngestLateEventGoesToBucket(t *testing.T) {
	models, cycles, txns := fixtures()
	svc := New(models, cycles, txns, nil, testLogger(), 72*time.Hour)

	// Five minutes after cycle-2's window closed and no open cycle exists.
	late := windowStart.Add(48*time.Hour + 5*time.Minute)
	result, err := svc.Ingest(context.Background(), event("txn-late", late))
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if result.Outcome != OutcomeLateBucket || result.CycleID != "cycle-2" || !result.Late {
		t.Fatalf("unexpected result %+v", result)
	}

	summary, err := svc.RevenueByCycle(context.Background(), "cycle-2")
	if err != nil {
		t.Fatalf("RevenueByCycle returned error: %v", err)
	}
	if summary.NetMinor() != 500 {
		t.Fatalf("late bucket must count toward the cycle, got %d", summary.NetMinor())
	}
	if summary.LateMinor != 500 {
		t.Fatalf("late bucket must be reported separately, got %d", summary.LateMinor)
	}
}

func TestIngestBeyondCutoffIsUnattributable(t *testing.T) {
	models, cycles, txns := fixtures()
	svc := New(models, cycles, txns, nil, testLogger(), time.Hour)

	result, err := svc.Ingest(context.Background(), event("txn-old", windowStart.Add(50*time.Hour)))
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if result.Outcome != OutcomeUnattributable || result.CycleID != "" {
		t.Fatalf("unexpected result %+v", result)
	}
	// Kept for ground truth even without attribution.
	if _, err := txns.GetTransactionByProcessorID(context.Background(), "txn-old"); err != nil {
		t.Fatalf("unattributable transaction must still be stored: %v", err)
	}
}

func TestIngestReplayIsIdempotent(t *testing.T) {
	models, cycles, txns := fixtures()
	svc := New(models, cycles, txns, nil, testLogger(), 72*time.Hour)

	at := windowStart.Add(25 * time.Hour)
	if _, err := svc.Ingest(context.Background(), event("txn-dup", at)); err != nil {
		t.Fatalf("first Ingest returned error: %v", err)
	}
	result, err := svc.Ingest(context.Background(), event("txn-dup", at))
	if err != nil {
		t.Fatalf("replay Ingest returned error: %v", err)
	}
	if result.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate outcome, got %+v", result)
	}

	summary, err := svc.RevenueByCycle(context.Background(), "cycle-2")
	if err != nil {
		t.Fatalf("RevenueByCycle returned error: %v", err)
	}
	if summary.NetMinor() != 500 {
		t.Fatalf("replay must not double-count, got %d", summary.NetMinor())
	}
}

func TestIngestRetryAfterInsertFailureStoresEvent(t *testing.T) {
	models, cycles, txns := fixtures()
	flaky := &flakyTxnRepo{fakeTxnRepo: *txns, failures: 1}
	svc := New(models, cycles, flaky, &fakeDedup{}, testLogger(), 72*time.Hour)

	at := windowStart.Add(25 * time.Hour)
	if _, err := svc.Ingest(context.Background(), event("txn-retry", at)); err == nil {
		t.Fatal("expected first ingest to fail on the insert")
	}

	// The dedup reservation was consumed, but no row exists; the retry
	// must store the event, not call it a duplicate.
	result, err := svc.Ingest(context.Background(), event("txn-retry", at))
	if err != nil {
		t.Fatalf("retry Ingest returned error: %v", err)
	}
	if result.Outcome != OutcomeRecorded {
		t.Fatalf("expected recorded outcome on retry, got %q", result.Outcome)
	}
	if _, err := flaky.GetTransactionByProcessorID(context.Background(), "txn-retry"); err != nil {
		t.Fatalf("transaction must be stored after retry: %v", err)
	}

	// A genuine replay after the row exists is still a duplicate.
	replay, err := svc.Ingest(context.Background(), event("txn-retry", at))
	if err != nil {
		t.Fatalf("replay Ingest returned error: %v", err)
	}
	if replay.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate outcome on replay, got %q", replay.Outcome)
	}
}

func TestIngestRefundReducesNet(t *testing.T) {
	models, cycles, txns := fixtures()
	svc := New(models, cycles, txns, nil, testLogger(), 72*time.Hour)

	at := windowStart.Add(25 * time.Hour)
	if _, err := svc.Ingest(context.Background(), event("txn-a", at)); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	refund := event("txn-b", at.Add(time.Hour))
	refund.AmountMinor = 200
	refund.Status = domain.TxnRefunded
	if _, err := svc.Ingest(context.Background(), refund); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}

	summary, err := svc.RevenueByCycle(context.Background(), "cycle-2")
	if err != nil {
		t.Fatalf("RevenueByCycle returned error: %v", err)
	}
	if summary.NetMinor() != 300 {
		t.Fatalf("expected net 300 after refund, got %d", summary.NetMinor())
	}
}

func TestIngestRejectsMalformedEvents(t *testing.T) {
	models, cycles, txns := fixtures()
	svc := New(models, cycles, txns, nil, testLogger(), 72*time.Hour)

	cases := []Event{
		{},
		{ProcessorID: "x", Model: "Gemini", Currency: "usd", Status: "charged", SettledAt: windowStart},
		{ProcessorID: "x", Model: "Gemini", AmountMinor: -1, Currency: "usd", Status: domain.TxnSettled, SettledAt: windowStart},
		{ProcessorID: "x", Model: "Nobody", AmountMinor: 1, Currency: "usd", Status: domain.TxnSettled, SettledAt: windowStart},
	}
	for i, event := range cases {
		if _, err := svc.Ingest(context.Background(), event); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("case %d: expected ErrInvalidEvent, got %v", i, err)
		}
	}
}
