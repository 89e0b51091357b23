package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/moneybench/arena/internal/domain"
	"github.com/moneybench/arena/internal/repository"
)

// Ingestion outcomes. Anomalies are recovered locally and never surface as
// pipeline failures.
const (
	OutcomeRecorded       = "recorded"
	OutcomeLateBucket     = "late_bucket"
	OutcomeDuplicate      = "duplicate"
	OutcomeUnattributable = "unattributable"
)

// ErrInvalidEvent rejects malformed processor events. Everything in an
// event is untrusted input.
var ErrInvalidEvent = errors.New("ledger: invalid payment event")

// Event is one payment processor notification.
type Event struct {
	ProcessorID string    `json:"transaction_id"`
	Model       string    `json:"model"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	SettledAt   time.Time `json:"settled_at"`
}

// Result describes how an event was absorbed into the ledger.
type Result struct {
	Outcome string
	CycleID string
	Late    bool
}

// Dedup is a fast-path replay filter. The database unique constraint on the
// processor id remains the source of truth; Reserve may fail open.
type Dedup interface {
	Reserve(ctx context.Context, processorID string) (bool, error)
}

// Service reconciles processor events against cycles. It runs decoupled
// from the scheduler cadence and tolerates bursts and out-of-order events.
type Service struct {
	models     repository.ModelRepository
	cycles     repository.CycleRepository
	txns       repository.TransactionRepository
	dedup      Dedup
	logger     *slog.Logger
	lateCutoff time.Duration
	now        func() time.Time
}

// New constructs a ledger service. lateCutoff bounds how far after window
// close an event may still land in a cycle's late settlement bucket.
func New(models repository.ModelRepository, cycles repository.CycleRepository, txns repository.TransactionRepository, dedup Dedup, logger *slog.Logger, lateCutoff time.Duration) *Service {
	if lateCutoff <= 0 {
		lateCutoff = 72 * time.Hour
	}
	return &Service{
		models:     models,
		cycles:     cycles,
		txns:       txns,
		dedup:      dedup,
		logger:     logger,
		lateCutoff: lateCutoff,
		now:        time.Now,
	}
}

// Ingest absorbs one event. Replaying the same processor id leaves the
// ledger unchanged.
func (s *Service) Ingest(ctx context.Context, event Event) (Result, error) {
	if err := validate(event); err != nil {
		return Result{}, err
	}

	model, err := s.models.GetModelByName(ctx, event.Model)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: unknown model %q", ErrInvalidEvent, event.Model)
		}
		return Result{}, err
	}

	if s.dedup != nil {
		fresh, err := s.dedup.Reserve(ctx, event.ProcessorID)
		if err != nil {
			// Fail open; the insert below still rejects replays.
			s.logger.Warn("dedup reserve failed", "processor_id", event.ProcessorID, "error", err)
		} else if !fresh {
			// A reservation without a stored row means an earlier insert
			// failed after Reserve; fall through and insert.
			if _, err := s.txns.GetTransactionByProcessorID(ctx, event.ProcessorID); err == nil {
				s.logger.Info("duplicate payment event ignored", "processor_id", event.ProcessorID)
				return Result{Outcome: OutcomeDuplicate}, nil
			} else if !errors.Is(err, repository.ErrNotFound) {
				return Result{}, fmt.Errorf("confirm duplicate: %w", err)
			}
		}
	}

	cycleID, late, outcome := s.attribute(ctx, model.ID, event.SettledAt)

	txn := &domain.Transaction{
		ID:          uuid.NewString(),
		ProcessorID: event.ProcessorID,
		ModelID:     model.ID,
		CycleID:     cycleID,
		AmountMinor: event.AmountMinor,
		Currency:    strings.ToUpper(event.Currency),
		Status:      event.Status,
		Late:        late,
		SettledAt:   event.SettledAt.UTC(),
		RecordedAt:  s.now().UTC(),
	}
	if err := s.txns.InsertTransaction(ctx, txn); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			s.logger.Info("duplicate payment event ignored", "processor_id", event.ProcessorID)
			return Result{Outcome: OutcomeDuplicate}, nil
		}
		return Result{}, fmt.Errorf("record transaction: %w", err)
	}

	s.logger.Info("payment event recorded",
		"processor_id", event.ProcessorID, "model", event.Model,
		"outcome", outcome, "cycle", cycleID, "status", event.Status,
		"amount_minor", event.AmountMinor)
	return Result{Outcome: outcome, CycleID: cycleID, Late: late}, nil
}

// RevenueByCycle exposes the derived net revenue view.
func (s *Service) RevenueByCycle(ctx context.Context, cycleID string) (*domain.RevenueSummary, error) {
	return s.txns.RevenueByCycle(ctx, cycleID)
}

// attribute matches a settlement timestamp to a cycle window, falling back
// to the nearest prior closed cycle's late bucket within the cutoff.
func (s *Service) attribute(ctx context.Context, modelID string, settledAt time.Time) (cycleID string, late bool, outcome string) {
	if cycle, err := s.cycles.GetOpenCycle(ctx, modelID, settledAt); err == nil {
		return cycle.ID, false, OutcomeRecorded
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("cycle lookup failed", "model", modelID, "error", err)
	}

	prior, err := s.cycles.GetLastClosedCycleBefore(ctx, modelID, settledAt)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("prior cycle lookup failed", "model", modelID, "error", err)
		}
		return "", false, OutcomeUnattributable
	}
	if settledAt.Sub(prior.WindowEnd) > s.lateCutoff {
		return "", false, OutcomeUnattributable
	}
	return prior.ID, true, OutcomeLateBucket
}

func validate(event Event) error {
	if strings.TrimSpace(event.ProcessorID) == "" {
		return fmt.Errorf("%w: missing transaction id", ErrInvalidEvent)
	}
	if strings.TrimSpace(event.Model) == "" {
		return fmt.Errorf("%w: missing model attribution", ErrInvalidEvent)
	}
	if event.AmountMinor < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidEvent)
	}
	if strings.TrimSpace(event.Currency) == "" {
		return fmt.Errorf("%w: missing currency", ErrInvalidEvent)
	}
	switch event.Status {
	case domain.TxnSettled, domain.TxnRefunded, domain.TxnFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, event.Status)
	}
	if event.SettledAt.IsZero() {
		return fmt.Errorf("%w: missing settlement timestamp", ErrInvalidEvent)
	}
	return nil
}
