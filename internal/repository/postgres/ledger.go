package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/moneybench/arena/internal/domain"
	"github.com/moneybench/arena/internal/repository"
)

const transactionColumns = `id, processor_id, model_id, cycle_id, amount_minor, currency, status, late, settled_at, recorded_at`

// InsertTransaction appends a payment event. The processor id is the dedup
// key; a replay returns ErrConflict and leaves the ledger unchanged.
func (r *Repository) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	const query = `INSERT INTO transactions
		(id, processor_id, model_id, cycle_id, amount_minor, currency, status, late, settled_at, recorded_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
		ON CONFLICT (processor_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query,
		txn.ID, txn.ProcessorID, txn.ModelID, txn.CycleID,
		txn.AmountMinor, txn.Currency, txn.Status, txn.Late, txn.SettledAt, txn.RecordedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// GetTransactionByProcessorID fetches an event by the processor's key.
func (r *Repository) GetTransactionByProcessorID(ctx context.Context, processorID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE processor_id = $1`
	row := r.pool.QueryRow(ctx, query, processorID)
	var t domain.Transaction
	var cycleID *string
	if err := row.Scan(&t.ID, &t.ProcessorID, &t.ModelID, &cycleID, &t.AmountMinor, &t.Currency, &t.Status, &t.Late, &t.SettledAt, &t.RecordedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if cycleID != nil {
		t.CycleID = *cycleID
	}
	return &t, nil
}

// RevenueByCycle recomputes the net revenue view for one cycle, including
// its late settlement bucket. Never cached into mutable state.
func (r *Repository) RevenueByCycle(ctx context.Context, cycleID string) (*domain.RevenueSummary, error) {
	const query = `SELECT
			COALESCE(SUM(amount_minor) FILTER (WHERE status = 'settled'), 0),
			COALESCE(SUM(amount_minor) FILTER (WHERE status IN ('refunded', 'failed')), 0),
			COALESCE(SUM(amount_minor) FILTER (WHERE status = 'settled' AND late), 0),
			COUNT(*),
			COALESCE(MAX(currency), 'USD'),
			COALESCE(MAX(model_id), '')
		FROM transactions WHERE cycle_id = $1`
	row := r.pool.QueryRow(ctx, query, cycleID)
	summary := domain.RevenueSummary{CycleID: cycleID}
	if err := row.Scan(&summary.SettledMinor, &summary.ReversedMinor, &summary.LateMinor, &summary.Events, &summary.Currency, &summary.ModelID); err != nil {
		return nil, err
	}
	if summary.Events == 0 {
		// Distinguish a cycle with no revenue from a cycle that does not
		// exist.
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cycles WHERE id = $1)`, cycleID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, repository.ErrNotFound
		}
	}
	return &summary, nil
}

// LeaderboardRows aggregates cumulative net revenue and deployment success
// rate per model across all closed cycles.
func (r *Repository) LeaderboardRows(ctx context.Context) ([]domain.LeaderboardRow, error) {
	const query = `SELECT
			m.id,
			m.name,
			COALESCE(c.total, 0),
			COALESCE(c.settled, 0),
			COALESCE(t.net, 0),
			COALESCE(t.currency, 'USD')
		FROM models m
		LEFT JOIN (
			SELECT model_id,
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE close_reason = 'completed') AS settled
			FROM cycles WHERE state = 'closed'
			GROUP BY model_id
		) c ON c.model_id = m.id
		LEFT JOIN (
			SELECT model_id,
				SUM(CASE WHEN status = 'settled' THEN amount_minor ELSE -amount_minor END) AS net,
				MAX(currency) AS currency
			FROM transactions WHERE cycle_id IS NOT NULL
			GROUP BY model_id
		) t ON t.model_id = m.id
		ORDER BY COALESCE(t.net, 0) DESC, m.name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []domain.LeaderboardRow
	for rows.Next() {
		var row domain.LeaderboardRow
		if err := rows.Scan(&row.ModelID, &row.ModelName, &row.CyclesTotal, &row.CyclesSettled, &row.NetMinor, &row.Currency); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
