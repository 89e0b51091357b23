package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moneybench/arena/internal/domain"
	"github.com/moneybench/arena/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ModelRepository       = (*Repository)(nil)
	_ repository.CycleRepository       = (*Repository)(nil)
	_ repository.ArtifactRepository    = (*Repository)(nil)
	_ repository.BuildRepository       = (*Repository)(nil)
	_ repository.DeploymentRepository  = (*Repository)(nil)
	_ repository.TransactionRepository = (*Repository)(nil)
)

// CreateModel inserts a participant.
func (r *Repository) CreateModel(ctx context.Context, model *domain.Model) error {
	const query = `INSERT INTO models (id, name, subdomain, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, model.ID, model.Name, model.Subdomain, model.Enabled, model.CreatedAt)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetModelByID retrieves a participant by identifier.
func (r *Repository) GetModelByID(ctx context.Context, id string) (*domain.Model, error) {
	const query = `SELECT id, name, subdomain, enabled, created_at FROM models WHERE id = $1`
	return r.scanModel(r.pool.QueryRow(ctx, query, id))
}

// GetModelByName retrieves a participant by display name.
func (r *Repository) GetModelByName(ctx context.Context, name string) (*domain.Model, error) {
	const query = `SELECT id, name, subdomain, enabled, created_at FROM models WHERE name = $1`
	return r.scanModel(r.pool.QueryRow(ctx, query, name))
}

// ListModels returns all registered participants.
func (r *Repository) ListModels(ctx context.Context) ([]domain.Model, error) {
	const query = `SELECT id, name, subdomain, enabled, created_at FROM models ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var models []domain.Model
	for rows.Next() {
		var m domain.Model
		if err := rows.Scan(&m.ID, &m.Name, &m.Subdomain, &m.Enabled, &m.CreatedAt); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (r *Repository) scanModel(row pgx.Row) (*domain.Model, error) {
	var m domain.Model
	if err := row.Scan(&m.ID, &m.Name, &m.Subdomain, &m.Enabled, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

const cycleColumns = `id, model_id, idx, state, close_reason, window_start, window_end, closed_at, updated_at`

// CreateCycle opens a new attempt window.
func (r *Repository) CreateCycle(ctx context.Context, cycle *domain.Cycle) error {
	const query = `INSERT INTO cycles (id, model_id, idx, state, close_reason, window_start, window_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, cycle.ID, cycle.ModelID, cycle.Index, cycle.State, cycle.CloseReason, cycle.WindowStart, cycle.WindowEnd, cycle.UpdatedAt)
	return err
}

// GetCycleByID fetches a cycle.
func (r *Repository) GetCycleByID(ctx context.Context, id string) (*domain.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE id = $1`
	return r.scanCycle(r.pool.QueryRow(ctx, query, id))
}

// GetOpenCycle returns the cycle whose window contains the given instant.
func (r *Repository) GetOpenCycle(ctx context.Context, modelID string, at time.Time) (*domain.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles
		WHERE model_id = $1 AND window_start <= $2 AND window_end > $2
		ORDER BY idx DESC LIMIT 1`
	return r.scanCycle(r.pool.QueryRow(ctx, query, modelID, at))
}

// GetLatestCycle returns the most recent cycle for a model.
func (r *Repository) GetLatestCycle(ctx context.Context, modelID string) (*domain.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE model_id = $1 ORDER BY idx DESC LIMIT 1`
	return r.scanCycle(r.pool.QueryRow(ctx, query, modelID))
}

// GetLastClosedCycleBefore returns the nearest closed cycle whose window
// ended at or before ts. Used for late settlement bucketing.
func (r *Repository) GetLastClosedCycleBefore(ctx context.Context, modelID string, ts time.Time) (*domain.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles
		WHERE model_id = $1 AND window_end <= $2
		ORDER BY window_end DESC LIMIT 1`
	return r.scanCycle(r.pool.QueryRow(ctx, query, modelID, ts))
}

// ListCyclesByModel returns recent cycles, newest first.
func (r *Repository) ListCyclesByModel(ctx context.Context, modelID string, limit int) ([]domain.Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE model_id = $1 ORDER BY idx DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, modelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cycles []domain.Cycle
	for rows.Next() {
		var c domain.Cycle
		if err := rows.Scan(&c.ID, &c.ModelID, &c.Index, &c.State, &c.CloseReason, &c.WindowStart, &c.WindowEnd, &c.ClosedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// TransitionCycle advances the state machine with a compare-and-set on the
// prior state so transitions stay one-way across crashes.
func (r *Repository) TransitionCycle(ctx context.Context, cycleID, from, to, closeReason string) error {
	const query = `UPDATE cycles
		SET state = $3,
		    close_reason = CASE WHEN $3 = 'closed' THEN $4 ELSE close_reason END,
		    closed_at = CASE WHEN $3 = 'closed' THEN now() ELSE closed_at END,
		    updated_at = now()
		WHERE id = $1 AND state = $2`
	tag, err := r.pool.Exec(ctx, query, cycleID, from, to, closeReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetCycleByID(ctx, cycleID); err != nil {
			return err
		}
		return repository.ErrStaleState
	}
	return nil
}

func (r *Repository) scanCycle(row pgx.Row) (*domain.Cycle, error) {
	var c domain.Cycle
	if err := row.Scan(&c.ID, &c.ModelID, &c.Index, &c.State, &c.CloseReason, &c.WindowStart, &c.WindowEnd, &c.ClosedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}
