package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/moneybench/arena/internal/domain"
	"github.com/moneybench/arena/internal/repository"
)

const uniqueViolation = "23505"

type artifactFileRecord struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// CreateArtifactSet stores a submission. The unique cycle constraint
// rejects a second submission for the same window.
func (r *Repository) CreateArtifactSet(ctx context.Context, set *domain.ArtifactSet) error {
	records := make([]artifactFileRecord, 0, len(set.Files))
	for _, f := range set.Files {
		records = append(records, artifactFileRecord{Path: f.Path, Content: f.Content})
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode artifact files: %w", err)
	}
	const query = `INSERT INTO artifact_sets (id, cycle_id, model_id, files, content_hash, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.pool.Exec(ctx, query, set.ID, set.CycleID, set.ModelID, payload, set.ContentHash, set.SubmittedAt); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// GetArtifactSetByCycle loads the submission bound to a cycle.
func (r *Repository) GetArtifactSetByCycle(ctx context.Context, cycleID string) (*domain.ArtifactSet, error) {
	const query = `SELECT id, cycle_id, model_id, files, content_hash, submitted_at
		FROM artifact_sets WHERE cycle_id = $1`
	row := r.pool.QueryRow(ctx, query, cycleID)
	var set domain.ArtifactSet
	var payload []byte
	if err := row.Scan(&set.ID, &set.CycleID, &set.ModelID, &payload, &set.ContentHash, &set.SubmittedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var records []artifactFileRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("decode artifact files: %w", err)
	}
	set.Files = make([]domain.ArtifactFile, 0, len(records))
	for _, rec := range records {
		set.Files = append(set.Files, domain.ArtifactFile{Path: rec.Path, Content: rec.Content})
	}
	return &set, nil
}

// CreateBuildResult records the single build attempt for a cycle.
func (r *Repository) CreateBuildResult(ctx context.Context, result *domain.BuildResult) error {
	const query = `INSERT INTO build_results (id, cycle_id, status, image_ref, classification, diagnostic_log, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		result.ID, result.CycleID, result.Status, result.ImageRef,
		result.Classification, result.DiagnosticLog, result.Duration.Milliseconds(), result.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// GetBuildResultByCycle loads the recorded build outcome.
func (r *Repository) GetBuildResultByCycle(ctx context.Context, cycleID string) (*domain.BuildResult, error) {
	const query = `SELECT id, cycle_id, status, image_ref, classification, diagnostic_log, duration_ms, created_at
		FROM build_results WHERE cycle_id = $1`
	row := r.pool.QueryRow(ctx, query, cycleID)
	var b domain.BuildResult
	var durationMS int64
	if err := row.Scan(&b.ID, &b.CycleID, &b.Status, &b.ImageRef, &b.Classification, &b.DiagnosticLog, &durationMS, &b.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	b.Duration = time.Duration(durationMS) * time.Millisecond
	return &b, nil
}

const deploymentColumns = `id, model_id, cycle_id, status, image_ref, container_id, endpoint, host_port, activated_at, retired_at`

// ActivateDeployment retires the model's previous live record and inserts
// the new one in a single transaction, so there is never an instant with
// two live endpoints or with a half-finished cutover.
func (r *Repository) ActivateDeployment(ctx context.Context, record *domain.DeploymentRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cutover: %w", err)
	}
	defer tx.Rollback(ctx)

	const retire = `UPDATE deployment_records
		SET status = 'superseded', retired_at = now()
		WHERE model_id = $1 AND status = 'live'`
	if _, err := tx.Exec(ctx, retire, record.ModelID); err != nil {
		return fmt.Errorf("retire previous deployment: %w", err)
	}

	const insert = `INSERT INTO deployment_records
		(id, model_id, cycle_id, status, image_ref, container_id, endpoint, host_port, activated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.Exec(ctx, insert,
		record.ID, record.ModelID, record.CycleID, record.Status, record.ImageRef,
		record.ContainerID, record.Endpoint, record.HostPort, record.ActivatedAt); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert deployment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cutover: %w", err)
	}
	return nil
}

// GetLiveDeployment returns the model's current live endpoint, if any.
func (r *Repository) GetLiveDeployment(ctx context.Context, modelID string) (*domain.DeploymentRecord, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployment_records
		WHERE model_id = $1 AND status = 'live'`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, modelID))
}

// GetDeploymentByCycle returns the record created for one cycle.
func (r *Repository) GetDeploymentByCycle(ctx context.Context, cycleID string) (*domain.DeploymentRecord, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployment_records WHERE cycle_id = $1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, cycleID))
}

// ListDeploymentsByModel returns recent records, newest first.
func (r *Repository) ListDeploymentsByModel(ctx context.Context, modelID string, limit int) ([]domain.DeploymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployment_records
		WHERE model_id = $1 ORDER BY activated_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, modelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []domain.DeploymentRecord
	for rows.Next() {
		var d domain.DeploymentRecord
		if err := rows.Scan(&d.ID, &d.ModelID, &d.CycleID, &d.Status, &d.ImageRef, &d.ContainerID, &d.Endpoint, &d.HostPort, &d.ActivatedAt, &d.RetiredAt); err != nil {
			return nil, err
		}
		records = append(records, d)
	}
	return records, rows.Err()
}

func (r *Repository) scanDeployment(row pgx.Row) (*domain.DeploymentRecord, error) {
	var d domain.DeploymentRecord
	if err := row.Scan(&d.ID, &d.ModelID, &d.CycleID, &d.Status, &d.ImageRef, &d.ContainerID, &d.Endpoint, &d.HostPort, &d.ActivatedAt, &d.RetiredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
