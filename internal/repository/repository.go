package repository

import (
	"context"
	"time"

	"github.com/moneybench/arena/internal/domain"
)

// ModelRepository persists benchmark participants.
type ModelRepository interface {
	CreateModel(ctx context.Context, model *domain.Model) error
	GetModelByID(ctx context.Context, id string) (*domain.Model, error)
	GetModelByName(ctx context.Context, name string) (*domain.Model, error)
	ListModels(ctx context.Context) ([]domain.Model, error)
}

// CycleRepository persists attempt windows and their state machine.
type CycleRepository interface {
	CreateCycle(ctx context.Context, cycle *domain.Cycle) error
	GetCycleByID(ctx context.Context, id string) (*domain.Cycle, error)
	GetOpenCycle(ctx context.Context, modelID string, at time.Time) (*domain.Cycle, error)
	GetLatestCycle(ctx context.Context, modelID string) (*domain.Cycle, error)
	GetLastClosedCycleBefore(ctx context.Context, modelID string, ts time.Time) (*domain.Cycle, error)
	ListCyclesByModel(ctx context.Context, modelID string, limit int) ([]domain.Cycle, error)
	// TransitionCycle advances the state machine only when the stored state
	// still matches from; returns ErrStaleState otherwise.
	TransitionCycle(ctx context.Context, cycleID, from, to, closeReason string) error
}

// ArtifactRepository persists submitted file sets. One set per cycle.
type ArtifactRepository interface {
	CreateArtifactSet(ctx context.Context, set *domain.ArtifactSet) error
	GetArtifactSetByCycle(ctx context.Context, cycleID string) (*domain.ArtifactSet, error)
}

// BuildRepository persists write-once build results.
type BuildRepository interface {
	CreateBuildResult(ctx context.Context, result *domain.BuildResult) error
	GetBuildResultByCycle(ctx context.Context, cycleID string) (*domain.BuildResult, error)
}

// DeploymentRepository persists deployment records and guards cutover.
type DeploymentRepository interface {
	// ActivateDeployment inserts record as live and retires the model's
	// previous live record in the same transaction.
	ActivateDeployment(ctx context.Context, record *domain.DeploymentRecord) error
	GetLiveDeployment(ctx context.Context, modelID string) (*domain.DeploymentRecord, error)
	GetDeploymentByCycle(ctx context.Context, cycleID string) (*domain.DeploymentRecord, error)
	ListDeploymentsByModel(ctx context.Context, modelID string, limit int) ([]domain.DeploymentRecord, error)
}

// TransactionRepository persists append-only payment events and serves the
// derived revenue aggregates.
type TransactionRepository interface {
	// InsertTransaction records the event; returns ErrConflict when the
	// processor id was already recorded.
	InsertTransaction(ctx context.Context, txn *domain.Transaction) error
	GetTransactionByProcessorID(ctx context.Context, processorID string) (*domain.Transaction, error)
	RevenueByCycle(ctx context.Context, cycleID string) (*domain.RevenueSummary, error)
	LeaderboardRows(ctx context.Context) ([]domain.LeaderboardRow, error)
}
