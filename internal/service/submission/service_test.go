package submission

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/moneybench/arena/internal/domain"
	"github.com/moneybench/arena/internal/repository"
)

type fakeModelRepo struct {
	model domain.Model
}

func (r *fakeModelRepo) CreateModel(ctx context.Context, model *domain.Model) error { return nil }

func (r *fakeModelRepo) GetModelByID(ctx context.Context, id string) (*domain.Model, error) {
	if id == r.model.ID {
		out := r.model
		return &out, nil
	}
	return nil, repository.ErrNotFound
}

func (r *fakeModelRepo) GetModelByName(ctx context.Context, name string) (*domain.Model, error) {
	if name == r.model.Name {
		out := r.model
		return &out, nil
	}
	return nil, repository.ErrNotFound
}

func (r *fakeModelRepo) ListModels(ctx context.Context) ([]domain.Model, error) {
	return []domain.Model{r.model}, nil
}

type fakeCycleRepo struct {
	open *domain.Cycle
}

func (r *fakeCycleRepo) CreateCycle(ctx context.Context, cycle *domain.Cycle) error { return nil }

func (r *fakeCycleRepo) GetCycleByID(ctx context.Context, id string) (*domain.Cycle, error) {
	return nil, repository.ErrNotFound
}

func (r *fakeCycleRepo) GetOpenCycle(ctx context.Context, modelID string, at time.Time) (*domain.Cycle, error) {
	if r.open != nil && r.open.ModelID == modelID && r.open.Open(at) {
		out := *r.open
		return &out, nil
	}
	return nil, repository.ErrNotFound
}

func (r *fakeCycleRepo) GetLatestCycle(ctx context.Context, modelID string) (*domain.Cycle, error) {
	return nil, repository.ErrNotFound
}

func (r *fakeCycleRepo) GetLastClosedCycleBefore(ctx context.Context, modelID string, ts time.Time) (*domain.Cycle, error) {
	return nil, repository.ErrNotFound
}

func (r *fakeCycleRepo) ListCyclesByModel(ctx context.Context, modelID string, limit int) ([]domain.Cycle, error) {
	return nil, nil
}

func (r *fakeCycleRepo) TransitionCycle(ctx context.Context, cycleID, from, to, closeReason string) error {
	return nil
}

type fakeArtifactRepo struct {
	sets map[string]*domain.ArtifactSet
}

func (r *fakeArtifactRepo) CreateArtifactSet(ctx context.Context, set *domain.ArtifactSet) error {
	if _, ok := r.sets[set.CycleID]; ok {
		return repository.ErrConflict
	}
	r.sets[set.CycleID] = set
	return nil
}

func (r *fakeArtifactRepo) GetArtifactSetByCycle(ctx context.Context, cycleID string) (*domain.ArtifactSet, error) {
	set, ok := r.sets[cycleID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return set, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(open *domain.Cycle) (*Service, *fakeArtifactRepo) {
	model := domain.Model{ID: "model-1", Name: "gemini", Subdomain: "gemini", Enabled: true}
	artifacts := &fakeArtifactRepo{sets: map[string]*domain.ArtifactSet{}}
	svc := New(&fakeModelRepo{model: model}, &fakeCycleRepo{open: open}, artifacts, testLogger())
	return svc, artifacts
}

func openCycle() *domain.Cycle {
	now := time.Now().UTC()
	return &domain.Cycle{
		ID:          "cycle-1",
		ModelID:     "model-1",
		Index:       1,
		State:       domain.CycleAwaitingArtifact,
		WindowStart: now.Add(-time.Hour),
		WindowEnd:   now.Add(23 * time.Hour),
	}
}

func dockerfile() []File {
	return []File{{Path: "Dockerfile", Content: []byte("FROM node:20\n")}}
}

func TestSubmitRecordsArtifactSet(t *testing.T) {
	svc, artifacts := newService(openCycle())

	set, cycle, err := svc.Submit(context.Background(), "gemini", dockerfile())
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if cycle.ID != "cycle-1" {
		t.Fatalf("wrong cycle: %s", cycle.ID)
	}
	if set.ContentHash == "" {
		t.Fatal("expected content hash")
	}
	if _, ok := artifacts.sets["cycle-1"]; !ok {
		t.Fatal("artifact set not stored")
	}
}

func TestSubmitSecondSetRejected(t *testing.T) {
	svc, _ := newService(openCycle())

	if _, _, err := svc.Submit(context.Background(), "gemini", dockerfile()); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, _, err := svc.Submit(context.Background(), "gemini", dockerfile())
	if !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
}

func TestSubmitOutsideWindow(t *testing.T) {
	svc, _ := newService(nil)

	_, _, err := svc.Submit(context.Background(), "gemini", dockerfile())
	if !errors.Is(err, ErrNoOpenWindow) {
		t.Fatalf("expected ErrNoOpenWindow, got %v", err)
	}
}

func TestSubmitAfterPipelineStarted(t *testing.T) {
	cycle := openCycle()
	cycle.State = domain.CycleBuilding
	svc, _ := newService(cycle)

	_, _, err := svc.Submit(context.Background(), "gemini", dockerfile())
	if !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
}

func TestSubmitUnknownModel(t *testing.T) {
	svc, _ := newService(openCycle())

	_, _, err := svc.Submit(context.Background(), "nobody", dockerfile())
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitEmptyRejected(t *testing.T) {
	svc, _ := newService(openCycle())

	_, _, err := svc.Submit(context.Background(), "gemini", nil)
	if !errors.Is(err, ErrEmptySubmission) {
		t.Fatalf("expected ErrEmptySubmission, got %v", err)
	}
}

func TestContentHashOrderIndependent(t *testing.T) {
	a := []domain.ArtifactFile{
		{Path: "Dockerfile", Content: []byte("FROM node:20\n")},
		{Path: "server.js", Content: []byte("console.log('hi')\n")},
	}
	b := []domain.ArtifactFile{a[1], a[0]}
	if contentHash(a) != contentHash(b) {
		t.Fatal("hash must not depend on file order")
	}
}
