package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/moneybench/arena/internal/domain"
	"github.com/moneybench/arena/internal/repository"
)

var (
	// ErrNoOpenWindow means no cycle is currently accepting a submission.
	ErrNoOpenWindow = errors.New("submission: no open cycle window")
	// ErrAlreadySubmitted means the open cycle already holds its one
	// artifact set.
	ErrAlreadySubmitted = errors.New("submission: artifact set already recorded")
	// ErrEmptySubmission rejects submissions without usable files.
	ErrEmptySubmission = errors.New("submission: no files provided")
)

// File is one submitted file.
type File struct {
	Path    string
	Content []byte
}

// Service accepts artifact submissions into the current cycle window.
type Service struct {
	models    repository.ModelRepository
	cycles    repository.CycleRepository
	artifacts repository.ArtifactRepository
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a submission service.
func New(models repository.ModelRepository, cycles repository.CycleRepository, artifacts repository.ArtifactRepository, logger *slog.Logger) *Service {
	return &Service{
		models:    models,
		cycles:    cycles,
		artifacts: artifacts,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit records the artifact set for the model's open cycle. A cycle
// accepts exactly one submission; later calls return ErrAlreadySubmitted.
func (s *Service) Submit(ctx context.Context, modelName string, files []File) (*domain.ArtifactSet, *domain.Cycle, error) {
	if len(files) == 0 {
		return nil, nil, ErrEmptySubmission
	}
	for _, f := range files {
		if strings.TrimSpace(f.Path) == "" {
			return nil, nil, fmt.Errorf("%w: file with empty path", ErrEmptySubmission)
		}
	}

	model, err := s.models.GetModelByName(ctx, modelName)
	if err != nil {
		return nil, nil, err
	}

	cycle, err := s.cycles.GetOpenCycle(ctx, model.ID, s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrNoOpenWindow
		}
		return nil, nil, fmt.Errorf("find open cycle: %w", err)
	}
	if cycle.State != domain.CycleAwaitingArtifact {
		return nil, nil, ErrAlreadySubmitted
	}

	set := &domain.ArtifactSet{
		ID:          uuid.NewString(),
		CycleID:     cycle.ID,
		ModelID:     model.ID,
		Files:       make([]domain.ArtifactFile, 0, len(files)),
		SubmittedAt: s.now().UTC(),
	}
	for _, f := range files {
		set.Files = append(set.Files, domain.ArtifactFile{Path: f.Path, Content: f.Content})
	}
	set.ContentHash = contentHash(set.Files)

	if err := s.artifacts.CreateArtifactSet(ctx, set); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, nil, ErrAlreadySubmitted
		}
		return nil, nil, fmt.Errorf("store artifact set: %w", err)
	}

	s.logger.Info("artifact set recorded",
		"model", model.Name, "cycle", cycle.Index,
		"files", len(set.Files), "hash", set.ContentHash)
	return set, cycle, nil
}

// contentHash digests paths and contents in path order so the hash is
// independent of submission ordering.
func contentHash(files []domain.ArtifactFile) string {
	sorted := make([]domain.ArtifactFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	hasher := sha256.New()
	for _, f := range sorted {
		hasher.Write([]byte(f.Path))
		hasher.Write([]byte{0})
		hasher.Write(f.Content)
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
