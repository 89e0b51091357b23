package build

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
	"github.com/moneybench/arena/internal/sandbox/docker"
)

// ImageBuilder is the sandbox contract consumed by the executor.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, tag string, limits docker.Limits, onOutput docker.BuildOutputCallback) error
}

// Workspace materializes artifact sets into build directories.
type Workspace interface {
	Materialize(set domain.ArtifactSet) (string, error)
	Cleanup(path string) error
}

// Service attempts exactly one build per cycle. Failed cycles are never
// retried here; the next window is the retry.
type Service struct {
	builder  ImageBuilder
	ws       Workspace
	results  repository.BuildRepository
	logger   *slog.Logger
	registry string
	timeout  time.Duration
	limits   docker.Limits
}

// New constructs a build executor.
func New(builder ImageBuilder, ws Workspace, results repository.BuildRepository, logger *slog.Logger, registry string, timeout time.Duration, limits docker.Limits) Service {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if registry == "" {
		registry = "arena"
	}
	return Service{
		builder:  builder,
		ws:       ws,
		results:  results,
		logger:   logger,
		registry: registry,
		timeout:  timeout,
		limits:   limits,
	}
}

// Execute runs the single build attempt for a cycle and records the
// write-once result. Re-invoking for the same cycle returns the recorded
// outcome without rebuilding.
func (s Service) Execute(ctx context.Context, cycle domain.Cycle, set domain.ArtifactSet) (*domain.BuildResult, error) {
	if existing, err := s.results.GetBuildResultByCycle(ctx, cycle.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	dir, err := s.ws.Materialize(set)
	if err != nil {
		return nil, fmt.Errorf("materialize artifact set: %w", err)
	}
	defer func() {
		if err := s.ws.Cleanup(dir); err != nil {
			s.logger.Warn("workspace cleanup failed", "cycle", cycle.ID, "error", err)
		}
	}()

	tag := fmt.Sprintf("%s/%s:%d", s.registry, cycle.ModelID, cycle.Index)
	log := newTailLog(200)

	buildCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Info("build started", "cycle", cycle.ID, "model", cycle.ModelID, "image", tag)
	started := time.Now()
	buildErr := s.builder.BuildImage(buildCtx, dir, tag, s.limits, log.Add)
	duration := time.Since(started)

	result := &domain.BuildResult{
		ID:            uuid.NewString(),
		CycleID:       cycle.ID,
		DiagnosticLog: log.String(),
		Duration:      duration,
		CreatedAt:     time.Now().UTC(),
	}
	if buildErr == nil {
		result.Status = domain.BuildSuccess
		result.ImageRef = tag
		s.logger.Info("build succeeded", "cycle", cycle.ID, "image", tag, "duration", duration)
	} else {
		result.Status = domain.BuildFailure
		result.Classification = Classify(buildErr, log.String())
		if result.DiagnosticLog == "" {
			result.DiagnosticLog = buildErr.Error()
		} else {
			result.DiagnosticLog += "\n" + buildErr.Error()
		}
		s.logger.Info("build failed", "cycle", cycle.ID, "classification", result.Classification, "error", buildErr)
	}

	if err := s.results.CreateBuildResult(ctx, result); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return s.results.GetBuildResultByCycle(ctx, cycle.ID)
		}
		return nil, fmt.Errorf("record build result: %w", err)
	}
	return result, nil
}

// tailLog keeps the most recent build output lines, bounded.
type tailLog struct {
	lines []string
	max   int
}

func newTailLog(max int) *tailLog {
	return &tailLog{max: max}
}

func (l *tailLog) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if len(line) > 2048 {
		line = line[:2048]
	}
	l.lines = append(l.lines, line)
	if len(l.lines) > l.max {
		l.lines = l.lines[len(l.lines)-l.max:]
	}
}

func (l *tailLog) String() string {
	return strings.Join(l.lines, "\n")
}
