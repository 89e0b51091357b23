package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/moneybench/arena/internal/artifact"
	"github.com/moneybench/arena/internal/domain"
	"github.com/moneybench/arena/internal/repository"
)

// Validator statically checks a submission.
type Validator interface {
	Validate(set domain.ArtifactSet) artifact.Report
}

// Builder runs the single build attempt for a cycle.
type Builder interface {
	Execute(ctx context.Context, cycle domain.Cycle, set domain.ArtifactSet) (*domain.BuildResult, error)
}

// Deployer promotes a built image and reports prior activations.
type Deployer interface {
	Activate(ctx context.Context, model domain.Model, cycle domain.Cycle, imageRef string) (*domain.DeploymentRecord, error)
	RecordForCycle(ctx context.Context, cycleID string) (*domain.DeploymentRecord, error)
	FailureReason(err error) string
}

// Publisher receives pipeline events at state transitions.
type Publisher interface {
	Publish(event domain.PipelineEvent)
}

const modelScanInterval = time.Minute

// Options tune the cadence.
type Options struct {
	CycleLength      time.Duration
	ArtifactDeadline time.Duration
	SubmissionPoll   time.Duration
}

// Scheduler drives one independent pipeline per model. A model's failure
// never blocks another model's cycle.
type Scheduler struct {
	models    repository.ModelRepository
	cycles    repository.CycleRepository
	artifacts repository.ArtifactRepository
	validator Validator
	builder   Builder
	deployer  Deployer
	publisher Publisher
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// New constructs a scheduler.
func New(models repository.ModelRepository, cycles repository.CycleRepository, artifacts repository.ArtifactRepository, validator Validator, builder Builder, deployer Deployer, publisher Publisher, logger *slog.Logger, opts Options) *Scheduler {
	if opts.CycleLength <= 0 {
		opts.CycleLength = 24 * time.Hour
	}
	if opts.ArtifactDeadline <= 0 || opts.ArtifactDeadline > opts.CycleLength {
		opts.ArtifactDeadline = opts.CycleLength
	}
	if opts.SubmissionPoll <= 0 {
		opts.SubmissionPoll = 15 * time.Second
	}
	return &Scheduler{
		models:    models,
		cycles:    cycles,
		artifacts: artifacts,
		validator: validator,
		builder:   builder,
		deployer:  deployer,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// Run starts one pipeline goroutine per enabled model and blocks until the
// context is cancelled. Models registered while running are picked up on
// the next scan.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	started := map[string]struct{}{}
	for {
		models, err := s.models.ListModels(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("model scan failed", "error", err)
		}
		for _, model := range models {
			if !model.Enabled {
				continue
			}
			if _, ok := started[model.ID]; ok {
				continue
			}
			started[model.ID] = struct{}{}
			wg.Add(1)
			go func(model domain.Model) {
				defer wg.Done()
				s.runModel(ctx, model)
			}(model)
		}
		if !s.sleep(ctx, modelScanInterval) {
			break
		}
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) runModel(ctx context.Context, model domain.Model) {
	log := s.logger.With("model", model.Name)
	log.Info("pipeline started", "cycle_length", s.opts.CycleLength)
	for {
		if ctx.Err() != nil {
			log.Info("pipeline stopped")
			return
		}
		cycle, err := s.currentCycle(ctx, model)
		if err != nil {
			log.Error("failed to open cycle", "error", err)
			if !s.sleep(ctx, s.opts.SubmissionPoll) {
				return
			}
			continue
		}
		s.RunCycle(ctx, model, cycle)
	}
}

// currentCycle resumes an unfinished cycle after a restart or opens the
// next window.
func (s *Scheduler) currentCycle(ctx context.Context, model domain.Model) (*domain.Cycle, error) {
	latest, err := s.cycles.GetLatestCycle(ctx, model.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if latest != nil && !latest.Terminal() {
		return latest, nil
	}
	index := 1
	if latest != nil {
		index = latest.Index + 1
	}
	start := s.now().UTC()
	// An early close never shortens the cadence: the next window opens
	// where the previous one was scheduled to end.
	if latest != nil && start.Before(latest.WindowEnd) {
		if !s.sleep(ctx, latest.WindowEnd.Sub(start)) {
			return nil, ctx.Err()
		}
		start = latest.WindowEnd
	}
	cycle := &domain.Cycle{
		ID:          uuid.NewString(),
		ModelID:     model.ID,
		Index:       index,
		State:       domain.CycleAwaitingArtifact,
		WindowStart: start,
		WindowEnd:   start.Add(s.opts.CycleLength),
		UpdatedAt:   start,
	}
	if err := s.cycles.CreateCycle(ctx, cycle); err != nil {
		return nil, err
	}
	s.publish(model, *cycle, "", "window opened")
	return cycle, nil
}

// RunCycle drives one cycle from its persisted state to closure. Stages
// are strictly sequential; every transition is compare-and-set so a crash
// resumes at the last completed stage.
func (s *Scheduler) RunCycle(ctx context.Context, model domain.Model, cycle *domain.Cycle) {
	log := s.logger.With("model", model.Name, "cycle", cycle.Index)
	for !cycle.Terminal() {
		if ctx.Err() != nil {
			return
		}
		switch cycle.State {
		case domain.CycleAwaitingArtifact:
			s.awaitArtifact(ctx, model, cycle, log)
		case domain.CycleValidating:
			s.validate(ctx, model, cycle, log)
		case domain.CycleBuilding:
			s.build(ctx, model, cycle, log)
		case domain.CycleDeploying:
			s.deploy(ctx, model, cycle, log)
		case domain.CycleSettled:
			s.settle(ctx, model, cycle, log)
		default:
			log.Error("unknown cycle state", "state", cycle.State)
			return
		}
	}
}

func (s *Scheduler) awaitArtifact(ctx context.Context, model domain.Model, cycle *domain.Cycle, log *slog.Logger) {
	deadline := cycle.WindowStart.Add(s.opts.ArtifactDeadline)
	if deadline.After(cycle.WindowEnd) {
		deadline = cycle.WindowEnd
	}
	for {
		if _, err := s.artifacts.GetArtifactSetByCycle(ctx, cycle.ID); err == nil {
			s.transition(ctx, model, cycle, domain.CycleValidating, "", "artifact submitted")
			return
		} else if !errors.Is(err, repository.ErrNotFound) {
			log.Warn("artifact lookup failed", "error", err)
		}
		if !s.now().Before(deadline) {
			log.Info("no submission before deadline")
			s.close(ctx, model, cycle, domain.CloseNoSubmission, "no submission within window")
			return
		}
		if !s.sleep(ctx, s.opts.SubmissionPoll) {
			return
		}
	}
}

func (s *Scheduler) validate(ctx context.Context, model domain.Model, cycle *domain.Cycle, log *slog.Logger) {
	set, err := s.artifacts.GetArtifactSetByCycle(ctx, cycle.ID)
	if err != nil {
		log.Error("artifact load failed", "error", err)
		s.close(ctx, model, cycle, domain.CloseValidationFailed, "artifact set unavailable")
		return
	}
	report := s.validator.Validate(*set)
	if !report.OK {
		log.Info("validation failed", "reason", report.Reason, "detail", report.Detail)
		s.close(ctx, model, cycle, domain.CloseValidationFailed, report.Reason+": "+report.Detail)
		return
	}
	s.transition(ctx, model, cycle, domain.CycleBuilding, "", "validation passed")
}

func (s *Scheduler) build(ctx context.Context, model domain.Model, cycle *domain.Cycle, log *slog.Logger) {
	set, err := s.artifacts.GetArtifactSetByCycle(ctx, cycle.ID)
	if err != nil {
		log.Error("artifact load failed", "error", err)
		s.close(ctx, model, cycle, domain.CloseBuildFailed, "artifact set unavailable")
		return
	}
	result, err := s.builder.Execute(ctx, *cycle, *set)
	if err != nil {
		log.Error("build executor failed", "error", err)
		s.close(ctx, model, cycle, domain.CloseBuildFailed, err.Error())
		return
	}
	if !result.Succeeded() {
		s.close(ctx, model, cycle, domain.CloseBuildFailed, result.Classification)
		return
	}
	s.transition(ctx, model, cycle, domain.CycleDeploying, "", "image "+result.ImageRef)
}

func (s *Scheduler) deploy(ctx context.Context, model domain.Model, cycle *domain.Cycle, log *slog.Logger) {
	// A record for this cycle means a previous run already cut over.
	if _, err := s.deployer.RecordForCycle(ctx, cycle.ID); err == nil {
		s.transition(ctx, model, cycle, domain.CycleSettled, "", "deployment already active")
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		log.Warn("deployment lookup failed", "error", err)
	}

	set, err := s.artifacts.GetArtifactSetByCycle(ctx, cycle.ID)
	if err != nil {
		log.Error("artifact load failed", "error", err)
		s.close(ctx, model, cycle, domain.CloseDeployFailed, "artifact set unavailable")
		return
	}
	result, err := s.builder.Execute(ctx, *cycle, *set)
	if err != nil || !result.Succeeded() {
		// Deploying is only reachable after a successful build; a missing
		// or failed result here means the stored state is inconsistent.
		log.Error("no successful build result for deploying cycle", "error", err)
		s.close(ctx, model, cycle, domain.CloseDeployFailed, "build result unavailable")
		return
	}

	record, err := s.deployer.Activate(ctx, model, *cycle, result.ImageRef)
	if err != nil {
		reason := s.deployer.FailureReason(err)
		log.Info("deployment failed", "reason", reason, "error", err)
		s.close(ctx, model, cycle, domain.CloseDeployFailed, reason)
		return
	}
	s.transition(ctx, model, cycle, domain.CycleSettled, "", "live at "+record.Endpoint)
}

func (s *Scheduler) settle(ctx context.Context, model domain.Model, cycle *domain.Cycle, log *slog.Logger) {
	remaining := cycle.WindowEnd.Sub(s.now())
	if remaining > 0 {
		log.Info("cycle settled, holding until window end", "remaining", remaining)
		if !s.sleep(ctx, remaining) {
			return
		}
	}
	s.close(ctx, model, cycle, domain.CloseCompleted, "window ended")
}

// transition advances the persisted state machine; on a stale compare the
// cycle is reloaded and the loop continues from the stored state.
func (s *Scheduler) transition(ctx context.Context, model domain.Model, cycle *domain.Cycle, to, reason, detail string) {
	err := s.cycles.TransitionCycle(ctx, cycle.ID, cycle.State, to, reason)
	if err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			if reloaded, loadErr := s.cycles.GetCycleByID(ctx, cycle.ID); loadErr == nil {
				*cycle = *reloaded
				return
			}
		}
		s.logger.Error("cycle transition failed", "model", model.Name, "cycle", cycle.Index, "to", to, "error", err)
		return
	}
	cycle.State = to
	if to == domain.CycleClosed {
		cycle.CloseReason = reason
		now := s.now().UTC()
		cycle.ClosedAt = &now
	}
	s.publish(model, *cycle, reason, detail)
}

func (s *Scheduler) close(ctx context.Context, model domain.Model, cycle *domain.Cycle, reason, detail string) {
	s.transition(ctx, model, cycle, domain.CycleClosed, reason, detail)
}

func (s *Scheduler) publish(model domain.Model, cycle domain.Cycle, reason, detail string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(domain.PipelineEvent{
		ModelID:    model.ID,
		ModelName:  model.Name,
		CycleID:    cycle.ID,
		CycleIndex: cycle.Index,
		State:      cycle.State,
		Reason:     reason,
		Detail:     detail,
		OccurredAt: s.now().UTC(),
	})
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
