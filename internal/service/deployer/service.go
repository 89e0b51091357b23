package deployer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/moneybench/arena/internal/domain"
	"github.com/moneybench/arena/internal/repository"
	"github.com/moneybench/arena/internal/sandbox/docker"
)

// Sentinel failures surfaced to the scheduler. The previous live endpoint
// is untouched when either is returned.
var (
	ErrHealthCheckFailed = errors.New("deployer: health check failed")
	ErrRoutingFailed     = errors.New("deployer: routing update failed")
)

// ContainerRuntime is the subset of the sandbox used for serving traffic.
type ContainerRuntime interface {
	RunContainer(ctx context.Context, name, image string, env []string, port nat.Port, limits docker.Limits) (docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, name string) error
}

// Router binds a model's stable subdomain to an upstream.
type Router interface {
	Bind(ctx context.Context, subdomain, hostIP string, hostPort int) error
	Endpoint(subdomain string) string
}

// Options tune health checking and the serving sandbox.
type Options struct {
	AppPort          int
	HealthPath       string
	ReadinessTimeout time.Duration
	HealthInterval   time.Duration
	Limits           docker.Limits
	// Env is injected into every serving container; this is where bound
	// secrets become real values.
	Env []string
}

// Service owns deployment cutover. It is the only component that mutates
// routing and deployment records.
type Service struct {
	runtime     ContainerRuntime
	router      Router
	deployments repository.DeploymentRepository
	health      *http.Client
	logger      *slog.Logger
	opts        Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a deployment manager.
func New(runtime ContainerRuntime, router Router, deployments repository.DeploymentRepository, logger *slog.Logger, opts Options) *Service {
	if opts.AppPort <= 0 {
		opts.AppPort = 3000
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/"
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = time.Minute
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 2 * time.Second
	}
	return &Service{
		runtime:     runtime,
		router:      router,
		deployments: deployments,
		health:      &http.Client{Timeout: 5 * time.Second},
		logger:      logger,
		opts:        opts,
		locks:       map[string]*sync.Mutex{},
	}
}

// Activate promotes a built image to the model's public subdomain. The new
// container is health-checked before any routing or record change; a
// failure leaves the prior endpoint live. Cutover is serialized per model.
func (s *Service) Activate(ctx context.Context, model domain.Model, cycle domain.Cycle, imageRef string) (*domain.DeploymentRecord, error) {
	if imageRef == "" {
		return nil, fmt.Errorf("image ref required")
	}
	lock := s.modelLock(model.ID)
	lock.Lock()
	defer lock.Unlock()

	name := fmt.Sprintf("%s-c%d", model.Subdomain, cycle.Index)
	port := nat.Port(strconv.Itoa(s.opts.AppPort) + "/tcp")

	info, err := s.runtime.RunContainer(ctx, name, imageRef, s.opts.Env, port, s.opts.Limits)
	if err != nil {
		return nil, fmt.Errorf("start candidate container: %w: %w", ErrHealthCheckFailed, err)
	}

	hostPort, ok := boundHostPort(info, port)
	if !ok {
		s.discard(name)
		return nil, fmt.Errorf("%w: no host port bound for %s", ErrHealthCheckFailed, name)
	}

	if err := s.awaitHealthy(ctx, hostPort); err != nil {
		s.discard(name)
		return nil, fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	previous, err := s.deployments.GetLiveDeployment(ctx, model.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.discard(name)
		return nil, fmt.Errorf("load previous deployment: %w", err)
	}

	if err := s.router.Bind(ctx, model.Subdomain, "127.0.0.1", hostPort); err != nil {
		s.discard(name)
		return nil, fmt.Errorf("%w: %w", ErrRoutingFailed, err)
	}

	record := &domain.DeploymentRecord{
		ID:          uuid.NewString(),
		ModelID:     model.ID,
		CycleID:     cycle.ID,
		Status:      domain.DeploymentLive,
		ImageRef:    imageRef,
		ContainerID: info.ID,
		Endpoint:    s.router.Endpoint(model.Subdomain),
		HostPort:    hostPort,
		ActivatedAt: time.Now().UTC(),
	}
	if err := s.deployments.ActivateDeployment(ctx, record); err != nil {
		// Routing already points at the candidate; put the previous
		// upstream back before discarding it.
		s.restoreRouting(ctx, model.Subdomain, previous)
		s.discard(name)
		return nil, fmt.Errorf("record cutover: %w", err)
	}

	// The record cutover is committed; the old container is now unreachable
	// through routing and can be torn down best-effort.
	if previous != nil && previous.ContainerID != "" && previous.ContainerID != info.ID {
		if err := s.runtime.RemoveContainer(context.WithoutCancel(ctx), previous.ContainerID); err != nil {
			s.logger.Warn("retired container removal failed", "model", model.ID, "container", previous.ContainerID, "error", err)
		}
	}

	s.logger.Info("deployment activated", "model", model.ID, "cycle", cycle.ID, "endpoint", record.Endpoint)
	return record, nil
}

// CurrentLive returns the model's live deployment, if any.
func (s *Service) CurrentLive(ctx context.Context, modelID string) (*domain.DeploymentRecord, error) {
	return s.deployments.GetLiveDeployment(ctx, modelID)
}

// RecordForCycle returns the deployment recorded for a cycle, if any.
func (s *Service) RecordForCycle(ctx context.Context, cycleID string) (*domain.DeploymentRecord, error) {
	return s.deployments.GetDeploymentByCycle(ctx, cycleID)
}

// FailureReason maps an activation error onto the deploy failure taxonomy.
func (s *Service) FailureReason(err error) string {
	return FailureReason(err)
}

// FailureReason maps an activation error onto the deploy failure taxonomy.
func FailureReason(err error) string {
	if errors.Is(err, ErrRoutingFailed) {
		return domain.DeployErrRouting
	}
	return domain.DeployErrHealthCheck
}

func (s *Service) awaitHealthy(ctx context.Context, hostPort int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", hostPort, s.opts.HealthPath)
	deadline := time.Now().Add(s.opts.ReadinessTimeout)
	var lastErr error
	for {
		if time.Now().After(deadline) {
			if lastErr == nil {
				lastErr = errors.New("readiness deadline exceeded")
			}
			return lastErr
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := s.health.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
			lastErr = fmt.Errorf("health endpoint returned %s", resp.Status)
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.HealthInterval):
		}
	}
}

// restoreRouting re-points the subdomain at the deployment that was live
// before a failed cutover. Without one there was no site to restore.
func (s *Service) restoreRouting(ctx context.Context, subdomain string, previous *domain.DeploymentRecord) {
	if previous == nil || previous.HostPort <= 0 {
		return
	}
	if err := s.router.Bind(context.WithoutCancel(ctx), subdomain, "127.0.0.1", previous.HostPort); err != nil {
		s.logger.Error("routing restore failed", "subdomain", subdomain, "host_port", previous.HostPort, "error", err)
	}
}

func (s *Service) discard(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.runtime.RemoveContainer(ctx, name); err != nil {
		s.logger.Warn("candidate container removal failed", "container", name, "error", err)
	}
}

func (s *Service) modelLock(modelID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[modelID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[modelID] = lock
	}
	return lock
}

func boundHostPort(info docker.ContainerInfo, port nat.Port) (int, bool) {
	bindings := info.PortBinding[port]
	if len(bindings) == 0 {
		return 0, false
	}
	parsed, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil || parsed <= 0 {
		return 0, false
	}
	return parsed, true
}
