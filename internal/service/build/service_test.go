package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/moneybench/arena/internal/domain"
	"github.com/moneybench/arena/internal/repository"
	"github.com/moneybench/arena/internal/sandbox/docker"
)

type fakeBuilder struct {
	err    error
	output []string
	calls  int
}

func (f *fakeBuilder) BuildImage(ctx context.Context, dir, tag string, limits docker.Limits, onOutput docker.BuildOutputCallback) error {
	f.calls++
	for _, line := range f.output {
		if onOutput != nil {
			onOutput(line)
		}
	}
	return f.err
}

type fakeWorkspace struct{}

func (fakeWorkspace) Materialize(set domain.ArtifactSet) (string, error) { return "/tmp/fake", nil }
func (fakeWorkspace) Cleanup(path string) error                          { return nil }

type fakeBuildRepo struct {
	stored  *domain.BuildResult
	inserts int
}

func (r *fakeBuildRepo) CreateBuildResult(ctx context.Context, result *domain.BuildResult) error {
	r.inserts++
	if r.stored != nil {
		return repository.ErrConflict
	}
	r.stored = result
	return nil
}

func (r *fakeBuildRepo) GetBuildResultByCycle(ctx context.Context, cycleID string) (*domain.BuildResult, error) {
	if r.stored == nil || r.stored.CycleID != cycleID {
		return nil, repository.ErrNotFound
	}
	return r.stored, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCycle() domain.Cycle {
	return domain.Cycle{ID: "cycle-1", ModelID: "model-1", Index: 3, State: domain.CycleBuilding}
}

func TestExecuteRecordsSuccess(t *testing.T) {
	repo := &fakeBuildRepo{}
	builder := &fakeBuilder{output: []string{"Step 1/2", "Step 2/2"}}
	svc := New(builder, fakeWorkspace{}, repo, testLogger(), "arena", time.Minute, docker.Limits{})

	result, err := svc.Execute(context.Background(), testCycle(), domain.ArtifactSet{CycleID: "cycle-1"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ImageRef != "arena/model-1:3" {
		t.Fatalf("unexpected image ref %q", result.ImageRef)
	}
	if !strings.Contains(result.DiagnosticLog, "Step 2/2") {
		t.Fatalf("expected diagnostic log to carry build output, got %q", result.DiagnosticLog)
	}
}

func TestExecuteRecordsClassifiedFailure(t *testing.T) {
	repo := &fakeBuildRepo{}
	builder := &fakeBuilder{
		err:    fmt.Errorf("docker image build: process exited with code 1"),
		output: []string{"npm ERR! 404 Not Found - GET https://registry.npmjs.org/left-padd"},
	}
	svc := New(builder, fakeWorkspace{}, repo, testLogger(), "arena", time.Minute, docker.Limits{})

	result, err := svc.Execute(context.Background(), testCycle(), domain.ArtifactSet{CycleID: "cycle-1"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Status != domain.BuildFailure {
		t.Fatalf("expected failure status, got %s", result.Status)
	}
	if result.Classification != domain.BuildErrDependencyResolution {
		t.Fatalf("expected dependency classification, got %s", result.Classification)
	}
	if result.ImageRef != "" {
		t.Fatalf("failed build must not carry an image ref, got %q", result.ImageRef)
	}
}

func TestExecuteIsIdempotentPerCycle(t *testing.T) {
	repo := &fakeBuildRepo{}
	builder := &fakeBuilder{}
	svc := New(builder, fakeWorkspace{}, repo, testLogger(), "arena", time.Minute, docker.Limits{})

	first, err := svc.Execute(context.Background(), testCycle(), domain.ArtifactSet{CycleID: "cycle-1"})
	if err != nil {
		t.Fatalf("first Execute returned error: %v", err)
	}
	second, err := svc.Execute(context.Background(), testCycle(), domain.ArtifactSet{CycleID: "cycle-1"})
	if err != nil {
		t.Fatalf("second Execute returned error: %v", err)
	}
	if builder.calls != 1 {
		t.Fatalf("expected exactly one build attempt, got %d", builder.calls)
	}
	if first.ID != second.ID {
		t.Fatal("expected the recorded result to be returned on re-invoke")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		output string
		want   string
	}{
		{"timeout", context.DeadlineExceeded, "", domain.BuildErrTimeout},
		{"wrapped timeout", fmt.Errorf("build: %w", context.DeadlineExceeded), "step 4/9", domain.BuildErrTimeout},
		{"oom", errors.New("process exited"), "fatal error: out of memory", domain.BuildErrResourceExceeded},
		{"killed beats dependency noise", errors.New("x"), "could not resolve host\nKilled", domain.BuildErrResourceExceeded},
		{"npm 404", errors.New("x"), "npm ERR! 404 Not Found", domain.BuildErrDependencyResolution},
		{"go module", errors.New("x"), "go: example.com/lib@v1.0.0: unknown revision", domain.BuildErrDependencyResolution},
		{"python syntax", errors.New("x"), "SyntaxError: invalid syntax", domain.BuildErrSyntax},
		{"unclassified defaults to syntax", errors.New("exit status 2"), "something odd", domain.BuildErrSyntax},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err, tc.output); got != tc.want {
				t.Fatalf("Classify(%v, %q) = %s, want %s", tc.err, tc.output, got, tc.want)
			}
		})
	}
}
