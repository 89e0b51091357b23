package domain

import "time"

// Build outcome statuses.
const (
	BuildSuccess = "success"
	BuildFailure = "failure"
)

// Build failure classifications.
const (
	BuildErrDependencyResolution = "dependency_resolution_error"
	BuildErrSyntax               = "syntax_error"
	BuildErrResourceExceeded     = "resource_exceeded"
	BuildErrTimeout              = "timeout"
)

// BuildResult records the single build attempt for a cycle. Write-once.
type BuildResult struct {
	ID             string
	CycleID        string
	Status         string
	ImageRef       string
	Classification string
	DiagnosticLog  string
	Duration       time.Duration
	CreatedAt      time.Time
}

// Succeeded reports whether the build produced an image.
func (b BuildResult) Succeeded() bool {
	return b.Status == BuildSuccess
}
