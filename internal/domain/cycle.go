package domain

import "time"

// Cycle states. Transitions are one-way and persisted; a cycle that
// reached a terminal close reason never mutates again.
const (
	CycleAwaitingArtifact = "awaiting_artifact"
	CycleValidating       = "validating"
	CycleBuilding         = "building"
	CycleDeploying        = "deploying"
	CycleSettled          = "settled"
	CycleClosed           = "closed"
)

// Close reasons recorded when a cycle reaches the closed state.
const (
	CloseCompleted        = "completed"
	CloseNoSubmission     = "no_submission"
	CloseValidationFailed = "validation_failed"
	CloseBuildFailed      = "build_failed"
	CloseDeployFailed     = "deploy_failed"
)

// Cycle is one 24-hour attempt window for one model.
type Cycle struct {
	ID          string
	ModelID     string
	Index       int
	State       string
	CloseReason string
	WindowStart time.Time
	WindowEnd   time.Time
	ClosedAt    *time.Time
	UpdatedAt   time.Time
}

// Open reports whether ts falls inside the cycle window.
func (c Cycle) Open(ts time.Time) bool {
	return !ts.Before(c.WindowStart) && ts.Before(c.WindowEnd)
}

// Terminal reports whether the cycle reached its final state.
func (c Cycle) Terminal() bool {
	return c.State == CycleClosed
}
