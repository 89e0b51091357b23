package domain

import "time"

// Deployment record statuses. At most one live record exists per model at
// any instant; cutover supersedes the prior record in the same transaction
// that activates the new one.
const (
	DeploymentLive       = "live"
	DeploymentSuperseded = "superseded"
	DeploymentOffline    = "offline"
)

// Deploy failure reasons.
const (
	DeployErrHealthCheck = "health_check_failed"
	DeployErrRouting     = "routing_error"
)

// DeploymentRecord captures one activation of a built image behind the
// model's stable subdomain.
type DeploymentRecord struct {
	ID          string
	ModelID     string
	CycleID     string
	Status      string
	ImageRef    string
	ContainerID string
	Endpoint    string
	HostPort    int
	ActivatedAt time.Time
	RetiredAt   *time.Time
}
