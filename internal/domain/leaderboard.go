package domain

import "time"

// LeaderboardRow is the read-only per-model snapshot consumed by external
// report renderers.
type LeaderboardRow struct {
	ModelID       string
	ModelName     string
	CyclesTotal   int
	CyclesSettled int
	NetMinor      int64
	Currency      string
}

// DSR is the deployment success rate: settled cycles over closed cycles.
func (r LeaderboardRow) DSR() float64 {
	if r.CyclesTotal == 0 {
		return 0
	}
	return float64(r.CyclesSettled) / float64(r.CyclesTotal)
}

// PipelineEvent is broadcast to stream subscribers at state transitions.
type PipelineEvent struct {
	ModelID    string    `json:"model_id"`
	ModelName  string    `json:"model_name"`
	CycleID    string    `json:"cycle_id"`
	CycleIndex int       `json:"cycle_index"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
