package leaderboard

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/moneybench/arena/internal/domain"
)

// StreamName is the hub stream carrying leaderboard snapshots.
const StreamName = "leaderboard"

const snapshotTimeout = 5 * time.Second

// Sink receives serialized snapshots.
type Sink interface {
	Broadcast(stream string, payload []byte)
}

// Broadcaster pushes a fresh snapshot to stream subscribers whenever a
// cycle closes, so external renderers never poll mid-cycle.
type Broadcaster struct {
	service *Service
	sink    Sink
	logger  *slog.Logger
}

// NewBroadcaster constructs a broadcaster.
func NewBroadcaster(service *Service, sink Sink, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{service: service, sink: sink, logger: logger}
}

// Publish implements the pipeline event sink.
func (b *Broadcaster) Publish(event domain.PipelineEvent) {
	if event.State != domain.CycleClosed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	snapshot, err := b.service.Snapshot(ctx)
	if err != nil {
		b.logger.Warn("leaderboard broadcast skipped", "model", event.ModelName, "error", err)
		return
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	b.sink.Broadcast(StreamName, payload)
}
