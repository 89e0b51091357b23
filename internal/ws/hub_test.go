package ws

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/moneybench/arena/internal/domain"
)

type memorySubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	got      chan struct{}
}

func newMemorySubscriber() *memorySubscriber {
	return &memorySubscriber{got: make(chan struct{}, 8)}
}

func (s *memorySubscriber) Send(payload []byte) error {
	s.mu.Lock()
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func (s *memorySubscriber) Close() {}

func (s *memorySubscriber) wait(t *testing.T) []byte {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[len(s.payloads)-1]
}

func TestHubPublishReachesModelAndWildcard(t *testing.T) {
	hub := NewHub(0)
	defer hub.Shutdown()

	modelSub := newMemorySubscriber()
	allSub := newMemorySubscriber()
	otherSub := newMemorySubscriber()
	hub.Register("gemini", modelSub)
	hub.Register(StreamAll, allSub)
	hub.Register("claude", otherSub)

	hub.Publish(domain.PipelineEvent{
		ModelName:  "gemini",
		CycleIndex: 3,
		State:      domain.CycleBuilding,
		OccurredAt: time.Now().UTC(),
	})

	var event domain.PipelineEvent
	if err := json.Unmarshal(modelSub.wait(t), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.State != domain.CycleBuilding || event.CycleIndex != 3 {
		t.Fatalf("unexpected event: %+v", event)
	}
	allSub.wait(t)

	otherSub.mu.Lock()
	leaked := len(otherSub.payloads)
	otherSub.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("event leaked to unrelated stream: %d payloads", leaked)
	}
}

func TestHubBufferedBroadcastDelivers(t *testing.T) {
	hub := NewHub(8)
	defer hub.Shutdown()

	sub := newMemorySubscriber()
	hub.Register(StreamAll, sub)

	for i := 0; i < 8; i++ {
		hub.Broadcast("gemini", []byte(`{"n":1}`))
	}
	for i := 0; i < 8; i++ {
		sub.wait(t)
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(0)
	defer hub.Shutdown()

	sub := newMemorySubscriber()
	hub.Register("gemini", sub)
	hub.Unregister("gemini", sub)

	hub.Publish(domain.PipelineEvent{ModelName: "gemini", State: domain.CycleValidating})

	select {
	case <-sub.got:
		t.Fatal("unregistered subscriber received an event")
	case <-time.After(50 * time.Millisecond):
	}
}
