package ws

import (
	"encoding/json"
	"sync"

	"github.com/moneybench/arena/internal/domain"
)

// StreamAll is the channel that receives every model's pipeline events.
const StreamAll = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans pipeline events out to stream subscribers. Streams are keyed by
// model name; StreamAll receives everything.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	quit      chan struct{}
	once      sync.Once
}

type message struct {
	stream  string
	payload []byte
}

type subscription struct {
	stream string
	client Subscriber
}

// NewHub creates a running Hub. buffer sizes the broadcast queue so a slow
// delivery does not stall publishers.
func NewHub(buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
		quit:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.stream]; !ok {
				h.clients[sub.stream] = make(map[Subscriber]struct{})
			}
			h.clients[sub.stream][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.stream]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.stream)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(msg.stream, msg.payload)
			if msg.stream != StreamAll {
				h.deliver(StreamAll, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(stream string, payload []byte) {
	clients, ok := h.clients[stream]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, stream)
	}
}

// Register adds a client to a stream.
func (h *Hub) Register(stream string, client Subscriber) {
	select {
	case h.register <- subscription{stream: stream, client: client}:
	case <-h.quit:
	}
}

// Unregister removes a client from a stream.
func (h *Hub) Unregister(stream string, client Subscriber) {
	select {
	case h.unreg <- subscription{stream: stream, client: client}:
	case <-h.quit:
	}
}

// Publish broadcasts a pipeline event to the model's stream and to
// StreamAll. Marshal failures are silently dropped; the event type has no
// unmarshalable fields.
func (h *Hub) Publish(event domain.PipelineEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- message{stream: event.ModelName, payload: payload}:
	case <-h.quit:
	}
}

// Broadcast sends a raw payload to one stream's subscribers.
func (h *Hub) Broadcast(stream string, payload []byte) {
	select {
	case h.broadcast <- message{stream: stream, payload: payload}:
	case <-h.quit:
	}
}

// Shutdown closes every subscriber and stops the hub loop.
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.quit) })
}
