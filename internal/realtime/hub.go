// Package realtime streams generation progress to websocket clients.
// Progress published by any process reaches every API instance through Redis.
package realtime

import (
	"context"
	"encoding/json"
	"expvar"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ProgressChannel carries progress events between processes.
const ProgressChannel = "generation:progress_events"

const streamBuffer = 64

var (
	progressStreams       = expvar.NewInt("progress_streams")
	progressEventsSent    = expvar.NewInt("progress_events_sent_total")
	progressEventsDropped = expvar.NewInt("progress_events_dropped_total")
)

// relayedEvent is the Redis envelope. Origin lets a hub skip its own events,
// which it already delivered locally.
type relayedEvent struct {
	UserID uuid.UUID     `json:"user_id"`
	Event  ProgressEvent `json:"event"`
	Origin string        `json:"origin"`
}

// stream is one websocket client's outbound queue.
type stream struct {
	userID uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans progress events out to the streams of the job owner.
type Hub struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]map[*stream]struct{}

	rdb    *redis.Client
	origin string
	relay  func(ctx context.Context, payload []byte) error
}

// NewHub creates a hub. A nil redis client keeps delivery local to this process.
func NewHub(rdb *redis.Client) *Hub {
	h := &Hub{
		streams: make(map[uuid.UUID]map[*stream]struct{}),
		rdb:     rdb,
		origin:  uuid.NewString(),
	}
	if rdb != nil {
		h.relay = func(ctx context.Context, payload []byte) error {
			return rdb.Publish(ctx, ProgressChannel, payload).Err()
		}
	}
	return h
}

// Listen delivers events relayed by other processes until ctx is done.
// Publish-only hubs (the worker) never need it.
func (h *Hub) Listen(ctx context.Context) {
	if h.rdb == nil {
		return
	}
	pubsub := h.rdb.Subscribe(ctx, ProgressChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.receive(msg.Payload)
		}
	}
}

// Publish delivers event to every stream of userID on every instance.
func (h *Hub) Publish(ctx context.Context, userID uuid.UUID, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.deliver(userID, data)

	if h.relay == nil {
		return nil
	}
	payload, err := json.Marshal(relayedEvent{UserID: userID, Event: event, Origin: h.origin})
	if err != nil {
		return err
	}
	return h.relay(ctx, payload)
}

func (h *Hub) receive(payload string) {
	var msg relayedEvent
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed progress relay")
		return
	}
	if msg.Origin == h.origin || msg.UserID == uuid.Nil {
		return
	}
	data, err := json.Marshal(msg.Event)
	if err != nil {
		return
	}
	h.deliver(msg.UserID, data)
}

func (h *Hub) deliver(userID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.streams[userID] {
		select {
		case s.send <- data:
			progressEventsSent.Add(1)
		default:
			// A slow client misses a hint; it re-fetches the job anyway.
			progressEventsDropped.Add(1)
			log.Warn().Str("user_id", userID.String()).Msg("Progress stream buffer full")
		}
	}
}

func (h *Hub) attach(userID uuid.UUID, conn *websocket.Conn) *stream {
	s := &stream{userID: userID, conn: conn, send: make(chan []byte, streamBuffer)}

	h.mu.Lock()
	if h.streams[userID] == nil {
		h.streams[userID] = make(map[*stream]struct{})
	}
	h.streams[userID][s] = struct{}{}
	h.mu.Unlock()

	progressStreams.Add(1)
	log.Debug().Str("user_id", userID.String()).Msg("Progress stream opened")
	return s
}

// detach closes s.send exactly once; the writer then sends a close frame.
func (h *Hub) detach(s *stream) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.streams[s.userID]
	if !ok {
		return
	}
	if _, exists := conns[s]; !exists {
		return
	}
	delete(conns, s)
	if len(conns) == 0 {
		delete(h.streams, s.userID)
	}
	close(s.send)
	progressStreams.Add(-1)
	log.Debug().Str("user_id", s.userID.String()).Msg("Progress stream closed")
}
