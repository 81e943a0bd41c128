package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/decorai/decorai-api/internal/pkg/jwt"
)

func activeStreams(h *Hub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.streams {
		total += len(conns)
	}
	return total
}

func TestHubDeliversLocallyAndRelays(t *testing.T) {
	hub := NewHub(nil)
	var relayed []byte
	hub.relay = func(_ context.Context, payload []byte) error {
		relayed = payload
		return nil
	}

	userID := uuid.New()
	s := hub.attach(userID, nil)
	other := hub.attach(uuid.New(), nil)

	event := ProgressEvent{Type: EventGenerationProgress, JobID: uuid.New(), Status: "processing", Progress: 60}
	require.NoError(t, hub.Publish(context.Background(), userID, event))

	require.Len(t, s.send, 1)
	require.Empty(t, other.send)
	var got ProgressEvent
	require.NoError(t, json.Unmarshal(<-s.send, &got))
	require.Equal(t, event, got)

	var msg relayedEvent
	require.NoError(t, json.Unmarshal(relayed, &msg))
	require.Equal(t, hub.origin, msg.Origin)
	require.Equal(t, userID, msg.UserID)
	require.Equal(t, event, msg.Event)
}

func TestHubSkipsOwnRelayedEvents(t *testing.T) {
	hub := NewHub(nil)
	userID := uuid.New()
	s := hub.attach(userID, nil)

	own, _ := json.Marshal(relayedEvent{UserID: userID, Event: ProgressEvent{Progress: 10}, Origin: hub.origin})
	remote, _ := json.Marshal(relayedEvent{UserID: userID, Event: ProgressEvent{Progress: 20}, Origin: "instance-b"})
	hub.receive(string(own))
	hub.receive(string(remote))
	hub.receive("not json")

	require.Len(t, s.send, 1)
	var got ProgressEvent
	require.NoError(t, json.Unmarshal(<-s.send, &got))
	require.Equal(t, 20, got.Progress)
}

func TestHubDetachClosesOnce(t *testing.T) {
	hub := NewHub(nil)
	userID := uuid.New()
	s := hub.attach(userID, nil)
	require.Equal(t, 1, activeStreams(hub))

	hub.detach(s)
	require.NotPanics(t, func() { hub.detach(s) })
	require.Equal(t, 0, activeStreams(hub))

	_, open := <-s.send
	require.False(t, open)
	require.NoError(t, hub.Publish(context.Background(), userID, ProgressEvent{}))
}

func TestHubDropsWhenStreamIsFull(t *testing.T) {
	hub := NewHub(nil)
	userID := uuid.New()
	s := hub.attach(userID, nil)

	for i := 0; i < streamBuffer+5; i++ {
		require.NoError(t, hub.Publish(context.Background(), userID, ProgressEvent{Progress: i}))
	}
	require.Len(t, s.send, streamBuffer)
}

type recordingPublisher struct {
	userID uuid.UUID
	event  ProgressEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, userID uuid.UUID, event ProgressEvent) error {
	p.userID = userID
	p.event = event
	return p.err
}

func TestNotifierBuildsProgressEvent(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNotifier(pub)

	userID, jobID := uuid.New(), uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.NotifyProgress(ctx, userID, jobID, "completed", 100)

	require.Equal(t, userID, pub.userID)
	require.Equal(t, ProgressEvent{Type: EventGenerationProgress, JobID: jobID, Status: "completed", Progress: 100}, pub.event)
}

func TestNotifierSwallowsPublishErrors(t *testing.T) {
	n := NewNotifier(&recordingPublisher{err: errors.New("redis down")})
	require.NotPanics(t, func() {
		n.NotifyProgress(context.Background(), uuid.New(), uuid.New(), "failed", 100)
	})

	var nilNotifier *Notifier
	require.NotPanics(t, func() {
		nilNotifier.NotifyProgress(context.Background(), uuid.New(), uuid.New(), "failed", 100)
	})
}

func TestWebSocketStreamsEvents(t *testing.T) {
	jwtSvc := jwt.NewService("test-secret", time.Hour)
	userID := uuid.New()
	token, err := jwtSvc.GenerateAccessToken(userID)
	require.NoError(t, err)

	hub := NewHub(nil)
	server := httptest.NewServer(http.HandlerFunc(NewHandler(hub, jwtSvc, nil).WebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return activeStreams(hub) == 1 }, time.Second, 10*time.Millisecond)

	jobID := uuid.New()
	NewNotifier(hub).NotifyProgress(context.Background(), userID, jobID, "processing", 20)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event ProgressEvent
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, EventGenerationProgress, event.Type)
	require.Equal(t, jobID, event.JobID)
	require.Equal(t, 20, event.Progress)

	conn.Close()
	require.Eventually(t, func() bool { return activeStreams(hub) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	hub := NewHub(nil)
	handler := NewHandler(hub, jwt.NewService("test-secret", time.Hour), nil)

	rec := httptest.NewRecorder()
	handler.WebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.WebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
