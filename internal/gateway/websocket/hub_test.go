package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/internal/common/logger"
	"github.com/stagehand/stagehand/internal/events"
	"github.com/stagehand/stagehand/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func startHub(t *testing.T) *Hub {
	h := NewHub(testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func registerClient(t *testing.T, h *Hub, id string) *Client {
	c := NewClient(id, nil, h, testLogger(t))
	h.register <- c
	require.Eventually(t, func() bool { return h.ClientCount() > 0 }, time.Second, 5*time.Millisecond)
	return c
}

func recv(t *testing.T, c *Client) *Message {
	select {
	case data := <-c.sendCh:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h := startHub(t)
	a := registerClient(t, h, "a")
	b := registerClient(t, h, "b")

	h.Broadcast(&Message{Type: TypeEvent, Subject: "stagehand.session.created"})

	assert.Equal(t, "stagehand.session.created", recv(t, a).Subject)
	assert.Equal(t, "stagehand.session.created", recv(t, b).Subject)
}

func TestSessionFiltering(t *testing.T) {
	h := startHub(t)
	all := registerClient(t, h, "all")
	scoped := registerClient(t, h, "scoped")
	h.subscribe(scoped, "sess-1")

	ev := bus.NewEvent(events.ActivityPosted, "test", map[string]any{events.KeySessionID: "sess-2"})
	msg, err := NewEventMessage("stagehand.activity.posted", ev)
	require.NoError(t, err)

	h.BroadcastToSession("sess-2", msg)

	// The unscoped client sees everything; the scoped one only sess-1.
	assert.Equal(t, "stagehand.activity.posted", recv(t, all).Subject)
	select {
	case <-scoped.sendCh:
		t.Fatal("scoped client received an event for another session")
	case <-time.After(50 * time.Millisecond):
	}

	h.BroadcastToSession("sess-1", msg)
	assert.NotNil(t, recv(t, scoped))
}

func TestClientSubscribeAction(t *testing.T) {
	h := startHub(t)
	c := registerClient(t, h, "c")

	payload, _ := json.Marshal(map[string]string{"session_id": "sess-9"})
	c.handle(&Message{ID: "1", Action: ActionSubscribe, Payload: payload})

	resp := recv(t, c)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.True(t, c.subscriptions["sess-9"])

	c.handle(&Message{ID: "2", Action: ActionUnsubscribe, Payload: payload})
	recv(t, c)
	assert.False(t, c.subscriptions["sess-9"])

	c.handle(&Message{ID: "3", Action: "bogus"})
	assert.Equal(t, TypeError, recv(t, c).Type)

	c.handle(&Message{ID: "4", Action: ActionSubscribe})
	assert.Equal(t, TypeError, recv(t, c).Type)
}

func TestUnregisterCleansSubscriptions(t *testing.T) {
	h := startHub(t)
	c := registerClient(t, h, "c")
	h.subscribe(c, "sess-1")

	h.unregister <- c
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	h.mu.RLock()
	_, ok := h.sessionSubscribers["sess-1"]
	h.mu.RUnlock()
	assert.False(t, ok)
}
