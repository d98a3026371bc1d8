package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/designconnect/internal/config"
)

const frameTimeout = time.Second

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	go hub.Run()
	t.Cleanup(func() {
		_ = hub.Shutdown(time.Second)
	})
	return hub
}

// newRegisteredClient registers a connection without a socket so its frames
// can be read straight from the send channel.
func newRegisteredClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	c := NewClient(nil, hub, "127.0.0.1:0", config.Default().Relay)
	require.NoError(t, hub.Register(c))
	return c
}

func readEnvelope(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case frame, ok := <-c.GetSendChan():
		require.True(t, ok, "send channel closed")
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(frameTimeout):
		t.Fatalf("client %s received nothing", c.ID())
		return Envelope{}
	}
}

func expectNoFrame(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()
	select {
	case frame, ok := <-c.GetSendChan():
		if ok {
			t.Fatalf("client %s received unexpected frame %s", c.ID(), frame)
		}
	case <-time.After(wait):
	}
}

func TestNewClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := NewClient(nil, hub, "127.0.0.1:12345", config.Default().Relay)

	require.NotNil(t, c)
	assert.NotEmpty(t, c.ID())
	assert.True(t, c.Identity().Anonymous())
	assert.NotNil(t, c.GetSendChan())
	assert.Empty(t, c.Rooms())
}

func TestHubPublishToRoomReachesOnlyMembers(t *testing.T) {
	hub := newTestHub(t)
	a := newRegisteredClient(t, hub)
	b := newRegisteredClient(t, hub)
	outsider := newRegisteredClient(t, hub)

	require.NoError(t, hub.Join(a, "design-123"))
	require.NoError(t, hub.Join(b, "design-123"))
	require.NoError(t, hub.Join(outsider, "other"))

	require.NoError(t, hub.PublishToRoom("design-123", EventNotification, map[string]string{"k": "v"}))

	for _, c := range []*Client{a, b} {
		env := readEnvelope(t, c)
		assert.Equal(t, EventNotification, env.Event)
		assert.JSONEq(t, `{"k":"v"}`, string(env.Data))
	}
	expectNoFrame(t, outsider, 100*time.Millisecond)
	assert.Equal(t, 2, hub.RoomSize("design-123"))
}

func TestHubJoinHappensBeforeOwnPublish(t *testing.T) {
	hub := newTestHub(t)

	for i := 0; i < 50; i++ {
		c := newRegisteredClient(t, hub)
		room := "race-room"
		require.NoError(t, hub.Join(c, room))
		require.NoError(t, hub.PublishToRoom(room, EventNotification, i))

		env := readEnvelope(t, c)
		assert.Equal(t, EventNotification, env.Event)
		hub.Unregister(c)
	}
}

func TestHubClientInManyRooms(t *testing.T) {
	hub := newTestHub(t)
	c := newRegisteredClient(t, hub)

	require.NoError(t, hub.Join(c, "alpha"))
	require.NoError(t, hub.Join(c, "beta"))
	require.NoError(t, hub.Join(c, "alpha"))

	assert.Equal(t, []string{"alpha", "beta"}, c.Rooms())
	assert.Equal(t, []string{"alpha", "beta"}, hub.Rooms())
	assert.Equal(t, 1, hub.RoomSize("alpha"))

	require.NoError(t, hub.PublishToRoom("beta", EventNotification, "b"))
	assert.Equal(t, EventNotification, readEnvelope(t, c).Event)
}

func TestHubUnregisterRemovesFromAllRooms(t *testing.T) {
	hub := newTestHub(t)
	leaving := newRegisteredClient(t, hub)
	staying := newRegisteredClient(t, hub)

	for _, room := range []string{"alpha", "beta"} {
		require.NoError(t, hub.Join(leaving, room))
	}
	require.NoError(t, hub.Join(staying, "alpha"))

	hub.Unregister(leaving)
	require.NoError(t, hub.PublishToRoom("alpha", EventNotification, "after"))
	require.NoError(t, hub.PublishToRoom("beta", EventNotification, "after"))

	assert.Equal(t, EventNotification, readEnvelope(t, staying).Event)
	assert.Equal(t, 0, hub.RoomSize("beta"))
	assert.Equal(t, 1, hub.RoomSize("alpha"))
	assert.Empty(t, leaving.Rooms())

	_, ok := <-leaving.GetSendChan()
	assert.False(t, ok, "send channel of a removed client must be closed")
}

func TestHubBroadcastToAllReachesEveryConnection(t *testing.T) {
	hub := newTestHub(t)
	clients := make([]*Client, 5)
	for i := range clients {
		clients[i] = newRegisteredClient(t, hub)
	}
	require.NoError(t, hub.Join(clients[0], "somewhere"))

	require.NoError(t, hub.BroadcastToAll(EventNotification, "hello"))

	for _, c := range clients {
		env := readEnvelope(t, c)
		assert.Equal(t, EventNotification, env.Event)
		assert.JSONEq(t, `"hello"`, string(env.Data))
	}
	assert.Equal(t, 5, hub.ClientCount())
}

func TestHubPublishToEmptyRoomIsNoop(t *testing.T) {
	hub := newTestHub(t)
	c := newRegisteredClient(t, hub)

	assert.NoError(t, hub.PublishToRoom("nobody-here", EventNotification, "x"))
	expectNoFrame(t, c, 50*time.Millisecond)
}

func TestHubJoinValidation(t *testing.T) {
	hub := newTestHub(t)
	c := newRegisteredClient(t, hub)

	assert.ErrorIs(t, hub.Join(c, ""), ErrInvalidRoom)
	assert.ErrorIs(t, hub.Join(c, string(make([]byte, MaxRoomNameLength+1))), ErrInvalidRoom)

	stranger := NewClient(nil, hub, "127.0.0.1:0", config.Default().Relay)
	assert.ErrorIs(t, hub.Join(stranger, "room"), ErrUnknownClient)
}

func TestHubDropsClientWithFullBuffer(t *testing.T) {
	hub := newTestHub(t)
	slow := newRegisteredClient(t, hub)
	fast := newRegisteredClient(t, hub)

	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, hub.SendTo(slow, EventNotification, i))
	}
	require.NoError(t, hub.BroadcastToAll(EventNotification, "overflow"))

	assert.Equal(t, EventNotification, readEnvelope(t, fast).Event)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHubAfterShutdown(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	go hub.Run()
	c := newRegisteredClient(t, hub)

	require.NoError(t, hub.Shutdown(time.Second))

	done := make(chan struct{})
	go func() {
		hub.Unregister(c)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Unregister blocked after shutdown")
	}

	assert.ErrorIs(t, hub.Register(NewClient(nil, hub, "127.0.0.1:0", config.Default().Relay)), ErrHubClosed)
	assert.ErrorIs(t, hub.Join(c, "room"), ErrHubClosed)
	assert.ErrorIs(t, hub.BroadcastToAll(EventNotification, nil), ErrHubClosed)
}

func TestHubShutdownWithoutRunHonoursTimeout(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	start := time.Now()
	err := hub.Shutdown(50 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEncodeEnvelope(t *testing.T) {
	frame, err := encodeEnvelope(EventNotification, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"notification","data":{"a":1}}`, string(frame))

	frame, err = encodeEnvelope(EventNotification, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"notification"}`, string(frame))
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.FixedZone("ICT", 7*3600))
	assert.Equal(t, "2024-05-01T05:30:00.123Z", formatTimestamp(ts))
}
