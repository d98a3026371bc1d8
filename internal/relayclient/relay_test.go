package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/designconnect/internal/auth"
	"github.com/Tyrowin/designconnect/internal/config"
	"github.com/Tyrowin/designconnect/internal/server"
)

type tokenVerifier map[string]auth.Identity

func (v tokenVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return auth.Identity{}, auth.ErrUnauthorized
}

// newRelayServer runs the real hub and gateway behind httptest.
func newRelayServer(t *testing.T) (*server.Hub, string) {
	t.Helper()
	hub := server.NewHub(zerolog.Nop())
	go hub.Run()

	verifier := tokenVerifier{"good-token": {ID: "u-1", Name: "Nok", Role: "user"}}
	gateway := server.NewGateway(hub, verifier, config.Default().Relay, zerolog.Nop())
	r := chi.NewRouter()
	r.Mount("/ws", gateway.Routes())
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		ts.Close()
	})
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type recorder struct {
	mu            sync.Mutex
	connects      int
	disconnects   []error
	messages      []server.ChatMessage
	joins         []string
	notifications []string
	errs          []server.ErrorPayload
}

func (rec *recorder) callbacks() Callbacks {
	return Callbacks{
		OnConnect: func() {
			rec.mu.Lock()
			rec.connects++
			rec.mu.Unlock()
		},
		OnDisconnect: func(err error) {
			rec.mu.Lock()
			rec.disconnects = append(rec.disconnects, err)
			rec.mu.Unlock()
		},
		OnMessage: func(msg server.ChatMessage) {
			rec.mu.Lock()
			rec.messages = append(rec.messages, msg)
			rec.mu.Unlock()
		},
		OnJoin: func(clientID string) {
			rec.mu.Lock()
			rec.joins = append(rec.joins, clientID)
			rec.mu.Unlock()
		},
		OnNotification: func(payload json.RawMessage) {
			rec.mu.Lock()
			rec.notifications = append(rec.notifications, string(payload))
			rec.mu.Unlock()
		},
		OnError: func(e server.ErrorPayload) {
			rec.mu.Lock()
			rec.errs = append(rec.errs, e)
			rec.mu.Unlock()
		},
	}
}

func (rec *recorder) snapshot() recorder {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return recorder{
		connects:      rec.connects,
		disconnects:   append([]error(nil), rec.disconnects...),
		messages:      append([]server.ChatMessage(nil), rec.messages...),
		joins:         append([]string(nil), rec.joins...),
		notifications: append([]string(nil), rec.notifications...),
		errs:          append([]server.ErrorPayload(nil), rec.errs...),
	}
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func waitConnected(t *testing.T, r *Relay) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == Connected }, 2*time.Second, 5*time.Millisecond)
}

func TestRelayChatRoundTrip(t *testing.T) {
	hub, url := newRelayServer(t)

	rec := &recorder{}
	r := New(url, NewMemoryTokenStore("good-token"), rec.callbacks(), WithBackOff(fastBackOff()))
	require.NoError(t, r.Connect(context.Background()))
	defer r.Close()
	waitConnected(t, r)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Join("design-123"))
	require.Eventually(t, func() bool { return len(rec.snapshot().joins) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Send("", "hello room", "design-123"))
	require.Eventually(t, func() bool { return len(rec.snapshot().messages) == 1 }, time.Second, 5*time.Millisecond)

	msg := rec.snapshot().messages[0]
	assert.Equal(t, "Nok", msg.User)
	assert.Equal(t, "u-1", msg.Sender)
	assert.Equal(t, "hello room", msg.Message)
	assert.Equal(t, "design-123", msg.Room)
	assert.Equal(t, 1, rec.snapshot().connects)
}

func TestRelayCountsNotifications(t *testing.T) {
	hub, url := newRelayServer(t)

	rec := &recorder{}
	r := New(url, nil, rec.callbacks(), WithBackOff(fastBackOff()))
	require.NoError(t, r.Connect(context.Background()))
	defer r.Close()
	waitConnected(t, r)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.BroadcastToAll(server.EventNotification, map[string]int{"n": i}))
	}

	require.Eventually(t, func() bool { return r.NotificationCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}, rec.snapshot().notifications)
}

func TestRelayAnonymousSessionErrorReachesCallback(t *testing.T) {
	_, url := newRelayServer(t)

	rec := &recorder{}
	r := New(url, NewMemoryTokenStore("stale-token"), rec.callbacks(), WithBackOff(fastBackOff()))
	require.NoError(t, r.Connect(context.Background()))
	defer r.Close()
	waitConnected(t, r)

	require.NoError(t, r.Emit(server.EventSessionMe, nil))
	require.Eventually(t, func() bool { return len(rec.snapshot().errs) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, server.CodeUnauthorized, rec.snapshot().errs[0].Code)
	assert.Equal(t, Connected, r.State())
}

func TestRelayEmitWhileDisconnected(t *testing.T) {
	r := New("ws://127.0.0.1:0/ws", nil, Callbacks{})
	assert.Equal(t, Disconnected, r.State())
	assert.ErrorIs(t, r.Emit(server.EventChatSend, server.ChatSendPayload{Message: "lost"}), ErrNotConnected)
	assert.ErrorIs(t, r.Join("room"), ErrNotConnected)
}

// flakyServer drops the first connection right after the handshake and
// records the Authorization header of every attempt.
type flakyServer struct {
	mu       sync.Mutex
	attempts []string
}

func (f *flakyServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	f.mu.Lock()
	f.attempts = append(f.attempts, req.Header.Get("Authorization"))
	n := len(f.attempts)
	f.mu.Unlock()

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if n == 1 {
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *flakyServer) headers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempts...)
}

func TestRelayReconnectsWithStoredToken(t *testing.T) {
	flaky := &flakyServer{}
	ts := httptest.NewServer(flaky)
	defer ts.Close()

	tokens := NewMemoryTokenStore("first-token")
	rec := &recorder{}
	r := New("ws"+strings.TrimPrefix(ts.URL, "http"), tokens, Callbacks{
		OnConnect: rec.callbacks().OnConnect,
		OnDisconnect: func(err error) {
			rec.callbacks().OnDisconnect(err)
			_ = tokens.Set("second-token")
		},
	}, WithBackOff(fastBackOff()))
	require.NoError(t, r.Connect(context.Background()))
	defer r.Close()

	require.Eventually(t, func() bool { return rec.snapshot().connects == 2 }, 2*time.Second, 5*time.Millisecond)
	waitConnected(t, r)

	snap := rec.snapshot()
	require.Len(t, snap.disconnects, 1)
	assert.Error(t, snap.disconnects[0])
	assert.Equal(t, []string{"Bearer first-token", "Bearer second-token"}, flaky.headers())
}

func TestRelayWithoutAutoReconnectStops(t *testing.T) {
	flaky := &flakyServer{}
	ts := httptest.NewServer(flaky)
	defer ts.Close()

	r := New("ws"+strings.TrimPrefix(ts.URL, "http"), nil, Callbacks{},
		WithBackOff(fastBackOff()), WithAutoReconnect(false))
	require.NoError(t, r.Connect(context.Background()))

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay kept running without auto-reconnect")
	}
	assert.Equal(t, Disconnected, r.State())
	assert.Len(t, flaky.headers(), 1)
}

func TestRelayWithoutAutoReconnectStopsAfterRejectedHandshake(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer ts.Close()

	r := New("ws"+strings.TrimPrefix(ts.URL, "http"), nil, Callbacks{},
		WithBackOff(fastBackOff()), WithAutoReconnect(false))
	require.NoError(t, r.Connect(context.Background()))

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay kept dialing without auto-reconnect")
	}

	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()
	assert.Equal(t, Disconnected, r.State())
}

func TestRelayHandshakeRejectionHonoursStop(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer ts.Close()

	rec := &recorder{}
	r := New("ws"+strings.TrimPrefix(ts.URL, "http"), nil, rec.callbacks(),
		WithBackOff(backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 2)))
	require.NoError(t, r.Connect(context.Background()))

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after the policy was exhausted")
	}

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
	assert.Equal(t, Disconnected, r.State())
	assert.Zero(t, rec.snapshot().connects)
	assert.Empty(t, rec.snapshot().disconnects)
}

func TestRelayCloseIsTerminal(t *testing.T) {
	_, url := newRelayServer(t)

	rec := &recorder{}
	r := New(url, nil, rec.callbacks(), WithBackOff(fastBackOff()))
	require.NoError(t, r.Connect(context.Background()))
	waitConnected(t, r)

	require.NoError(t, r.Close())
	assert.Equal(t, Disconnected, r.State())
	assert.ErrorIs(t, r.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, r.Emit(server.EventChatSend, nil), ErrNotConnected)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.snapshot().connects)
	assert.NoError(t, r.Close())
}

func TestRelayConnectTwice(t *testing.T) {
	r := New("ws://127.0.0.1:1/ws", nil, Callbacks{}, WithBackOff(&backoff.StopBackOff{}))
	require.NoError(t, r.Connect(context.Background()))
	assert.ErrorIs(t, r.Connect(context.Background()), ErrAlreadyStarted)
	require.NoError(t, r.Close())
}

func TestRelayCallbackPanicKeepsConnection(t *testing.T) {
	hub, url := newRelayServer(t)

	r := New(url, nil, Callbacks{
		OnNotification: func(json.RawMessage) { panic("ui bug") },
	}, WithBackOff(fastBackOff()))
	require.NoError(t, r.Connect(context.Background()))
	defer r.Close()
	waitConnected(t, r)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.BroadcastToAll(server.EventNotification, "a"))
	require.NoError(t, hub.BroadcastToAll(server.EventNotification, "b"))
	require.Eventually(t, func() bool { return r.NotificationCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Connected, r.State())
}

func TestDefaultBackOff(t *testing.T) {
	b := DefaultBackOff()
	exp, ok := b.(*backoff.ExponentialBackOff)
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, exp.InitialInterval)
	assert.Equal(t, 5*time.Second, exp.MaxInterval)
	assert.Zero(t, exp.MaxElapsedTime)

	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		assert.LessOrEqual(t, d, time.Duration(float64(5*time.Second)*1.5))
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}

func TestMemoryTokenStore(t *testing.T) {
	s := NewMemoryTokenStore("")
	assert.Empty(t, s.Get())
	require.NoError(t, s.Set("abc"))
	assert.Equal(t, "abc", s.Get())
}

func TestFileTokenStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token")
	s := NewFileTokenStore(path)

	assert.Empty(t, s.Get())
	require.NoError(t, s.Set("jwt-value"))
	assert.Equal(t, "jwt-value", s.Get())
	assert.Equal(t, "jwt-value", NewFileTokenStore(path).Get())

	require.NoError(t, s.Set(""))
	assert.Empty(t, s.Get())
	require.NoError(t, s.Set(""))
}

func TestErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrNotConnected, ErrClosed))
}
