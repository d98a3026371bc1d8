// Package relayclient is the client side of the chat relay. A Relay owns one
// logical connection: it presents the stored session token at every
// handshake, reconnects after transport failures according to an injected
// backoff policy and dispatches inbound events to fixed callback slots.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/designconnect/internal/server"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

var (
	// ErrNotConnected is returned by Emit while no connection is established.
	// Nothing is queued.
	ErrNotConnected = errors.New("relay not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("relay closed")
	// ErrAlreadyStarted is returned when Connect is called twice.
	ErrAlreadyStarted = errors.New("relay already started")
)

// State is the connection state of a Relay.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Callbacks are invoked synchronously on the relay's read goroutine, in the
// order events arrive. Nil slots are skipped.
type Callbacks struct {
	OnConnect      func()
	OnDisconnect   func(err error)
	OnMessage      func(msg server.ChatMessage)
	OnJoin         func(clientID string)
	OnNotification func(payload json.RawMessage)
	OnError        func(e server.ErrorPayload)
}

// DefaultBackOff is exponential from 500ms up to 5s between attempts, with
// jitter, and never gives up.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.5
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Option configures a Relay.
type Option func(*Relay)

// WithBackOff sets the reconnect policy. backoff.Stop ends reconnection.
func WithBackOff(b backoff.BackOff) Option {
	return func(r *Relay) { r.backoff = b }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(r *Relay) { r.dialer = d }
}

// WithOrigin sets the Origin header sent at handshake.
func WithOrigin(origin string) Option {
	return func(r *Relay) { r.origin = origin }
}

// WithAutoReconnect toggles reconnection after a dropped connection.
func WithAutoReconnect(enabled bool) Option {
	return func(r *Relay) { r.autoReconnect = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// Relay is the client connection handle.
type Relay struct {
	url           string
	tokens        TokenStore
	callbacks     Callbacks
	dialer        *websocket.Dialer
	origin        string
	backoff       backoff.BackOff
	autoReconnect bool
	logger        zerolog.Logger

	state         atomic.Int32
	notifications atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu sync.Mutex
}

// New creates a Relay for the relay endpoint at url ("ws://host/ws").
func New(url string, tokens TokenStore, callbacks Callbacks, opts ...Option) *Relay {
	if tokens == nil {
		tokens = NewMemoryTokenStore("")
	}
	r := &Relay{
		url:           url,
		tokens:        tokens,
		callbacks:     callbacks,
		dialer:        &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff:       DefaultBackOff(),
		autoReconnect: true,
		logger:        zerolog.Nop(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "relay-client").Logger()
	return r
}

// State returns the current connection state.
func (r *Relay) State() State {
	return State(r.state.Load())
}

// NotificationCount returns the number of notification events received.
func (r *Relay) NotificationCount() int64 {
	return r.notifications.Load()
}

// Done is closed once the connection loop has stopped for good.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Connect starts the connection loop in the background. It returns
// immediately; progress is reported through the callbacks. Cancelling ctx
// has the same effect as Close.
func (r *Relay) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
	return nil
}

// Close disconnects and stops reconnecting. It is terminal.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	if r.cancel != nil {
		r.cancel()
	}
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		r.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		r.writeMu.Unlock()
		_ = conn.Close()
	}

	if started {
		<-r.done
	} else {
		close(r.done)
	}
	return nil
}

// Emit sends one event. It fails with ErrNotConnected instead of buffering
// when no connection is up.
func (r *Relay) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	frame, err := json.Marshal(server.Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil || r.State() != Connected {
		return ErrNotConnected
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Join asks the relay to add this connection to room.
func (r *Relay) Join(room string) error {
	return r.Emit(server.EventChatJoin, room)
}

// Send posts a chat message, to room when it is not empty and to everyone
// otherwise.
func (r *Relay) Send(user, message, room string) error {
	return r.Emit(server.EventChatSend, server.ChatSendPayload{User: user, Message: message, Room: room})
}

func (r *Relay) setState(s State) {
	if old := State(r.state.Swap(int32(s))); old != s {
		r.logger.Debug().Stringer("from", old).Stringer("to", s).Msg("state changed")
	}
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	defer r.setState(Disconnected)

	for {
		r.setState(Connecting)
		conn, err := r.dial(ctx)
		if err != nil {
			r.setState(Disconnected)
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn().Err(err).Str("url", r.url).Msg("relay connect failed")
			if !r.autoReconnect || !r.wait(ctx) {
				return
			}
			continue
		}

		r.backoff.Reset()
		err = r.serve(ctx, conn)

		if ctx.Err() != nil || !r.autoReconnect {
			return
		}
		r.logger.Warn().Err(err).Msg("relay connection lost; reconnecting")
		if !r.wait(ctx) {
			return
		}
	}
}

func (r *Relay) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if token := r.tokens.Get(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if r.origin != "" {
		header.Set("Origin", r.origin)
	}

	conn, resp, err := r.dialer.DialContext(ctx, r.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with %s: %w", resp.Status, err)
		}
		return nil, err
	}
	return conn, nil
}

// wait sleeps for the next backoff interval and reports whether to retry.
func (r *Relay) wait(ctx context.Context) bool {
	d := r.backoff.NextBackOff()
	if d == backoff.Stop {
		r.logger.Warn().Msg("reconnect policy exhausted")
		return false
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve runs one established connection until it drops.
func (r *Relay) serve(ctx context.Context, conn *websocket.Conn) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	r.conn = conn
	r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	r.setState(Connected)
	r.logger.Info().Str("url", r.url).Msg("relay connected")
	r.invoke("OnConnect", func() {
		if r.callbacks.OnConnect != nil {
			r.callbacks.OnConnect()
		}
	})

	err := r.readLoop(conn)

	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()
	_ = conn.Close()

	r.setState(Disconnected)
	r.invoke("OnDisconnect", func() {
		if r.callbacks.OnDisconnect != nil {
			r.callbacks.OnDisconnect(err)
		}
	})
	return err
}

func (r *Relay) readLoop(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env server.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			r.logger.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}
		r.dispatch(env)
	}
}

func (r *Relay) dispatch(env server.Envelope) {
	switch env.Event {
	case server.EventChatMessage:
		var msg server.ChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			r.logger.Warn().Err(err).Msg("malformed chat message")
			return
		}
		if r.callbacks.OnMessage != nil {
			r.invoke("OnMessage", func() { r.callbacks.OnMessage(msg) })
		}

	case server.EventChatUserJoined:
		var joined server.UserJoinedPayload
		if err := json.Unmarshal(env.Data, &joined); err != nil {
			r.logger.Warn().Err(err).Msg("malformed join event")
			return
		}
		if r.callbacks.OnJoin != nil {
			r.invoke("OnJoin", func() { r.callbacks.OnJoin(joined.ClientID) })
		}

	case server.EventNotification:
		r.notifications.Add(1)
		if r.callbacks.OnNotification != nil {
			r.invoke("OnNotification", func() { r.callbacks.OnNotification(env.Data) })
		}

	case server.EventError:
		var e server.ErrorPayload
		_ = json.Unmarshal(env.Data, &e)
		r.logger.Warn().Str("event", e.Event).Str("code", e.Code).Msg(e.Message)
		if r.callbacks.OnError != nil {
			r.invoke("OnError", func() { r.callbacks.OnError(e) })
		}

	default:
		r.logger.Debug().Str("event", env.Event).Msg("unhandled event")
	}
}

// invoke runs a callback, keeping a panicking callback from taking the
// connection down.
func (r *Relay) invoke(slot string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("callback", slot).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("relay callback panicked")
		}
	}()
	fn()
}
