package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/designconnect/internal/auth"
	"github.com/Tyrowin/designconnect/internal/config"
	"github.com/Tyrowin/designconnect/internal/metrics"
	"github.com/Tyrowin/designconnect/internal/users"
)

const verifyTimeout = 5 * time.Second

var (
	errInvalidPayload = errors.New("invalid payload")
	errUnknownEvent   = errors.New("unknown event")
)

type eventHandler func(c *Client, data json.RawMessage) error

// Gateway attaches identities to connections and dispatches their inbound
// events to the hub.
type Gateway struct {
	hub      *Hub
	verifier auth.Verifier
	cfg      config.RelayConfig
	origins  *originPolicy
	handlers map[string]eventHandler
	now      func() time.Time
	logger   zerolog.Logger
}

// NewGateway creates a Gateway publishing through hub and resolving tokens
// with verifier.
func NewGateway(hub *Hub, verifier auth.Verifier, cfg config.RelayConfig, logger zerolog.Logger) *Gateway {
	logger = logger.With().Str("component", "gateway").Logger()
	g := &Gateway{
		hub:      hub,
		verifier: verifier,
		cfg:      cfg,
		origins:  newOriginPolicy(cfg.AllowedOrigins, logger),
		now:      time.Now,
		logger:   logger,
	}
	g.handlers = map[string]eventHandler{
		EventChatSend:         g.handleChatSend,
		EventChatJoin:         g.handleChatJoin,
		EventSessionMe:        g.handleSessionMe,
		EventNotificationSend: g.handleNotificationSend,
	}
	return g
}

// OnConnect resolves presentedToken and attaches the result to c. Any
// verification failure leaves c anonymous; the connection is never rejected
// here.
func (g *Gateway) OnConnect(c *Client, presentedToken string) auth.Identity {
	c.dispatcher = g

	if presentedToken == "" {
		metrics.AnonymousConnections.Inc()
		g.logger.Debug().Str("client_id", c.id).Msg("connection without token; treating as anonymous")
		return c.identity
	}

	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	identity, err := g.verifier.Verify(ctx, presentedToken)
	if err != nil {
		metrics.AnonymousConnections.Inc()
		g.logger.Warn().Err(err).Str("client_id", c.id).Msg("token rejected; treating connection as anonymous")
		return c.identity
	}

	c.identity = identity
	c.logger = c.logger.With().Str("user_id", identity.ID).Logger()
	return identity
}

// OnDisconnect drops c from the connection table and from every room.
func (g *Gateway) OnDisconnect(c *Client) {
	g.hub.Unregister(c)
}

// RequireIdentity returns the identity of c, or auth.ErrUnauthorized for
// anonymous connections.
func (g *Gateway) RequireIdentity(c *Client) (auth.Identity, error) {
	if c.identity.Anonymous() {
		return auth.Identity{}, auth.ErrUnauthorized
	}
	return c.identity, nil
}

// HandleEvent runs the handler registered for event. Failures, panics
// included, are reported to c alone as an error event.
func (g *Gateway) HandleEvent(c *Client, event string, data json.RawMessage) {
	handler, ok := g.handlers[event]
	if !ok {
		metrics.EventsReceived.WithLabelValues("unknown").Inc()
		g.reportError(c, event, fmt.Errorf("%w: %q", errUnknownEvent, event))
		return
	}
	metrics.EventsReceived.WithLabelValues(event).Inc()

	if err := g.invoke(handler, c, data); err != nil {
		g.reportError(c, event, err)
	}
}

func (g *Gateway) invoke(handler eventHandler, c *Client, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("event handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(c, data)
}

func (g *Gateway) reportError(c *Client, event string, err error) {
	if errors.Is(err, ErrHubClosed) {
		return
	}

	code, message := CodeInternal, "internal error"
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		code, message = CodeUnauthorized, "a valid session token is required"
	case errors.Is(err, ErrForbidden):
		code, message = CodeForbidden, "insufficient role"
	case errors.Is(err, ErrInvalidRoom), errors.Is(err, ErrInvalidMessage), errors.Is(err, errInvalidPayload):
		code, message = CodeInvalidPayload, err.Error()
	case errors.Is(err, errUnknownEvent):
		code, message = CodeUnknownEvent, err.Error()
	}
	metrics.HandlerErrors.WithLabelValues(code).Inc()

	logEvent := c.logger.Warn()
	if code == CodeInternal {
		logEvent = c.logger.Error()
	}
	logEvent.Err(err).Str("event", event).Str("code", code).Msg("event handler failed")

	if sendErr := g.hub.SendTo(c, EventError, ErrorPayload{Event: event, Code: code, Message: message}); sendErr != nil {
		c.logger.Debug().Err(sendErr).Msg("could not deliver error event")
	}
}

// handleChatSend stamps the message with the server clock and the sender's
// identity, then publishes it to its room, or to everyone when no room is named.
func (g *Gateway) handleChatSend(c *Client, data json.RawMessage) error {
	var in ChatSendPayload
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if err := ValidateMessage(in.Message); err != nil {
		return err
	}

	user := strings.TrimSpace(in.User)
	if user == "" {
		user = c.identity.DisplayName()
	}
	sender := c.identity.ID
	if c.identity.Anonymous() {
		sender = auth.AnonymousName
	}

	msg := ChatMessage{
		User:      user,
		Message:   in.Message,
		Timestamp: formatTimestamp(g.now()),
		Sender:    sender,
		Room:      in.Room,
	}

	if in.Room == "" {
		return g.hub.BroadcastToAll(EventChatMessage, msg)
	}
	if err := ValidateRoom(in.Room); err != nil {
		return err
	}
	return g.hub.PublishToRoom(in.Room, EventChatMessage, msg)
}

// handleChatJoin accepts either a bare room name or {"room": name}.
func (g *Gateway) handleChatJoin(c *Client, data json.RawMessage) error {
	room, err := decodeRoom(data)
	if err != nil {
		return err
	}
	if err := g.hub.Join(c, room); err != nil {
		return err
	}
	c.logger.Info().Str("room", room).Msg("joined room")
	return g.hub.PublishToRoom(room, EventChatUserJoined, UserJoinedPayload{ClientID: c.id})
}

func decodeRoom(data json.RawMessage) (string, error) {
	var room string
	if err := json.Unmarshal(data, &room); err == nil {
		return room, ValidateRoom(room)
	}
	var obj struct {
		Room string `json:"room"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("%w: room must be a string", errInvalidPayload)
	}
	return obj.Room, ValidateRoom(obj.Room)
}

func (g *Gateway) handleSessionMe(c *Client, _ json.RawMessage) error {
	identity, err := g.RequireIdentity(c)
	if err != nil {
		return err
	}
	return g.hub.SendTo(c, EventSessionMe, identity)
}

// handleNotificationSend lets admins push an opaque notification to every
// connection.
func (g *Gateway) handleNotificationSend(c *Client, data json.RawMessage) error {
	identity, err := g.RequireIdentity(c)
	if err != nil {
		return err
	}
	if identity.Role != users.RoleAdmin {
		return ErrForbidden
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: notification payload is empty", errInvalidPayload)
	}
	c.logger.Info().Msg("admin notification broadcast")
	return g.hub.BroadcastToAll(EventNotification, data)
}
