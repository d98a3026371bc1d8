package server

import (
	"encoding/json"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/designconnect/internal/auth"
	"github.com/Tyrowin/designconnect/internal/config"
	"github.com/Tyrowin/designconnect/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Dispatcher receives the inbound events of a connection and is told when the
// connection ends. Gateway is the production implementation.
type Dispatcher interface {
	HandleEvent(c *Client, event string, data json.RawMessage)
	OnDisconnect(c *Client)
}

// Client is one relay connection.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	dispatcher     Dispatcher
	addr           string
	identity       auth.Identity
	closed         bool
	rooms          map[string]struct{}
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      config.RateLimitConfig
	logger         zerolog.Logger
}

// NewClient creates a Client for conn. conn may be nil for connections that
// are driven directly through the hub, in which case no pumps are started.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg config.RelayConfig) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		rooms:          make(map[string]struct{}),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         hub.logger.With().Str("client_id", id).Str("remote_addr", addr).Logger(),
	}
}

// ID returns the unique connection id.
func (c *Client) ID() string { return c.id }

// Identity returns the identity attached at connect time.
func (c *Client) Identity() auth.Identity { return c.identity }

// GetSendChan returns the client's outgoing frame channel.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Rooms returns the sorted names of rooms the client belongs to.
func (c *Client) Rooms() []string {
	c.hub.mutex.RLock()
	defer c.hub.mutex.RUnlock()

	names := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		names = append(names, room)
	}
	sort.Strings(names)
	return names
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read failure and reports whether the read loop
// should stop. Every read error ends the loop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("max_bytes", c.maxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info().Err(err).Msg("client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn().Err(err).Msg("unexpected websocket close")
	default:
		c.logger.Warn().Err(err).Msg("websocket read error")
	}
	return true
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		metrics.RateLimitHits.Inc()
		c.logger.Warn().
			Int("burst", c.rateLimit.Burst).
			Dur("interval", c.rateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding message")
		return false
	}
	return true
}

// processMessage decodes an envelope and hands it to the dispatcher.
func (c *Client) processMessage(rawMessage []byte) bool {
	var env Envelope
	if err := json.Unmarshal(rawMessage, &env); err != nil || env.Event == "" {
		c.logger.Warn().Err(err).Msg("invalid frame")
		_ = c.hub.SendTo(c, EventError, ErrorPayload{Code: CodeInvalidPayload, Message: "frames must be {\"event\": string, \"data\": any}"})
		return false
	}
	if c.dispatcher == nil {
		return false
	}
	c.dispatcher.HandleEvent(c, env.Event, env.Data)
	return true
}

func (c *Client) readPump() {
	defer func() {
		if c.dispatcher != nil {
			c.dispatcher.OnDisconnect(c)
		} else {
			c.hub.Unregister(c)
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	case <-c.hub.ctx.Done():
		return false
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn().Err(err).Msg("error closing connection in writePump")
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn().Err(err).Msg("error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn().Err(err).Msg("error writing close message")
	}
	return false
}

// writeTextMessage writes one frame per websocket message so that every
// message is a complete JSON envelope.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("error writing message")
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn().Err(err).Msg("error writing ping message")
		return false
	}
	return true
}
