package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/designconnect/internal/metrics"
)

// Hub owns the connection table and the room membership table. Every mutation
// of either runs on the goroutine executing Run, so handlers observe a single
// serialised order of registrations, joins and publishes.
type Hub struct {
	clients    map[*Client]struct{}
	rooms      map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	join       chan joinRequest
	publish    chan outbound
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     zerolog.Logger
}

type joinRequest struct {
	client *Client
	room   string
	result chan error
}

// outbound is a frame waiting for delivery. Exactly one of target, room or
// all selects the receivers.
type outbound struct {
	target *Client
	room   string
	all    bool
	event  string
	frame  []byte
}

// NewHub creates and initializes a new Hub. Run must be started before use.
func NewHub(logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan joinRequest),
		publish:    make(chan outbound),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case req := <-h.join:
			req.result <- h.handleJoin(req.client, req.room)

		case msg := <-h.publish:
			h.handlePublish(msg)
		}
	}
}

// Register adds a connection. Connections backed by a socket get their pumps
// started here.
func (h *Hub) Register(client *Client) error {
	if client == nil {
		return ErrUnknownClient
	}
	select {
	case h.register <- client:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Unregister drops a connection and every room membership it holds in one step.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Join adds client to room. It returns once the membership is visible to
// every publish issued afterwards.
func (h *Hub) Join(client *Client, room string) error {
	if err := ValidateRoom(room); err != nil {
		return err
	}
	req := joinRequest{client: client, room: room, result: make(chan error, 1)}
	select {
	case h.join <- req:
	case <-h.ctx.Done():
		return ErrHubClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// BroadcastToAll delivers payload to every connection registered when the hub
// processes the call. Delivery is best effort.
func (h *Hub) BroadcastToAll(event string, payload any) error {
	return h.enqueue(outbound{all: true, event: event}, payload)
}

// PublishToRoom delivers payload to the current members of room. An empty
// room is a silent no-op.
func (h *Hub) PublishToRoom(room, event string, payload any) error {
	return h.enqueue(outbound{room: room, event: event}, payload)
}

// SendTo delivers payload to a single connection.
func (h *Hub) SendTo(client *Client, event string, payload any) error {
	if client == nil {
		return ErrUnknownClient
	}
	return h.enqueue(outbound{target: client, event: event}, payload)
}

func (h *Hub) enqueue(msg outbound, payload any) error {
	frame, err := encodeEnvelope(msg.event, payload)
	if err != nil {
		return err
	}
	msg.frame = frame
	select {
	case h.publish <- msg:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of members of room.
func (h *Hub) RoomSize(room string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms[room])
}

// Rooms returns the sorted names of rooms that currently have members.
func (h *Hub) Rooms() []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	names := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Hub) handleRegister(client *Client) {
	if client == nil {
		h.logger.Warn().Msg("received nil client registration; skipping")
		return
	}

	h.mutex.Lock()
	client.closed = false
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	metrics.ConnectionsActive.Set(float64(clientCount))
	h.logger.Info().
		Str("client_id", client.id).
		Str("remote_addr", client.addr).
		Bool("anonymous", client.identity.Anonymous()).
		Int("clients", clientCount).
		Msg("client registered")

	if client.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) handleUnregister(client *Client) {
	h.mutex.Lock()
	removed := h.removeClientLocked(client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if !removed {
		return
	}
	close(client.send)
	metrics.ConnectionsActive.Set(float64(clientCount))
	h.logger.Info().
		Str("client_id", client.id).
		Str("remote_addr", client.addr).
		Int("clients", clientCount).
		Msg("client unregistered")
}

// removeClientLocked drops client from the connection table and from every
// room it belongs to. The caller must hold the write lock and close the send
// channel after releasing it.
func (h *Hub) removeClientLocked(client *Client) bool {
	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	client.closed = true

	for room := range client.rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	client.rooms = make(map[string]struct{})
	return true
}

func (h *Hub) handleJoin(client *Client, room string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[client]; !ok {
		return ErrUnknownClient
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	client.rooms[room] = struct{}{}

	h.logger.Debug().Str("client_id", client.id).Str("room", room).Int("members", len(members)).Msg("client joined room")
	return nil
}

func (h *Hub) handlePublish(msg outbound) {
	var (
		targets []*Client
		scope   string
	)
	switch {
	case msg.target != nil:
		targets, scope = []*Client{msg.target}, "direct"
	case msg.all:
		targets, scope = h.getClientSnapshot(), "all"
	default:
		targets, scope = h.getRoomSnapshot(msg.room), "room"
	}
	if len(targets) == 0 {
		return
	}

	var clientsToRemove []*Client
	delivered := 0
	for _, client := range targets {
		if h.safeSend(client, msg.frame) {
			delivered++
			continue
		}
		clientsToRemove = append(clientsToRemove, client)
	}
	metrics.FramesDelivered.WithLabelValues(scope).Add(float64(delivered))

	h.logger.Debug().
		Str("event", msg.event).
		Str("scope", scope).
		Str("room", msg.room).
		Int("delivered", delivered).
		Msg("frame published")

	h.removeFailedClients(clientsToRemove)
}

// getClientSnapshot returns a snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) getRoomSnapshot(room string) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	members := h.rooms[room]
	clients := make([]*Client, 0, len(members))
	for client := range members {
		clients = append(clients, client)
	}
	return clients
}

// safeSend queues frame for client without blocking. It reports false when the
// client is gone or its buffer is full.
func (h *Hub) safeSend(client *Client, frame []byte) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

// removeFailedClients removes clients that could not accept a frame and closes their channels
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if h.removeClientLocked(client) {
			channelsToClose = append(channelsToClose, client.send)
			h.logger.Warn().Str("client_id", client.id).Str("remote_addr", client.addr).Msg("client removed due to full send buffer")
		}
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
	metrics.ConnectionsActive.Set(float64(clientCount))
}

// shutdownClients closes every socket; the read pumps then exit on their own.
func (h *Hub) shutdownClients() {
	h.logger.Info().Msg("shutting down all client connections")

	clients := h.getClientSnapshot()
	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn().Err(err).Str("client_id", client.id).Msg("error closing client connection")
		}
	}

	h.logger.Info().Int("closed", len(clients)).Msg("closed client connections")
}

// Shutdown stops the hub and waits for the event loop and all pump goroutines
// to finish, or returns context.DeadlineExceeded after timeout. The timeout
// also bounds the wait for a Run loop that was never started.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.cancel()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-h.done:
	case <-deadline.C:
		h.logger.Warn().Msg("hub event loop did not stop before the shutdown timeout")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-deadline.C:
		h.logger.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
