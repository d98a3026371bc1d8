package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// HandshakeFromRequest reads the session token a client presented when
// connecting: an "Authorization: Bearer" header, or the "token" query value
// for clients that cannot set headers.
func HandshakeFromRequest(r *http.Request) Handshake {
	var token string
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); len(authz) > len("bearer ") &&
		strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		token = strings.TrimSpace(authz[len("bearer "):])
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	} else {
		return Handshake{}
	}
	return Handshake{Auth: HandshakeAuth{Token: &token}}
}

// ServeHTTP upgrades the request to a WebSocket connection, attaches the
// presented identity and registers the connection with the hub, which starts
// its pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.origins.check,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, g.hub, r.RemoteAddr, g.cfg)
	g.OnConnect(client, HandshakeFromRequest(r).PresentedToken())

	if err := g.hub.Register(client); err != nil {
		g.logger.Warn().Err(err).Str("client_id", client.id).Msg("rejecting connection")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
}
