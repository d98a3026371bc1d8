// Package server implements the real-time relay: the WebSocket upgrade
// endpoint, the Gateway that attaches identities to connections and
// dispatches their events, and the Hub that owns connection and room
// membership and fans frames out to them.
//
// Frames in both directions are JSON envelopes {"event": ..., "data": ...}.
// Connections without a valid session token are accepted as anonymous;
// events that need an identity answer them with an "unauthorized" error
// event instead of closing the socket.
package server
