// Package api exposes the REST surface of the backend: authentication,
// health, admin notifications and metrics, plus the mount point of the relay.
package api

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/designconnect/internal/auth"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Broadcaster pushes an event to every relay connection.
type Broadcaster interface {
	BroadcastToAll(event string, payload any) error
}

// SyntheticReporter renders the synthetic check history.
type SyntheticReporter interface {
	Metrics(ctx context.Context) (string, error)
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	auth        *auth.Service
	broadcaster Broadcaster
	synthetic   SyntheticReporter
	readiness   map[string]Pinger
	startedAt   time.Time
	logger      zerolog.Logger
}
