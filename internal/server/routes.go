package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes returns the relay's HTTP surface, meant to be mounted at /ws.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", g.ServeHTTP)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
	})
	return r
}
