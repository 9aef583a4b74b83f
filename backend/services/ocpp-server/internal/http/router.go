// Package httpserver serves the station WebSocket endpoint and the admin API on one listener.
package httpserver

import (
	"net/http"

	"stationlink/backend/services/ocpp-server/internal/http/handlers"
	"stationlink/backend/services/ocpp-server/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Stations      *handlers.StationsHandlers
	Calls         *handlers.CallsHandlers
	Credentials   *handlers.CredentialsHandlers
	HealthHandler http.HandlerFunc
	// OCPP handles station connections under OCPPPrefix (for example "/ocpp/").
	OCPP       http.Handler
	OCPPPrefix string
}

// NewRouter wires HTTP routes. authMiddleware guards the /api routes and may be nil.
func NewRouter(deps RouterDeps, authMiddleware func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /health", deps.HealthHandler)

	if deps.OCPP != nil && deps.OCPPPrefix != "" {
		mux.Handle(deps.OCPPPrefix, deps.OCPP)
	}

	authenticated := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, authMiddleware)
	}

	mux.Handle("GET /api/stations", authenticated(deps.Stations.List))
	mux.Handle("GET /api/stations/{id}", authenticated(deps.Stations.Get))
	mux.Handle("GET /api/stations/{id}/frames", authenticated(deps.Stations.Frames))
	mux.Handle("POST /api/stations/{id}/calls", authenticated(deps.Calls.Send))
	mux.Handle("GET /api/pending", authenticated(deps.Calls.Pending))
	mux.Handle("PUT /api/stations/{id}/credentials", authenticated(deps.Credentials.Set))

	return mux
}
