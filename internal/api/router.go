// Package api wires the query API routes and middleware.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/kiranshivaraju/luawatch/internal/api/middleware"
	"github.com/kiranshivaraju/luawatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	ListRecords   http.HandlerFunc
	GetRecord     http.HandlerFunc
	ResolveRecord http.HandlerFunc
	CloseRecord   http.HandlerFunc
	ReopenRecord  http.HandlerFunc
	ClearRecords  http.HandlerFunc
	ExportRecords http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/records", orNotImplemented(deps.ListRecords))
		r.Delete("/api/v1/records", orNotImplemented(deps.ClearRecords))
		r.Get("/api/v1/records/export", orNotImplemented(deps.ExportRecords))
		r.Get("/api/v1/records/{id}", orNotImplemented(deps.GetRecord))
		r.Post("/api/v1/records/{id}/resolve", orNotImplemented(deps.ResolveRecord))
		r.Post("/api/v1/records/{id}/close", orNotImplemented(deps.CloseRecord))
		r.Post("/api/v1/records/{id}/reopen", orNotImplemented(deps.ReopenRecord))
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
