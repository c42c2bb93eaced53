package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/luawatch/internal/api/response"
)

// Pinger is anything with a health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

const healthTimeout = 2 * time.Second

// NewHealthHandler returns GET /api/v1/health. A nil cache is reported as "disabled".
func NewHealthHandler(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}
		degraded := false

		if err := db.Ping(ctx); err != nil {
			checks["database"] = "unavailable"
			degraded = true
		}
		if cache == nil {
			checks["cache"] = "disabled"
		} else if err := cache.Ping(ctx); err != nil {
			checks["cache"] = "unavailable"
			degraded = true
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}
		response.JSON(w, map[string]any{"status": "ok", "checks": checks})
	}
}
