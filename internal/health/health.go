// Package health exposes the /healthz probe every sly process serves.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pingTimeout bounds the store round-trip so a wedged database turns
// the probe red instead of hanging it.
const pingTimeout = time.Second

// Status is the probe response body. Store reports whether the task
// store answered the ping; a nil pool (store-less processes, tests)
// counts as healthy.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Store   bool   `json:"store"`
}

// HTTPHandler builds the /healthz handler for a process backed by the
// given task-store pool.
func HTTPHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Store: true}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st = Status{Message: "task store unreachable"}
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}
