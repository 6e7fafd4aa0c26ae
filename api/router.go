package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the handler. requestLock, when non-nil, wraps transfer creation only.
func NewRouter(h *Handler, requestLock func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", h.Health)

	r.Route("/transfers", func(r chi.Router) {
		if requestLock != nil {
			r.With(requestLock).Post("/", h.CreateTransfer)
		} else {
			r.Post("/", h.CreateTransfer)
		}
		r.Get("/{id}", h.GetTransfer)
		r.Get("/{id}/log", h.GetTransferLog)
		r.Post("/{id}/cancel", h.CancelTransfer)
	})

	r.Get("/accounts/{id}", h.GetAccount)

	return r
}
