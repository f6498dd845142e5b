package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/j1vetr/adegloba-core/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса adegloba-core.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.webhookAuth.Middleware)

			r.Post("/orders/paid", h.OrderPaid)
			r.Post("/orders/voided", h.OrderVoided)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.adminAuth.Middleware)

			r.Get("/stock", h.GetStock)
			r.Get("/pending", h.GetPending)
			r.Get("/loyalty/{userID}", h.GetLoyalty)

			r.Post("/credentials", h.ProvisionCredentials)
			r.Post("/credentials/{id}/release", h.ReleaseCredential)
			r.Delete("/credentials/{id}", h.RevokeCredential)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
