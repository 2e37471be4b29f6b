package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/manishjadhav9/fundchain/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware платформы fundchain.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})

	r.Route("/api/campaigns", func(r chi.Router) {
		r.Get("/", h.ListCampaigns)
		r.Get("/{id}", h.GetCampaign)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/", h.CreateCampaign)
			r.Post("/{id}/verify", h.VerifyCampaign)
			r.Post("/{id}/donate", h.Donate)
			r.Post("/{id}/milestones/{idx}/complete", h.CompleteMilestone)
			r.Post("/{id}/withdraw", h.Withdraw)
		})
	})

	// Вебхук платёжного провайдера не проходит аутентификацию пользователя:
	// дедупликация обеспечивается ключом идемпотентности в теле события.
	r.Post("/api/payments/confirm", h.ConfirmPayment)

	r.Route("/api/assets", func(r chi.Router) {
		r.Get("/{ref}", h.GetAsset)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/{ref}/pin", h.PinAsset)
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
