package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/dispatch-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса диспетчеризации.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/bookings", h.CreateBooking)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/bookings/{id}/cancel", h.CancelBooking)

			r.Route("/dispatch", func(r chi.Router) {
				r.Get("/bookings", h.DispatchBoard)
				r.Get("/bookings/{id}/candidates", h.GetCandidates)
				r.Post("/bookings/{id}/assign", h.AssignExpert)
			})

			r.Route("/expert", func(r chi.Router) {
				r.Get("/jobs", h.ExpertJobs)
				r.Post("/jobs/{id}/accept", h.AcceptJob)
				r.Post("/jobs/{id}/start", h.StartJob)
				r.Post("/jobs/{id}/complete", h.CompleteJob)
				r.Post("/duty", h.SetDuty)
				r.Post("/location", h.UpdateLocation)
			})

			r.Route("/wallet", func(r chi.Router) {
				r.Get("/", h.GetWallet)
				r.Get("/transactions", h.GetWalletTransactions)
				r.Post("/withdrawals", h.RequestWithdrawal)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Get("/withdrawals", h.ListWithdrawals)
				r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawal)
				r.Post("/wallet/adjust", h.AdjustWallet)
			})
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
