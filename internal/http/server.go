package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/prices/{asset}", handler.GetPrice)

	r.Group(func(r chi.Router) {
		r.Use(requireOwner)

		r.Route("/swaps", func(r chi.Router) {
			r.Get("/", handler.ListOrders)
			r.Post("/", handler.CreateSwap)
			r.Post("/initiate", handler.InitiateSwap)
			r.Get("/{orderId}", handler.GetOrder)
			r.Post("/{orderId}/complete", handler.CompleteSwap)
		})

		r.Route("/stakes", func(r chi.Router) {
			r.Get("/plans", handler.ListPlans)
			r.Get("/", handler.ListStakes)
			r.Post("/", handler.CreateStake)
			r.Post("/prepare", handler.PrepareStake)
			r.Post("/execute", handler.ExecuteStake)
			r.Post("/{stakeId}/unstake", handler.Unstake)
			r.Post("/{stakeId}/unstake/prepare", handler.PrepareUnstake)
			r.Post("/{stakeId}/unstake/execute", handler.ExecuteUnstake)
		})

		r.Get("/referrals/rewards", handler.ListRewards)
	})

	return &Server{Router: r}
}
