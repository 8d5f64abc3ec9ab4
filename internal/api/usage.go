package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"aluda-backend/internal/usage"
)

type UsageService struct {
	ledger *usage.Ledger
}

func NewUsageService(ledger *usage.Ledger) *UsageService {
	return &UsageService{ledger: ledger}
}

func (s *UsageService) AddRoutes(r chi.Router) {
	r.Get("/usage", RestHandler(s.GetUsage))
}

func (s *UsageService) GetUsage(r *http.Request) (any, error) {
	actor := ActorFromRequest(r)
	return s.ledger.Snapshot(r.Context(), actor)
}
