package api

import (
	"net/http"

	"github.com/davidahmann/truemoneyx/internal/auth"
	"github.com/go-chi/chi/v5"
)

// NewRouter wires the gateway routes. Everything under /v1 requires a bearer
// token; /healthz and the risk proxy do not.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.Healthz)
	if h.RiskAPI != nil {
		r.Mount("/api", h.RiskAPI)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(h.Auth, func(w http.ResponseWriter, req *http.Request, err error) {
			h.writeError(w, req, http.StatusUnauthorized, ErrorCode(err), err.Error(), nil)
		}))
		r.Post("/transfers", h.Transfer)
		r.Get("/transfers/{id}", h.GetTransfer)
		r.Post("/approvals", h.Approve)
		r.Post("/stake", h.Stake)
		r.Post("/unstake", h.Unstake)
		r.Get("/balances/{address}", h.Balance)
		r.Get("/allowances/{owner}/{spender}", h.Allowance)
		r.Get("/contract/balance", h.ContractBalance)
		r.Get("/assessments/{hash}", h.Assessment)
		r.Get("/verify/{receipt_id}", h.Verify)
	})
	return r
}
