// Package riskproxy exposes the wallet risk lookups to browser clients. It
// validates addresses, forwards to the risk API with the server-side token,
// and returns shaped entities only.
package riskproxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/davidahmann/truemoneyx/internal/risk"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBulkLimit       = 50
	DefaultBulkConcurrency = 5

	maxBodyBytes = 1 << 20
)

// Upstream is the subset of the risk API the proxy forwards to.
type Upstream interface {
	GetEntity(ctx context.Context, address string) (risk.Entity, error)
	RegisterEntity(ctx context.Context, address string) (risk.Entity, error)
	Analyze(ctx context.Context, address string) (risk.Entity, error)
}

type Handler struct {
	Upstream        Upstream
	BulkLimit       int
	BulkConcurrency int
	Logger          *slog.Logger
}

// Routes returns the proxy router. The gateway mounts it under /api.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/risk/v2/entities/{address}", h.GetEntity)
	r.Post("/risk/v2/entities", h.RegisterEntity)
	r.Post("/wallet/analyze/bulk", h.AnalyzeBulk)
	return r
}

func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !risk.ValidAddress(address) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid Ethereum address format"})
		return
	}
	entity, err := h.Upstream.GetEntity(r.Context(), address)
	if err != nil {
		h.writeUpstreamError(w, "get entity", address, err)
		return
	}
	writeJSON(w, http.StatusOK, risk.Shape(entity))
}

type registerRequest struct {
	Address string `json:"address"`
}

func (h *Handler) RegisterEntity(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if !risk.ValidAddress(req.Address) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid Ethereum address format"})
		return
	}
	entity, err := h.Upstream.RegisterEntity(r.Context(), req.Address)
	if err != nil {
		h.writeUpstreamError(w, "register entity", req.Address, err)
		return
	}
	writeJSON(w, http.StatusOK, risk.Shape(entity))
}

type bulkRequest struct {
	Addresses []string `json:"addresses"`
}

type bulkResponse struct {
	Results []map[string]any `json:"results"`
}

// AnalyzeBulk scores up to BulkLimit addresses with bounded concurrency. A
// failing address yields an error entry and does not affect the others.
func (h *Handler) AnalyzeBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Addresses) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "addresses must be a non-empty array"})
		return
	}
	limit := h.BulkLimit
	if limit <= 0 {
		limit = DefaultBulkLimit
	}
	if len(req.Addresses) > limit {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "too many addresses", "limit": limit})
		return
	}
	for _, address := range req.Addresses {
		if !risk.ValidAddress(address) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid Ethereum address format", "address": address})
			return
		}
	}

	writeJSON(w, http.StatusOK, bulkResponse{Results: h.analyzeAll(r.Context(), req.Addresses)})
}

func (h *Handler) analyzeAll(ctx context.Context, addresses []string) []map[string]any {
	concurrency := h.BulkConcurrency
	if concurrency <= 0 {
		concurrency = DefaultBulkConcurrency
	}

	results := make([]map[string]any, len(addresses))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, address := range addresses {
		g.Go(func() error {
			entity, err := h.Upstream.Analyze(ctx, address)
			if err != nil {
				h.logger().Warn("bulk analyze failed", slog.String("address", address), slog.Any("error", err))
				results[i] = map[string]any{"walletAddress": address, "error": err.Error()}
				return nil
			}
			shaped := risk.Shape(entity)
			if _, ok := shaped["walletAddress"]; !ok {
				shaped["walletAddress"] = address
			}
			results[i] = shaped
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, op, address string, err error) {
	h.logger().Warn("risk api call failed", slog.String("op", op), slog.String("address", address), slog.Any("error", err))

	var upstream *risk.UpstreamError
	if errors.As(err, &upstream) {
		body := map[string]any{"error": "risk api error"}
		if msg, ok := upstream.Body["message"]; ok {
			body["error"] = msg
		}
		writeJSON(w, upstream.StatusCode, body)
		return
	}
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": "risk api unavailable"})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return h.Logger
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
