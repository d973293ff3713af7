package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"vpnaccess/internal/api/v1/dto"
	"vpnaccess/internal/repository"
	"vpnaccess/internal/service"
)

// PromoHandler exposes the administrative promo-code operations.
type PromoHandler struct {
	svc      service.PromoService
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewPromoHandler creates a new PromoHandler.
func NewPromoHandler(svc service.PromoService, validate *validator.Validate, logger zerolog.Logger) *PromoHandler {
	return &PromoHandler{svc: svc, validate: validate, logger: logger}
}

// RegisterRoutes registers the promo admin endpoints behind the admin middleware.
func (h *PromoHandler) RegisterRoutes(mux *http.ServeMux, adminMiddleware func(http.Handler) http.Handler) {
	mux.Handle("POST /api/v1/admin/promos", adminMiddleware(http.HandlerFunc(h.Add)))
	mux.Handle("DELETE /api/v1/admin/promos/{code}", adminMiddleware(http.HandlerFunc(h.Remove)))
	mux.Handle("GET /api/v1/admin/promos/{code}", adminMiddleware(http.HandlerFunc(h.Info)))
}

// Add creates a promo code. Duplicate codes fail loudly.
func (h *PromoHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req dto.AddPromoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.MaxUses == 0 {
		req.MaxUses = 1
	}
	promo, err := h.svc.AddPromo(r.Context(), req.Code, req.DurationDays, req.MaxUses, req.Note)
	switch {
	case errors.Is(err, service.ErrInvalidPromo):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, repository.ErrDuplicatePromo):
		http.Error(w, "promo code already exists", http.StatusConflict)
		return
	case err != nil:
		h.logger.Error().Err(err).Str("code", req.Code).Msg("add promo failed")
		http.Error(w, "failed to create promo code", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, dto.NewPromoResponse(promo), h.logger)
}

// Remove deletes a promo code.
func (h *PromoHandler) Remove(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	err := h.svc.RemovePromo(r.Context(), code)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "promo code not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error().Err(err).Str("code", code).Msg("remove promo failed")
		http.Error(w, "failed to remove promo code", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Info returns the ledger state of a code.
func (h *PromoHandler) Info(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	promo, err := h.svc.PromoInfo(r.Context(), code)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "promo code not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error().Err(err).Str("code", code).Msg("promo info failed")
		http.Error(w, "failed to fetch promo code", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewPromoResponse(promo), h.logger)
}
