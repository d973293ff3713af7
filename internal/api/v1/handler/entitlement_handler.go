package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"vpnaccess/internal/api/v1/dto"
	"vpnaccess/internal/repository"
	"vpnaccess/internal/service"
)

// EntitlementHandler exposes the engine's caller interface over HTTP.
type EntitlementHandler struct {
	svc      service.EntitlementService
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewEntitlementHandler creates a new EntitlementHandler.
func NewEntitlementHandler(svc service.EntitlementService, validate *validator.Validate, logger zerolog.Logger) *EntitlementHandler {
	return &EntitlementHandler{svc: svc, validate: validate, logger: logger}
}

// RegisterRoutes registers the entitlement endpoints.
func (h *EntitlementHandler) RegisterRoutes(mux *http.ServeMux, adminMiddleware func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /api/v1/plans", h.Plans)
	mux.HandleFunc("POST /api/v1/entitlements/grant", h.Grant)
	mux.HandleFunc("POST /api/v1/promos/redeem", h.Redeem)
	mux.HandleFunc("POST /api/v1/entitlements/cancel", h.Cancel)
	mux.HandleFunc("GET /api/v1/entitlements/status", h.Status)
	mux.Handle("POST /api/v1/admin/entitlements/revoke", adminMiddleware(http.HandlerFunc(h.Revoke)))
}

// Plans lists the purchasable plan catalog.
func (h *EntitlementHandler) Plans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, service.Plans(), h.logger)
}

// Grant records a paid grant and ensures provisioning. When provisioning
// fails the grant is still durable; the response says access is pending.
func (h *EntitlementHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req dto.GrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := h.svc.GrantPlan(r.Context(), req.PrincipalID, req.Username, req.PlanKey, req.TxRef)
	switch {
	case errors.Is(err, service.ErrUnknownPlan):
		http.Error(w, "unknown plan", http.StatusBadRequest)
		return
	case errors.Is(err, service.ErrProvisioningFailed):
		writeJSON(w, http.StatusAccepted, dto.NewPeriodResponse(period, true), h.logger)
		return
	case err != nil:
		h.logger.Error().Err(err).Int64("principal_id", req.PrincipalID).Msg("grant failed")
		http.Error(w, "failed to record grant", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewPeriodResponse(period, false), h.logger)
}

// Redeem consumes a promo code and grants its duration.
func (h *EntitlementHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req dto.RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := h.svc.RedeemPromo(r.Context(), req.PrincipalID, req.Username, req.Code)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "promo code not found", http.StatusNotFound)
		return
	case errors.Is(err, repository.ErrPromoExhausted):
		http.Error(w, "promo code exhausted", http.StatusConflict)
		return
	case errors.Is(err, service.ErrProvisioningFailed):
		writeJSON(w, http.StatusAccepted, dto.NewPeriodResponse(period, true), h.logger)
		return
	case err != nil:
		h.logger.Error().Err(err).Int64("principal_id", req.PrincipalID).Msg("redeem failed")
		http.Error(w, "failed to redeem promo code", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewPeriodResponse(period, false), h.logger)
}

// Cancel flips the active subscription to canceled. Idempotent.
func (h *EntitlementHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req dto.CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Cancel(r.Context(), req.PrincipalID); err != nil {
		h.logger.Error().Err(err).Int64("principal_id", req.PrincipalID).Msg("cancel failed")
		http.Error(w, "failed to cancel subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status reports the principal's current entitlement.
func (h *EntitlementHandler) Status(w http.ResponseWriter, r *http.Request) {
	principalID, err := strconv.ParseInt(r.URL.Query().Get("principal_id"), 10, 64)
	if err != nil || principalID <= 0 {
		http.Error(w, "invalid principal_id", http.StatusBadRequest)
		return
	}
	status, err := h.svc.CurrentStatus(r.Context(), principalID)
	if err != nil {
		h.logger.Error().Err(err).Int64("principal_id", principalID).Msg("status lookup failed")
		http.Error(w, "failed to fetch status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status, h.logger)
}

// Revoke is the administrative path: cancel plus immediate deprovision.
func (h *EntitlementHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req dto.RevokeRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.svc.Revoke(r.Context(), req.PrincipalID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "identity not found", http.StatusNotFound)
		return
	case errors.Is(err, service.ErrProvisioningFailed):
		http.Error(w, "deprovisioning failed, retry", http.StatusBadGateway)
		return
	case err != nil:
		h.logger.Error().Err(err).Int64("principal_id", req.PrincipalID).Msg("revoke failed")
		http.Error(w, "failed to revoke access", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EntitlementHandler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}
