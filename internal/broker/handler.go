package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pgveil/pgveil/internal/oidc"
	"github.com/pgveil/pgveil/internal/platform/httpx"
	"github.com/pgveil/pgveil/internal/policy"
)

// Handler exposes the token exchange and policy check endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers broker routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/connection", h.handleConnection)
	r.Post("/permissionapply", h.handlePermissionApply)
}

type connectionRequest struct {
	AccessToken  string `json:"access_token" validate:"required"`
	RefreshToken string `json:"refresh_token"`
}

type connectionResponse struct {
	Username string `json:"username"`
}

func (h *Handler) handleConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}

	session, _, err := h.service.Exchange(r.Context(), req.AccessToken, req.RefreshToken)
	if err != nil {
		h.respondExchangeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, connectionResponse{Username: session.Role})
}

type permissionApplyRequest struct {
	Username string `json:"username" validate:"required"`
	SQL      string `json:"sql" validate:"required"`
}

type permissionApplyResponse struct {
	Decision string `json:"decision"`
	SQL      string `json:"sql,omitempty"`
	Filter   string `json:"filter,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (h *Handler) handlePermissionApply(w http.ResponseWriter, r *http.Request) {
	var req permissionApplyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}

	decision, err := h.service.Apply(r.Context(), req.Username, req.SQL)
	if err != nil {
		if errors.Is(err, ErrUnknownRole) {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrUnknownRole, req.Username))
			return
		}
		h.logger.Error("policy check failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	resp := permissionApplyResponse{
		Decision: string(decision.Outcome),
		Reason:   decision.Reason,
	}
	if decision.Outcome != policy.OutcomeDeny {
		resp.SQL = decision.SQL
		resp.Filter = decision.Filter
	}
	httpx.JSON(w, http.StatusOK, resp)
}

// respondExchangeError maps token exchange failures onto the HTTP error
// taxonomy. Every credential problem is a 401; only infrastructure faults
// surface as 500.
func (h *Handler) respondExchangeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, oidc.ErrExpiredToken),
		errors.Is(err, oidc.ErrInvalidIssuer),
		errors.Is(err, oidc.ErrInvalidToken),
		errors.Is(err, oidc.ErrRefreshDenied):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnauthenticated, err))
	default:
		h.logger.Error("token exchange failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
