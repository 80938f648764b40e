package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/util"
)

type AccessGate interface {
	RedeemCode(ctx context.Context, code, userID string) (*model.Subscription, error)
	CheckAccess(ctx context.Context, userID string) model.AccessStatus
}

type AuthHandler struct {
	access AccessGate
}

func NewAuthHandler(access AccessGate) *AuthHandler {
	return &AuthHandler{access: access}
}

// Routes mounts the access endpoints. redeemLimit wraps only code redemption.
func (h *AuthHandler) Routes(redeemLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	if redeemLimit != nil {
		r.With(redeemLimit).Post("/validate-code", h.ValidateCode)
	} else {
		r.Post("/validate-code", h.ValidateCode)
	}
	r.Get("/access/{userId}", h.GetAccess)

	return r
}

// POST /api/auth/validate-code
func (h *AuthHandler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code   string `json:"code"`
		UserID string `json:"userId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, "decode validate code")
		return
	}
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	if req.Code == "" {
		writeError(w, apperrors.MissingRequired("code"), "validate code")
		return
	}
	if !util.IsValidUserID(req.UserID) {
		writeError(w, apperrors.InvalidInput("userId", "unsupported characters or length"), "validate code")
		return
	}

	sub, err := h.access.RedeemCode(r.Context(), req.Code, req.UserID)
	if err != nil {
		writeError(w, err, "failed to redeem code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"subscription": sub,
		"access":       h.access.CheckAccess(r.Context(), req.UserID),
	})
}

// GET /api/auth/access/{userId}
func (h *AuthHandler) GetAccess(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !util.IsValidUserID(userID) {
		writeError(w, apperrors.InvalidInput("userId", "unsupported characters or length"), "get access")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"access":  h.access.CheckAccess(r.Context(), userID),
	})
}
