package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/repository"
	"github.com/novamd/bridge-server-go/internal/util"
)

type ActiveLister interface {
	ListActive(ctx context.Context) ([]model.Subscription, error)
}

// PreferenceStore is the per-user command settings store.
type PreferenceStore interface {
	Get(ctx context.Context, userID string) model.UserPreference
	SetSilent(ctx context.Context, userID string, on bool) model.UserPreference
	SetPrivate(ctx context.Context, userID string, on bool) model.UserPreference
	Allow(ctx context.Context, userID, id string) model.UserPreference
	Deny(ctx context.Context, userID, id string) model.UserPreference
}

type UserHandler struct {
	users  repository.UserRepository
	active ActiveLister
	prefs  PreferenceStore
}

func NewUserHandler(users repository.UserRepository, active ActiveLister, prefs PreferenceStore) *UserHandler {
	return &UserHandler{
		users:  users,
		active: active,
		prefs:  prefs,
	}
}

func (h *UserHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/register", h.Register)
	r.Get("/active", h.ListActive)
	r.Get("/{userId}/settings", h.GetSettings)
	r.Post("/{userId}/settings", h.UpdateSettings)

	return r
}

// POST /api/users/register
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string  `json:"userId"`
		Name     string  `json:"name"`
		Username *string `json:"username"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, "decode register user")
		return
	}
	if !util.IsValidUserID(req.UserID) {
		writeError(w, apperrors.InvalidInput("userId", "unsupported characters or length"), "register user")
		return
	}

	user, err := h.users.Register(r.Context(), model.RegisterUserParams{
		UserID:   req.UserID,
		Name:     strings.TrimSpace(req.Name),
		Username: req.Username,
	})
	if err != nil {
		writeError(w, apperrors.Database(err), "failed to register user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
	})
}

// GET /api/users/active
func (h *UserHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	subs, err := h.active.ListActive(r.Context())
	if err != nil {
		writeError(w, err, "failed to list active users")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": paginate(subs, parsePage(r)),
		"total": len(subs),
	})
}

// GET /api/users/{userId}/settings
func (h *UserHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !util.IsValidUserID(userID) {
		writeError(w, apperrors.InvalidInput("userId", "unsupported characters or length"), "get settings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"settings": h.prefs.Get(r.Context(), userID),
	})
}

// POST /api/users/{userId}/settings
func (h *UserHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !util.IsValidUserID(userID) {
		writeError(w, apperrors.InvalidInput("userId", "unsupported characters or length"), "update settings")
		return
	}

	var req struct {
		SilentMode  *bool    `json:"silentMode"`
		PrivateMode *bool    `json:"privateMode"`
		Allow       []string `json:"allow"`
		Deny        []string `json:"deny"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, "decode settings")
		return
	}

	allow, err := normalizeAllowIDs(req.Allow)
	if err != nil {
		writeError(w, err, "update settings")
		return
	}
	deny, err := normalizeAllowIDs(req.Deny)
	if err != nil {
		writeError(w, err, "update settings")
		return
	}

	ctx := r.Context()
	if req.SilentMode != nil {
		h.prefs.SetSilent(ctx, userID, *req.SilentMode)
	}
	if req.PrivateMode != nil {
		h.prefs.SetPrivate(ctx, userID, *req.PrivateMode)
	}
	for _, id := range allow {
		h.prefs.Allow(ctx, userID, id)
	}
	for _, id := range deny {
		h.prefs.Deny(ctx, userID, id)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"settings": h.prefs.Get(ctx, userID),
	})
}

// normalizeAllowIDs reduces entries to bare phone digits, keeping the "all" wildcard.
func normalizeAllowIDs(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if id == model.AllowAll {
			out = append(out, id)
			continue
		}
		digits, ok := util.NormalizePhone(id)
		if !ok {
			return nil, apperrors.InvalidInput("allow", "entries must be phone numbers or \"all\"")
		}
		out = append(out, digits)
	}
	return out, nil
}
