package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/middleware"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/resource"
	"github.com/novamd/bridge-server-go/internal/update"
)

type CodeIssuer interface {
	IssueCode(ctx context.Context, plan model.Plan, durationDays int, issuer string) (*model.AccessCode, error)
	Cancel(ctx context.Context, userID, actor string) error
	Stats(ctx context.Context) (model.AccessStats, error)
}

type Updater interface {
	PerformUpdate(ctx context.Context, force bool) (*update.Result, error)
	Trigger(force bool) error
	Status() update.Status
}

type SessionCounter interface {
	Stats() model.SessionStats
}

type UserCounter interface {
	Count(ctx context.Context) (int, error)
}

type CommandCatalog interface {
	Info() map[string][]model.CommandInfo
	Len() int
}

// AdminHandler serves the operator endpoints. Routes are mounted behind the
// admin bearer-token middleware.
type AdminHandler struct {
	access    CodeIssuer
	sessions  SessionCounter
	users     UserCounter
	resources HealthReporter
	updater   Updater
	commands  CommandCatalog
	version   string
	startedAt time.Time
}

type AdminDeps struct {
	Access    CodeIssuer
	Sessions  SessionCounter
	Users     UserCounter
	Resources HealthReporter
	Updater   Updater
	Commands  CommandCatalog
	Version   string
}

func NewAdminHandler(deps AdminDeps) *AdminHandler {
	return &AdminHandler{
		access:    deps.Access,
		sessions:  deps.Sessions,
		users:     deps.Users,
		resources: deps.Resources,
		updater:   deps.Updater,
		commands:  deps.Commands,
		version:   deps.Version,
		startedAt: time.Now(),
	}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/generate-code", h.GenerateCode)
	r.Get("/stats", h.Stats)
	r.Post("/update", h.Update)
	r.Get("/update", h.UpdateStatus)
	r.Post("/subscriptions/{userId}/cancel", h.CancelSubscription)

	return r
}

// POST /api/admin/generate-code
func (h *AdminHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan         string `json:"plan"`
		DurationDays int    `json:"durationDays"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, "decode generate code")
		return
	}

	plan, ok := model.ParsePlan(req.Plan)
	if !ok {
		writeError(w, apperrors.InvalidInput("plan", "unknown plan"), "generate code")
		return
	}

	code, err := h.access.IssueCode(r.Context(), plan, req.DurationDays, middleware.GetAdminActor(r.Context()))
	if err != nil {
		writeError(w, err, "failed to generate code")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"code":    code,
	})
}

// GET /api/admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	access, err := h.access.Stats(r.Context())
	if err != nil {
		writeError(w, err, "failed to get stats")
		return
	}

	resp := map[string]any{
		"success":  true,
		"access":   access,
		"sessions": h.sessions.Stats(),
		"uptime":   int64(time.Since(h.startedAt).Seconds()),
		"version":  h.version,
	}
	if h.users != nil {
		if total, err := h.users.Count(r.Context()); err == nil {
			resp["totalUsers"] = total
		}
	}
	if h.resources != nil {
		resp["resources"] = h.resources.Report()
	}
	if h.commands != nil {
		resp["customCommands"] = h.commands.Len()
	}
	if h.updater != nil {
		resp["update"] = h.updater.Status()
	}

	writeJSON(w, http.StatusOK, resp)
}

// POST /api/admin/update
//
// {"async": true} starts the update in the background and returns 202.
func (h *AdminHandler) Update(w http.ResponseWriter, r *http.Request) {
	if h.updater == nil {
		writeError(w, apperrors.Forbidden("Updates are not configured"), "update")
		return
	}

	var req struct {
		Force bool `json:"force"`
		Async bool `json:"async"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err, "decode update")
		return
	}

	if req.Async {
		if err := h.updater.Trigger(req.Force); err != nil {
			writeError(w, err, "failed to start update")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "started": true})
		return
	}

	result, err := h.updater.PerformUpdate(r.Context(), req.Force)
	if err != nil {
		writeError(w, err, "update failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
}

// GET /api/admin/update
func (h *AdminHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	if h.updater == nil {
		writeError(w, apperrors.Forbidden("Updates are not configured"), "update status")
		return
	}
	writeJSON(w, http.StatusOK, h.updater.Status())
}

// POST /api/admin/subscriptions/{userId}/cancel
func (h *AdminHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	if err := h.access.Cancel(r.Context(), userID, middleware.GetAdminActor(r.Context())); err != nil {
		writeError(w, err, "failed to cancel subscription")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GET /api/commands/info
func (h *AdminHandler) CommandsInfo(w http.ResponseWriter, r *http.Request) {
	if h.commands == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "total": 0, "categories": map[string]any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"total":      h.commands.Len(),
		"categories": h.commands.Info(),
	})
}

var _ HealthReporter = (*resource.Monitor)(nil)
