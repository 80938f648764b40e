package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/registry"
	"github.com/novamd/bridge-server-go/internal/resource"
	"github.com/novamd/bridge-server-go/internal/util"
)

// SessionManager is the slice of the registry the HTTP surface drives.
type SessionManager interface {
	CreateSession(ctx context.Context, req registry.CreateRequest) (*registry.CreateResult, error)
	Get(userID string) (model.SessionInfo, bool)
	Disconnect(ctx context.Context, userID string) error
	Stats() model.SessionStats
}

type HealthReporter interface {
	Report() resource.Report
}

type SessionHandler struct {
	sessions SessionManager
	health   HealthReporter
	events   *EventsHandler
	timeout  time.Duration
}

func NewSessionHandler(sessions SessionManager, health HealthReporter, events *EventsHandler) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		health:   health,
		events:   events,
	}
}

// WithTimeout bounds every route except the event stream.
func (h *SessionHandler) WithTimeout(d time.Duration) *SessionHandler {
	h.timeout = d
	return h
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if h.timeout > 0 {
			r.Use(chimiddleware.Timeout(h.timeout))
		}
		r.Post("/create", h.CreateSession)
		r.Post("/create-with-phone", h.CreateWithPhone)
		r.Get("/user/{userId}", h.GetUserSession)
		r.Delete("/user/{userId}", h.DeleteUserSession)
		r.Get("/health", h.Health)
	})
	if h.events != nil {
		r.Get("/user/{userId}/events", h.events.ServeHTTP)
	}

	return r
}

type createSessionRequest struct {
	UserID   string                 `json:"userId"`
	UserData model.UserData         `json:"userData"`
	Method   model.ConnectionMethod `json:"method"`
	Phone    string                 `json:"phoneNumber"`
}

// POST /api/sessions/create
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, "decode create session")
		return
	}
	if !util.IsValidEnum(string(req.Method), connectionMethods) {
		writeError(w, apperrors.InvalidInput("method", "must be qr or pairing"), "create session")
		return
	}
	if req.Method == "" {
		req.Method = model.ConnectionMethodQR
	}
	h.create(w, r, req)
}

var connectionMethods = []string{string(model.ConnectionMethodQR), string(model.ConnectionMethodPairing)}

// POST /api/sessions/create-with-phone
func (h *SessionHandler) CreateWithPhone(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, "decode create session")
		return
	}
	if req.Phone == "" {
		writeError(w, apperrors.MissingRequired("phoneNumber"), "create session with phone")
		return
	}
	if _, ok := util.NormalizePhone(req.Phone); !ok {
		writeError(w, apperrors.InvalidInput("phoneNumber", "use international format with country code"), "create session with phone")
		return
	}
	req.Method = model.ConnectionMethodPairing
	h.create(w, r, req)
}

func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request, req createSessionRequest) {
	if req.UserID == "" {
		writeError(w, apperrors.MissingRequired("userId"), "create session")
		return
	}

	result, err := h.sessions.CreateSession(r.Context(), registry.CreateRequest{
		UserID:   req.UserID,
		UserData: req.UserData,
		Method:   req.Method,
		Phone:    req.Phone,
	})
	if err != nil {
		writeError(w, err, "failed to create session")
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"success": true,
		"session": result,
	})
}

// GET /api/sessions/user/{userId}
func (h *SessionHandler) GetUserSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	info, ok := h.sessions.Get(userID)
	if !ok {
		writeError(w, apperrors.NotFound("Session"), "get session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": info,
	})
}

// DELETE /api/sessions/user/{userId}
func (h *SessionHandler) DeleteUserSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	if err := h.sessions.Disconnect(r.Context(), userID); err != nil {
		writeError(w, err, "failed to disconnect session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GET /api/sessions/health
func (h *SessionHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"sessions":  h.sessions.Stats(),
		"timestamp": time.Now().UnixMilli(),
	}
	if h.health != nil {
		report := h.health.Report()
		resp["resources"] = report
		if report.Status == resource.StatusCritical {
			resp["status"] = string(report.Status)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
