package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/notifier"
	"github.com/novamd/bridge-server-go/internal/util"
)

// NotifyHandler lets the chat bridge push a message, QR or pairing code to a
// user through the operator notifier. Routes sit behind the bridge signature
// middleware.
type NotifyHandler struct {
	notifier notifier.Notifier
}

func NewNotifyHandler(n notifier.Notifier) *NotifyHandler {
	return &NotifyHandler{notifier: n}
}

func (h *NotifyHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/message", h.Message)
	r.Post("/qr", h.QRCode)
	r.Post("/pairing-code", h.PairingCode)

	return r
}

type notifyRequest struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
	Code   string `json:"code"`

	SessionID   string `json:"sessionId"`
	PhoneNumber string `json:"phoneNumber"`
}

func (h *NotifyHandler) decode(w http.ResponseWriter, r *http.Request, field string) (notifyRequest, bool) {
	var req notifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, "decode notify")
		return req, false
	}
	if !util.IsValidUserID(req.UserID) {
		writeError(w, apperrors.InvalidInput("userId", "unsupported characters or length"), "notify")
		return req, false
	}
	value := req.Code
	if field == "text" {
		value = req.Text
	}
	if value == "" {
		writeError(w, apperrors.MissingRequired(field), "notify")
		return req, false
	}
	return req, true
}

func writeDelivered(w http.ResponseWriter, delivered bool) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "delivered": delivered})
}

// POST /api/notify/message
func (h *NotifyHandler) Message(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, "text")
	if !ok {
		return
	}
	writeDelivered(w, h.notifier.SendMessage(r.Context(), req.UserID, req.Text))
}

// POST /api/notify/qr
func (h *NotifyHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, "code")
	if !ok {
		return
	}
	writeDelivered(w, h.notifier.SendQRCode(r.Context(), req.UserID, req.Code, req.SessionID))
}

// POST /api/notify/pairing-code
func (h *NotifyHandler) PairingCode(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, "code")
	if !ok {
		return
	}
	writeDelivered(w, h.notifier.SendPairingCode(r.Context(), req.UserID, req.Code, req.PhoneNumber))
}
