package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/util"
)

const (
	webhookTimeout  = 5 * time.Second
	SignatureHeader = "X-Bridge-Signature"
	TimestampHeader = "X-Bridge-Timestamp"
)

type webhookPayload struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Text   string `json:"text,omitempty"`
	Code   string `json:"code,omitempty"`

	SessionID   string `json:"sessionId,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Webhook posts notifications to the remote chat bridge as signed JSON.
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

func (w *Webhook) SendMessage(ctx context.Context, userID, text string) bool {
	return w.post(ctx, webhookPayload{Type: "message", UserID: userID, Text: text})
}

func (w *Webhook) SendQRCode(ctx context.Context, userID, code, sessionID string) bool {
	return w.post(ctx, webhookPayload{Type: "qr", UserID: userID, Code: code, SessionID: sessionID})
}

func (w *Webhook) SendPairingCode(ctx context.Context, userID, code, phone string) bool {
	return w.post(ctx, webhookPayload{Type: "pairing_code", UserID: userID, Code: code, PhoneNumber: phone})
}

// Sign computes the signature header value for body at timestamp ts.
func Sign(secret string, ts int64, body []byte) string {
	return util.HmacSHA256(secret, strconv.FormatInt(ts, 10)+"."+string(body))
}

func (w *Webhook) post(ctx context.Context, payload webhookPayload) bool {
	if w.url == "" {
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("marshal webhook payload")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("create webhook request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		ts := time.Now().Unix()
		req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
		req.Header.Set(SignatureHeader, Sign(w.secret, ts, body))
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		log.Error().
			Err(err).
			Str("userId", payload.UserID).
			Str("type", payload.Type).
			Dur("elapsed", elapsed).
			Msg("bridge webhook error")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().
			Err(fmt.Errorf("status %d", resp.StatusCode)).
			Str("userId", payload.UserID).
			Str("type", payload.Type).
			Dur("elapsed", elapsed).
			Msg("bridge webhook rejected")
		return false
	}

	log.Debug().
		Str("userId", payload.UserID).
		Str("type", payload.Type).
		Dur("elapsed", elapsed).
		Msg("bridge webhook delivered")
	return true
}
