package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/audit"
	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/notifier"
	"github.com/novamd/bridge-server-go/internal/util"
)

const DefaultSignatureMaxSkew = 5 * time.Minute

// BridgeSignatureMiddleware verifies callbacks from the chat bridge. The
// signature covers "<timestamp>.<body>" the same way outgoing webhooks do.
type BridgeSignatureMiddleware struct {
	secret  string
	maxSkew time.Duration
	now     func() time.Time
}

func NewBridgeSignatureMiddleware(secret string) *BridgeSignatureMiddleware {
	return &BridgeSignatureMiddleware{
		secret:  secret,
		maxSkew: DefaultSignatureMaxSkew,
		now:     time.Now,
	}
}

func (m *BridgeSignatureMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.secret == "" {
			log.Warn().Msg("bridge signature verification bypassed: BRIDGE_SIGNATURE_SECRET is not configured")
			next.ServeHTTP(w, r)
			return
		}

		signature := r.Header.Get(notifier.SignatureHeader)
		if signature == "" {
			m.reject(w, r, "missing signature")
			return
		}

		ts, err := strconv.ParseInt(r.Header.Get(notifier.TimestampHeader), 10, 64)
		if err != nil {
			m.reject(w, r, "missing timestamp")
			return
		}
		skew := m.now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > m.maxSkew {
			m.reject(w, r, "stale timestamp")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error().Err(err).Msg("bridge signature middleware: failed to read body")
			writeError(w, apperrors.ValidationError("Failed to read request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !util.ConstantTimeEqual(notifier.Sign(m.secret, ts, body), signature) {
			m.reject(w, r, "invalid signature")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *BridgeSignatureMiddleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	log.Warn().Str("reason", reason).Str("path", r.URL.Path).Msg("bridge signature middleware: rejected")
	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventSignatureReject,
		Details: map[string]interface{}{"reason": reason},
	})
	writeError(w, apperrors.Unauthorized("Invalid signature"))
}
