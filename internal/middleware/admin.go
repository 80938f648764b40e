package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/audit"
	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/util"
)

const AdminActorContextKey contextKey = "adminActor"

// AdminActorHeader optionally names the operator behind an admin request.
const AdminActorHeader = "X-Admin-Id"

const defaultAdminActor = "admin-api"

func GetAdminActor(ctx context.Context) string {
	if actor, ok := ctx.Value(AdminActorContextKey).(string); ok {
		return actor
	}
	return ""
}

// AdminAuthMiddleware guards operator endpoints with a bearer token checked
// against a bcrypt hash. An empty hash disables the admin surface entirely.
type AdminAuthMiddleware struct {
	tokenHash string

	mu       sync.Mutex
	verified string
}

func NewAdminAuthMiddleware(tokenHash string) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{tokenHash: tokenHash}
}

func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.tokenHash == "" {
			writeError(w, apperrors.Forbidden("Admin API is disabled"))
			return
		}

		token := extractBearer(r)
		if token == "" {
			writeError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		if !m.check(token) {
			log.Warn().Str("ip", audit.ClientIP(r)).Msg("admin auth: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			writeError(w, apperrors.InvalidToken("Invalid token"))
			return
		}

		actor := strings.TrimSpace(r.Header.Get(AdminActorHeader))
		if actor == "" {
			actor = defaultAdminActor
		}
		ctx := context.WithValue(r.Context(), AdminActorContextKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// check compares against bcrypt once per distinct token and remembers the
// sha256 of the last accepted one.
func (m *AdminAuthMiddleware) check(token string) bool {
	digest := util.HashToken(token)

	m.mu.Lock()
	cached := m.verified
	m.mu.Unlock()
	if cached != "" && util.ConstantTimeEqual(cached, digest) {
		return true
	}

	if !util.CheckSecretHash(token, m.tokenHash) {
		return false
	}

	m.mu.Lock()
	m.verified = digest
	m.mu.Unlock()
	return true
}

func extractBearer(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}
