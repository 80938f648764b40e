package registry

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/audit"
	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/sse"
)

// SweepResult counts the changes made by CleanupSweep.
type SweepResult struct {
	Expired    int `json:"expired"`
	Upgraded   int `json:"upgraded"`
	Downgraded int `json:"downgraded"`
}

// ActivitySweep disconnects connected trial sessions idle longer than the idle timeout.
func (r *Registry) ActivitySweep(ctx context.Context) int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	now := r.now()

	var idle []*Session
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.SubscriptionActive || s.Status != model.SessionStatusConnected {
			continue
		}
		if now.Sub(s.LastActivityAt) <= r.opts.IdleTimeout {
			continue
		}
		delete(r.sessions, id)
		if r.byUser[s.UserID] == id {
			delete(r.byUser, s.UserID)
		}
		idle = append(idle, s)
	}
	r.mu.Unlock()

	for _, s := range idle {
		r.closeSocket(s, false)
		removeAuthDir(s)
		if err := r.repo.Delete(ctx, s.ID); err != nil {
			log.Warn().Err(err).Str("sessionId", s.ID).Msg("failed to delete idle session")
		}
		r.notifier.SendMessage(ctx, s.UserID, fmt.Sprintf("💤 Your trial session was disconnected after %d minutes without activity.", int(r.opts.IdleTimeout.Minutes())))
		r.publish(ctx, s.UserID, sse.EventClosed, map[string]string{"sessionId": s.ID, "reason": "idle"})
		log.Info().Str("userId", s.UserID).Str("sessionId", s.ID).Msg("idle trial session disconnected")
	}
	return len(idle)
}

// CleanupSweep re-syncs every session's persistence against the access gate
// and expires trial sessions that outlived their window.
func (r *Registry) CleanupSweep(ctx context.Context) SweepResult {
	var result SweepResult
	now := r.now()

	r.mu.Lock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	for _, s := range candidates {
		access := r.gate.CheckAccess(ctx, s.UserID)

		r.mu.Lock()
		if r.sessions[s.ID] != s {
			r.mu.Unlock()
			continue
		}
		wasPersistent := s.SubscriptionActive
		connected := s.Status == model.SessionStatusConnected

		switch {
		case access.Persistent && !wasPersistent:
			s.SubscriptionActive = true
			r.mu.Unlock()
			r.setPersistent(ctx, s.ID, true)
			result.Upgraded++
			if connected {
				r.notifier.SendMessage(ctx, s.UserID, "⭐ Your subscription is active. This session now stays connected across restarts.")
			}
			continue

		case !access.Persistent && wasPersistent:
			s.SubscriptionActive = false
			r.mu.Unlock()
			r.setPersistent(ctx, s.ID, false)
			result.Downgraded++
			r.notifier.SendMessage(ctx, s.UserID, "⌛ Your subscription has ended. The session continues as a trial session until it expires.")
			continue

		case wasPersistent:
			r.mu.Unlock()
			continue
		}

		expired := !access.HasAccess || (r.opts.TrialMaxAge > 0 && now.Sub(s.CreatedAt) > r.opts.TrialMaxAge)
		if !expired {
			r.mu.Unlock()
			continue
		}
		delete(r.sessions, s.ID)
		if r.byUser[s.UserID] == s.ID {
			delete(r.byUser, s.UserID)
		}
		s.Status = model.SessionStatusExpired
		r.mu.Unlock()

		r.pairer.Cancel(s.UserID)
		r.closeSocket(s, false)
		removeAuthDir(s)
		if err := r.repo.UpdateStatus(ctx, s.ID, model.SessionStatusExpired); err != nil {
			log.Warn().Err(err).Str("sessionId", s.ID).Msg("failed to expire session")
		}
		result.Expired++
		r.notifier.SendMessage(ctx, s.UserID, "⌛ Your trial session has expired. Redeem an access code to keep your session connected.")
		r.publish(ctx, s.UserID, sse.EventClosed, map[string]string{"sessionId": s.ID, "reason": "expired"})
	}

	if result != (SweepResult{}) {
		log.Info().
			Int("expired", result.Expired).
			Int("upgraded", result.Upgraded).
			Int("downgraded", result.Downgraded).
			Msg("session cleanup finished")
	}
	r.refreshMetrics()
	return result
}

func (r *Registry) setPersistent(ctx context.Context, id string, active bool) {
	if err := r.repo.SetSubscriptionActive(ctx, id, active); err != nil {
		log.Warn().Err(err).Str("sessionId", id).Msg("failed to update session persistence")
	}
}

// Disconnect logs the user's device out and removes every trace of the session.
func (r *Registry) Disconnect(ctx context.Context, userID string) error {
	cancelled := r.pairer.Cancel(userID)

	r.mu.Lock()
	s := r.detachUserLocked(userID)
	r.mu.Unlock()

	if s == nil {
		if cancelled {
			return nil
		}
		return apperrors.NotFound("Session")
	}

	if s.sock != nil && s.Status == model.SessionStatusConnected {
		if err := s.sock.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("sessionId", s.ID).Msg("failed to log device out")
		}
	}
	r.closeSocket(s, false)
	removeAuthDir(s)
	if err := r.repo.Delete(ctx, s.ID); err != nil {
		log.Warn().Err(err).Str("sessionId", s.ID).Msg("failed to delete session")
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionDelete,
		UserID:    userID,
		SessionID: s.ID,
	})
	r.publish(ctx, userID, sse.EventClosed, map[string]string{"sessionId": s.ID, "reason": "disconnected"})
	log.Info().Str("userId", userID).Str("sessionId", s.ID).Msg("session disconnected")
	return nil
}

// Snapshot lists live sessions, oldest first.
func (r *Registry) Snapshot() []model.SessionInfo {
	r.mu.Lock()
	out := make([]model.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Get(userID string) (model.SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[r.byUser[userID]]
	if !ok {
		return model.SessionInfo{}, false
	}
	return s.info(), true
}

func (r *Registry) Stats() model.SessionStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st model.SessionStats
	for _, s := range r.sessions {
		st.Total++
		switch s.Status {
		case model.SessionStatusConnected:
			st.Connected++
		case model.SessionStatusReconnecting:
			st.Reconnecting++
		case model.SessionStatusConnecting, model.SessionStatusQRGenerated, model.SessionStatusPairingRequested:
			st.Connecting++
		}
		if s.SubscriptionActive {
			st.PersistentSessions++
		} else {
			st.TrialSessions++
		}
	}
	return st
}

// RestoreSessions resumes persisted paid sessions after a restart.
func (r *Registry) RestoreSessions(ctx context.Context) (int, error) {
	records, err := r.repo.FindRestorable(ctx)
	if err != nil {
		return 0, apperrors.Database(err)
	}

	restored := 0
	for _, rec := range records {
		access := r.gate.CheckAccess(ctx, rec.UserID)
		if !access.Persistent {
			if err := r.repo.SetSubscriptionActive(ctx, rec.SessionID, false); err != nil {
				log.Warn().Err(err).Str("sessionId", rec.SessionID).Msg("failed to downgrade stored session")
			}
			continue
		}
		if _, err := os.Stat(rec.AuthDir); rec.AuthDir == "" || err != nil {
			log.Warn().Str("sessionId", rec.SessionID).Msg("stored session has no credentials, dropping")
			if err := r.repo.Delete(ctx, rec.SessionID); err != nil {
				log.Warn().Err(err).Str("sessionId", rec.SessionID).Msg("failed to delete stored session")
			}
			continue
		}

		if _, err := r.start(ctx, startParams{
			UserID:     rec.UserID,
			UserData:   model.UserData{},
			Method:     rec.ConnectionMethod,
			ResumeFrom: rec.AuthDir,
			Access:     access,
		}); err != nil {
			log.Warn().Err(err).Str("userId", rec.UserID).Str("sessionId", rec.SessionID).Msg("failed to restore session")
			continue
		}
		restored++
	}

	log.Info().Int("restored", restored).Int("stored", len(records)).Msg("session restore finished")
	return restored, nil
}

// Close ends every socket without logging devices out, leaving them restorable.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
		r.timers.Cancel(reconnectKey(s.UserID))
	}
	r.mu.Unlock()

	for _, s := range all {
		r.pairer.Cancel(s.UserID)
		r.closeSocket(s, true)
	}
	log.Info().Int("sessions", len(all)).Msg("registry closed")
}
