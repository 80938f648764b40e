package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/audit"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/pairing"
	"github.com/novamd/bridge-server-go/internal/socket"
	"github.com/novamd/bridge-server-go/internal/sse"
)

// activityPersistInterval bounds how often message activity is written through.
const activityPersistInterval = time.Minute

func (r *Registry) handleEvent(id string, evt socket.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("sessionId", id).Str("event", socket.Name(evt)).Msg("session event handler panicked")
		}
	}()

	switch e := evt.(type) {
	case socket.ConnectionUpdate:
		switch e.Connection {
		case socket.Closed:
			r.onClose(id, e)
		case socket.Open:
			r.onReopen(id)
		}
	case socket.CredentialsUpdate:
		r.onCredentials(id)
	case socket.MessagesUpsert:
		for _, msg := range e.Messages {
			r.onMessage(id, msg)
		}
	case socket.ContactsUpdate:
		log.Debug().Str("sessionId", id).Int("count", len(e.IDs)).Msg("contacts updated")
	case socket.GroupsUpdate:
		log.Debug().Str("sessionId", id).Int("count", len(e.IDs)).Msg("groups updated")
	}
}

func (r *Registry) onReopen(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Status == model.SessionStatusConnected {
		r.mu.Unlock()
		return
	}
	s.Status = model.SessionStatusConnected
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.repo.UpdateStatus(ctx, id, model.SessionStatusConnected); err != nil {
		log.Warn().Err(err).Str("sessionId", id).Msg("failed to update session status")
	}
}

func (r *Registry) onCredentials(id string) {
	r.mu.Lock()
	var paired *pairing.Paired
	if s, ok := r.sessions[id]; ok {
		paired = s.paired
	}
	r.mu.Unlock()
	if paired == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := paired.SaveCredentials(ctx); err != nil {
		log.Warn().Err(err).Str("sessionId", id).Msg("failed to save credentials")
	}
}

// onClose applies the close policy: logged-out devices are deleted, paid
// sessions get one delayed reconnect and trial sessions are removed.
func (r *Registry) onClose(id string, upd socket.ConnectionUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.sock == nil {
		r.mu.Unlock()
		return
	}

	if !upd.Reason.IsTerminal() && s.SubscriptionActive {
		s.Status = model.SessionStatusReconnecting
		rec := s.record()
		r.mu.Unlock()

		r.closeSocket(s, true)
		if err := r.repo.UpdateStatus(ctx, id, model.SessionStatusReconnecting); err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("failed to update session status")
		}
		r.timers.Schedule(reconnectKey(s.UserID), r.opts.ReconnectDelay, func() {
			r.reconnect(s)
		})
		r.metrics.ReconnectFinished("scheduled")
		r.publish(ctx, s.UserID, sse.EventStatus, rec)

		log.Info().
			Str("userId", s.UserID).
			Str("sessionId", id).
			Str("reason", upd.Reason.String()).
			Dur("delay", r.opts.ReconnectDelay).
			Msg("reconnect scheduled")
		return
	}

	delete(r.sessions, id)
	if r.byUser[s.UserID] == id {
		delete(r.byUser, s.UserID)
	}
	r.mu.Unlock()

	r.closeSocket(s, false)
	removeAuthDir(s)
	if err := r.repo.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("sessionId", id).Msg("failed to delete session")
	}

	if upd.Reason.IsTerminal() {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventDeviceLoggedOut,
			UserID:    s.UserID,
			SessionID: id,
			Details:   map[string]interface{}{"reason": upd.Reason.String()},
		})
		r.notifier.SendMessage(ctx, s.UserID, "⚠️ Your WhatsApp device was logged out. Connect again to link it.")
	} else {
		r.notifier.SendMessage(ctx, s.UserID, "🔌 Your trial session was disconnected. Connect again or redeem an access code for an always-on session.")
	}

	r.publish(ctx, s.UserID, sse.EventClosed, map[string]string{
		"sessionId": id,
		"reason":    upd.Reason.String(),
	})
	log.Info().Str("userId", s.UserID).Str("sessionId", id).Str("reason", upd.Reason.String()).Msg("session closed")
}

// reconnect replays session creation with the stored credentials. A failure
// is reported once; there is no retry loop.
func (r *Registry) reconnect(old *Session) {
	r.mu.Lock()
	current, ok := r.sessions[old.ID]
	if !ok || current != old || old.Status != model.SessionStatusReconnecting {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	access := r.gate.CheckAccess(ctx, old.UserID)
	if !access.Persistent {
		r.mu.Lock()
		if r.sessions[old.ID] == old {
			delete(r.sessions, old.ID)
			delete(r.byUser, old.UserID)
		}
		r.mu.Unlock()

		removeAuthDir(old)
		if err := r.repo.UpdateStatus(ctx, old.ID, model.SessionStatusExpired); err != nil {
			log.Warn().Err(err).Str("sessionId", old.ID).Msg("failed to expire session")
		}
		r.metrics.ReconnectFinished("skipped")
		r.notifier.SendMessage(ctx, old.UserID, "⌛ Your subscription has ended, so the session was not reconnected.")
		r.publish(ctx, old.UserID, sse.EventClosed, map[string]string{"sessionId": old.ID, "reason": "access_ended"})
		return
	}

	if _, err := r.start(ctx, startParams{
		UserID:     old.UserID,
		UserData:   old.UserData,
		Method:     old.Method,
		Phone:      old.Phone,
		ResumeFrom: old.AuthDir,
		Access:     access,
	}); err != nil {
		log.Warn().Err(err).Str("userId", old.UserID).Str("sessionId", old.ID).Msg("reconnect attempt failed")
	}
}

func (r *Registry) touch(ctx context.Context, id string) {
	now := r.now()

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.LastActivityAt = now
	write := now.Sub(s.lastPersisted) >= activityPersistInterval
	if write {
		s.lastPersisted = now
	}
	r.mu.Unlock()

	if write {
		if err := r.repo.Touch(ctx, id, now); err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("failed to touch session")
		}
	}
}
