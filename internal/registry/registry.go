// Package registry owns every live session. It runs the connection state
// machine, schedules reconnects and sweeps, and dispatches in-band commands.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/audit"
	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/metrics"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/notifier"
	"github.com/novamd/bridge-server-go/internal/pairing"
	"github.com/novamd/bridge-server-go/internal/repository"
	"github.com/novamd/bridge-server-go/internal/socket"
	"github.com/novamd/bridge-server-go/internal/sse"
	"github.com/novamd/bridge-server-go/internal/timers"
	"github.com/novamd/bridge-server-go/internal/util"
)

type Gate interface {
	Authorize(ctx context.Context, userID string) (model.AccessStatus, error)
	CheckAccess(ctx context.Context, userID string) model.AccessStatus
}

type Admission interface {
	Admit() error
}

type Pairer interface {
	Begin(ctx context.Context, req pairing.Request, l pairing.Listener) error
	Cancel(userID string) bool
}

type Preferences interface {
	Get(ctx context.Context, userID string) model.UserPreference
	SetSilent(ctx context.Context, userID string, on bool) model.UserPreference
	SetPrivate(ctx context.Context, userID string, on bool) model.UserPreference
	Allow(ctx context.Context, userID, id string) model.UserPreference
	Deny(ctx context.Context, userID, id string) model.UserPreference
}

// Dispatcher runs custom commands. handled is false for unknown names.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd model.CommandContext) (reply string, handled bool, err error)
	Describe() []model.CommandInfo
}

type Publisher interface {
	Publish(ctx context.Context, userID string, event sse.Event) error
}

type Options struct {
	CommandPrefix  string
	ReconnectDelay time.Duration
	IdleTimeout    time.Duration
	TrialMaxAge    time.Duration
}

type Session struct {
	ID                 string
	UserID             string
	UserData           model.UserData
	Method             model.ConnectionMethod
	Phone              string
	AuthDir            string
	Status             model.SessionStatus
	SubscriptionActive bool
	CreatedAt          time.Time
	LastActivityAt     time.Time

	sock          socket.Socket
	paired        *pairing.Paired
	resumeFrom    string
	lastPersisted time.Time
}

func (s *Session) info() model.SessionInfo {
	return model.SessionInfo{
		SessionID:          s.ID,
		UserID:             s.UserID,
		Status:             s.Status,
		ConnectionMethod:   s.Method,
		SubscriptionActive: s.SubscriptionActive,
		CreatedAt:          s.CreatedAt,
		LastActivityAt:     s.LastActivityAt,
	}
}

func (s *Session) record() model.SessionRecord {
	return model.SessionRecord{
		SessionID:          s.ID,
		UserID:             s.UserID,
		AuthDir:            s.AuthDir,
		Status:             s.Status,
		ConnectionMethod:   s.Method,
		SubscriptionActive: s.SubscriptionActive,
		CreatedAt:          s.CreatedAt,
		LastActivityAt:     s.LastActivityAt,
	}
}

type Registry struct {
	gate       Gate
	admission  Admission
	pairer     Pairer
	notifier   notifier.Notifier
	repo       repository.SessionRepository
	prefs      Preferences
	dispatcher Dispatcher
	publisher  Publisher
	timers     *timers.Table
	metrics    *metrics.Metrics
	opts       Options
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]string
}

type Deps struct {
	Gate       Gate
	Admission  Admission
	Pairer     Pairer
	Notifier   notifier.Notifier
	Sessions   repository.SessionRepository
	Prefs      Preferences
	Dispatcher Dispatcher
	Publisher  Publisher
	Timers     *timers.Table
	Metrics    *metrics.Metrics
}

func New(deps Deps, opts Options) *Registry {
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "."
	}
	return &Registry{
		gate:       deps.Gate,
		admission:  deps.Admission,
		pairer:     deps.Pairer,
		notifier:   deps.Notifier,
		repo:       deps.Sessions,
		prefs:      deps.Prefs,
		dispatcher: deps.Dispatcher,
		publisher:  deps.Publisher,
		timers:     deps.Timers,
		metrics:    deps.Metrics,
		opts:       opts,
		now:        time.Now,
		sessions:   make(map[string]*Session),
		byUser:     make(map[string]string),
	}
}

// OwnsSockets marks the registry as ineligible for in-process reload.
func (r *Registry) OwnsSockets() bool {
	return true
}

type CreateRequest struct {
	UserID   string
	UserData model.UserData
	Method   model.ConnectionMethod
	Phone    string
}

type CreateResult struct {
	SessionID  string              `json:"sessionId"`
	Status     model.SessionStatus `json:"status"`
	Existing   bool                `json:"existing"`
	Persistent bool                `json:"persistent"`
	Access     model.AccessStatus  `json:"access"`
}

// CreateSession returns the user's connected session or starts pairing a new one.
func (r *Registry) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if !util.IsValidUserID(req.UserID) {
		return nil, apperrors.InvalidInput("userId", "unsupported characters or length")
	}
	if !req.Method.Valid() {
		return nil, apperrors.InvalidInput("method", "must be qr or pairing")
	}

	access, err := r.gate.Authorize(ctx, req.UserID)
	if err != nil {
		r.metrics.SessionCreated("denied")
		return nil, err
	}

	if res := r.reuseConnected(ctx, req.UserID, access); res != nil {
		r.metrics.SessionCreated("existing")
		return res, nil
	}

	if r.admission != nil {
		if err := r.admission.Admit(); err != nil {
			r.metrics.SessionCreated("capacity")
			return nil, err
		}
	}

	res, err := r.start(ctx, startParams{
		UserID:   req.UserID,
		UserData: req.UserData,
		Method:   req.Method,
		Phone:    req.Phone,
		Access:   access,
	})
	if err != nil {
		r.metrics.SessionCreated("failed")
		return nil, err
	}
	r.metrics.SessionCreated("created")
	return res, nil
}

func (r *Registry) reuseConnected(ctx context.Context, userID string, access model.AccessStatus) *CreateResult {
	r.mu.Lock()
	s := r.sessions[r.byUser[userID]]
	if s == nil || s.Status != model.SessionStatusConnected {
		r.mu.Unlock()
		return nil
	}
	now := r.now()
	s.LastActivityAt = now
	s.lastPersisted = now
	res := &CreateResult{
		SessionID:  s.ID,
		Status:     s.Status,
		Existing:   true,
		Persistent: s.SubscriptionActive,
		Access:     access,
	}
	r.mu.Unlock()

	if err := r.repo.Touch(ctx, res.SessionID, now); err != nil {
		log.Warn().Err(err).Str("sessionId", res.SessionID).Msg("failed to touch session")
	}
	return res
}

type startParams struct {
	UserID     string
	UserData   model.UserData
	Method     model.ConnectionMethod
	Phone      string
	ResumeFrom string
	Access     model.AccessStatus
}

func sessionID(userID string, at time.Time, method model.ConnectionMethod) string {
	return fmt.Sprintf("%s_%d_%s", userID, at.UnixMilli(), method)
}

// uniqueIDLocked returns the session id for at, moved forward a millisecond
// at a time while it collides with a registered or reserved id.
func (r *Registry) uniqueIDLocked(userID string, at time.Time, method model.ConnectionMethod, reserved []string) string {
	for {
		id := sessionID(userID, at, method)
		if _, taken := r.sessions[id]; !taken && !slices.Contains(reserved, id) {
			return id
		}
		at = at.Add(time.Millisecond)
	}
}

func reconnectKey(userID string) string {
	return "reconnect:" + userID
}

// start registers a pending session and hands it to the pairing subsystem.
func (r *Registry) start(ctx context.Context, p startParams) (*CreateResult, error) {
	now := r.now()
	s := &Session{
		UserID:             p.UserID,
		UserData:           p.UserData,
		Method:             p.Method,
		Phone:              p.Phone,
		Status:             model.SessionStatusConnecting,
		SubscriptionActive: p.Access.Persistent,
		CreatedAt:          now,
		LastActivityAt:     now,
		resumeFrom:         p.ResumeFrom,
		lastPersisted:      now,
	}

	r.mu.Lock()
	old := r.detachUserLocked(p.UserID)
	reserved := []string{filepath.Base(p.ResumeFrom)}
	if old != nil {
		reserved = append(reserved, old.ID)
	}
	s.ID = r.uniqueIDLocked(p.UserID, now, p.Method, reserved)
	r.sessions[s.ID] = s
	r.byUser[p.UserID] = s.ID
	rec := s.record()
	r.mu.Unlock()

	if old != nil {
		r.discardReplaced(ctx, old, p.ResumeFrom)
	}

	if err := r.repo.Upsert(ctx, rec); err != nil {
		log.Warn().Err(err).Str("sessionId", s.ID).Msg("failed to persist session")
	}
	r.publish(ctx, s.UserID, sse.EventStatus, rec)

	err := r.pairer.Begin(ctx, pairing.Request{
		SessionID:  s.ID,
		UserID:     p.UserID,
		UserData:   p.UserData,
		Method:     p.Method,
		Phone:      p.Phone,
		ResumeFrom: p.ResumeFrom,
	}, r)
	if err != nil {
		if dropped := r.dropPending(ctx, s.ID); dropped != nil && p.ResumeFrom != "" {
			r.reconnectFailed(ctx, dropped, err)
		}
		return nil, err
	}

	r.mu.Lock()
	status := s.Status
	r.mu.Unlock()

	log.Info().
		Str("userId", p.UserID).
		Str("sessionId", s.ID).
		Str("method", string(p.Method)).
		Bool("persistent", p.Access.Persistent).
		Msg("session started")

	return &CreateResult{
		SessionID:  s.ID,
		Status:     status,
		Persistent: p.Access.Persistent,
		Access:     p.Access,
	}, nil
}

// detachUserLocked unlinks the user's current entry and cancels its reconnect timer.
func (r *Registry) detachUserLocked(userID string) *Session {
	id, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	s := r.sessions[id]
	delete(r.sessions, id)
	delete(r.byUser, userID)
	r.timers.Cancel(reconnectKey(userID))
	return s
}

// discardReplaced releases an entry superseded by a new attempt. Credentials
// being resumed from stay on disk.
func (r *Registry) discardReplaced(ctx context.Context, old *Session, resumeFrom string) {
	r.pairer.Cancel(old.UserID)
	r.closeSocket(old, old.AuthDir != "" && old.AuthDir == resumeFrom)
	if old.AuthDir != "" && old.AuthDir != resumeFrom {
		removeAuthDir(old)
	}
	if resumeFrom == "" || old.AuthDir != resumeFrom {
		if err := r.repo.Delete(ctx, old.ID); err != nil {
			log.Warn().Err(err).Str("sessionId", old.ID).Msg("failed to delete replaced session")
		}
	}
}

// dropPending removes an entry whose pairing never produced a socket.
func (r *Registry) dropPending(ctx context.Context, id string) *Session {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.sock != nil {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, id)
	if r.byUser[s.UserID] == id {
		delete(r.byUser, s.UserID)
	}
	r.mu.Unlock()

	if err := r.repo.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("sessionId", id).Msg("failed to delete pending session")
	}
	r.refreshMetrics()
	return s
}

// closeSocket ends the session's socket once. With keep set the final state
// of the credential store is saved for a later resume.
func (r *Registry) closeSocket(s *Session, keep bool) {
	r.mu.Lock()
	sock, paired := s.sock, s.paired
	s.sock, s.paired = nil, nil
	r.mu.Unlock()

	switch {
	case paired != nil:
		paired.Close(keep)
	case sock != nil:
		sock.End()
	}
}

func removeAuthDir(s *Session) {
	if s.AuthDir == "" {
		return
	}
	if err := os.RemoveAll(s.AuthDir); err != nil {
		log.Warn().Err(err).Str("sessionId", s.ID).Msg("failed to remove auth dir")
	}
}

// PairingStatus implements pairing.Listener.
func (r *Registry) PairingStatus(id string, status model.SessionStatus) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.sock != nil {
		r.mu.Unlock()
		return
	}
	s.Status = status
	rec := s.record()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.repo.UpdateStatus(ctx, id, status); err != nil {
		log.Warn().Err(err).Str("sessionId", id).Msg("failed to update session status")
	}
	r.publish(ctx, s.UserID, sse.EventStatus, rec)
}

// Paired implements pairing.Listener. It takes the socket over and returns
// the handler for its remaining events.
func (r *Registry) Paired(p *pairing.Paired) socket.Handler {
	now := r.now()

	r.mu.Lock()
	s, ok := r.sessions[p.SessionID]
	if !ok {
		r.mu.Unlock()
		log.Info().Str("sessionId", p.SessionID).Msg("paired session no longer registered")
		return nil
	}
	s.sock = p.Socket
	s.paired = p
	s.AuthDir = p.AuthDir
	s.Status = model.SessionStatusConnected
	s.SubscriptionActive = p.Access.Persistent
	s.LastActivityAt = now
	s.lastPersisted = now
	rec := s.record()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.repo.Upsert(ctx, rec); err != nil {
		log.Warn().Err(err).Str("sessionId", s.ID).Msg("failed to persist session")
	}

	if p.ResumeFrom != "" && p.ResumeFrom != p.AuthDir {
		previous := filepath.Base(p.ResumeFrom)
		if err := r.repo.Delete(ctx, previous); err != nil {
			log.Warn().Err(err).Str("sessionId", previous).Msg("failed to delete previous session")
		}
		if err := os.RemoveAll(p.ResumeFrom); err != nil {
			log.Warn().Err(err).Str("sessionId", previous).Msg("failed to remove previous auth dir")
		}
		r.metrics.ReconnectFinished("succeeded")
		r.notifier.SendMessage(ctx, s.UserID, "🔄 WhatsApp session reconnected.")
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionCreate,
		UserID:    s.UserID,
		SessionID: s.ID,
		Details: map[string]interface{}{
			"method":     string(s.Method),
			"persistent": rec.SubscriptionActive,
			"resumed":    p.ResumeFrom != "",
		},
	})
	r.publish(ctx, s.UserID, sse.EventConnected, rec)

	id := s.ID
	return func(evt socket.Event) {
		r.handleEvent(id, evt)
	}
}

// PairingFailed implements pairing.Listener.
func (r *Registry) PairingFailed(id, userID string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := r.dropPending(ctx, id)
	if s == nil {
		return
	}

	if s.resumeFrom != "" {
		r.reconnectFailed(ctx, s, err)
	}

	r.publish(ctx, userID, sse.EventClosed, map[string]string{
		"sessionId": id,
		"reason":    string(apperrors.GetCode(err)),
	})
}

// reconnectFailed keeps a restorable row unless the credentials are gone.
func (r *Registry) reconnectFailed(ctx context.Context, s *Session, err error) {
	r.metrics.ReconnectFinished("failed")
	previous := filepath.Base(s.resumeFrom)

	if apperrors.Is(err, apperrors.ErrCodeTerminalAuth) || apperrors.Is(err, apperrors.ErrCodePairingFailed) {
		if delErr := r.repo.Delete(ctx, previous); delErr != nil {
			log.Warn().Err(delErr).Str("sessionId", previous).Msg("failed to delete previous session")
		}
		if rmErr := os.RemoveAll(s.resumeFrom); rmErr != nil {
			log.Warn().Err(rmErr).Str("sessionId", previous).Msg("failed to remove previous auth dir")
		}
	} else if upErr := r.repo.UpdateStatus(ctx, previous, model.SessionStatusDisconnected); upErr != nil {
		log.Warn().Err(upErr).Str("sessionId", previous).Msg("failed to mark session disconnected")
	}

	log.Warn().Err(err).Str("userId", s.UserID).Msg("reconnect failed")
	r.notifier.SendMessage(ctx, s.UserID, "⚠️ Could not reconnect your WhatsApp session. Please connect again.")
}

func (r *Registry) publish(ctx context.Context, userID, eventType string, payload any) {
	r.refreshMetrics()
	if r.publisher == nil {
		return
	}
	evt, err := sse.NewEvent(eventType, payload)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode session event")
		return
	}
	if err := r.publisher.Publish(ctx, userID, evt); err != nil {
		log.Debug().Err(err).Str("userId", userID).Msg("failed to publish session event")
	}
}

func (r *Registry) refreshMetrics() {
	if r.metrics == nil {
		return
	}
	counts := make(map[string]int)
	r.mu.Lock()
	for _, s := range r.sessions {
		counts[string(s.Status)]++
	}
	r.mu.Unlock()
	r.metrics.SetSessionCounts(counts)
}
