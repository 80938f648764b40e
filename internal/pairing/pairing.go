// Package pairing links a new device to the messaging network, by QR scan or
// numeric code, and hands the live socket to a Listener once it is open.
package pairing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/metrics"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/notifier"
	"github.com/novamd/bridge-server-go/internal/repository"
	"github.com/novamd/bridge-server-go/internal/socket"
	"github.com/novamd/bridge-server-go/internal/timers"
	"github.com/novamd/bridge-server-go/internal/util"
)

type Request struct {
	SessionID string
	UserID    string
	UserData  model.UserData
	Method    model.ConnectionMethod
	Phone     string
	// ResumeFrom is the permanent auth dir of a previous session. When set the
	// attempt reuses those credentials and any QR code means they are gone.
	ResumeFrom string
}

func (r Request) resume() bool {
	return r.ResumeFrom != ""
}

// Paired is a linked socket. The listener owns it from the moment it is delivered.
type Paired struct {
	Request
	Socket  socket.Socket
	AuthDir string
	Access  model.AccessStatus

	scratchDir string
}

// SaveCredentials writes the live credential store to the permanent auth dir.
// Sockets that can snapshot their store while connected do so, otherwise the
// scratch dir is copied as is.
func (p *Paired) SaveCredentials(ctx context.Context) error {
	if snap, ok := p.Socket.(socket.Snapshotter); ok {
		return snap.SnapshotCredentials(ctx, p.AuthDir)
	}
	return util.ReplaceDir(p.scratchDir, p.AuthDir)
}

// Close ends the socket and removes the scratch store. With keep set the
// closed store is first copied over the permanent auth dir, so a later
// resume starts from the latest credentials.
func (p *Paired) Close(keep bool) {
	p.Socket.End()
	if keep {
		if err := util.ReplaceDir(p.scratchDir, p.AuthDir); err != nil {
			log.Warn().Err(err).Str("sessionId", p.SessionID).Msg("failed to save credentials on close")
		}
	}
	if err := os.RemoveAll(p.scratchDir); err != nil {
		log.Warn().Err(err).Str("sessionId", p.SessionID).Msg("failed to remove scratch auth dir")
	}
}

type Listener interface {
	PairingStatus(sessionID string, status model.SessionStatus)
	// Paired takes ownership of the socket and returns the handler for its
	// remaining events. A nil handler rejects the socket.
	Paired(p *Paired) socket.Handler
	PairingFailed(sessionID, userID string, err error)
}

type AccessChecker interface {
	CheckAccess(ctx context.Context, userID string) model.AccessStatus
}

type Options struct {
	AuthRoot       string
	ScratchRoot    string
	QRTimeout      time.Duration
	PairingTimeout time.Duration
	SettleDelay    time.Duration
}

type Service struct {
	factory  socket.Factory
	access   AccessChecker
	notifier notifier.Notifier
	audits   repository.PairingAuditRepository
	timers   *timers.Table
	metrics  *metrics.Metrics
	opts     Options

	mu       sync.Mutex
	attempts map[string]*attempt
}

func NewService(
	factory socket.Factory,
	access AccessChecker,
	n notifier.Notifier,
	audits repository.PairingAuditRepository,
	timerTable *timers.Table,
	m *metrics.Metrics,
	opts Options,
) *Service {
	return &Service{
		factory:  factory,
		access:   access,
		notifier: n,
		audits:   audits,
		timers:   timerTable,
		metrics:  m,
		opts:     opts,
		attempts: make(map[string]*attempt),
	}
}

// AuthDir is the permanent credential directory of a session.
func (s *Service) AuthDir(sessionID string) string {
	return filepath.Join(s.opts.AuthRoot, sessionID)
}

func timerKey(userID string) string {
	return "pairing:" + userID
}

// Begin starts an attempt and returns once the socket is open and, for the
// numeric flow, the code has been delivered. The outcome arrives on l.
func (s *Service) Begin(ctx context.Context, req Request, l Listener) error {
	if !req.Method.Valid() {
		return apperrors.InvalidInput("method", "must be qr or pairing")
	}
	if req.Method == model.ConnectionMethodPairing && !req.resume() {
		phone, ok := util.NormalizePhone(req.Phone)
		if !ok {
			return apperrors.InvalidInput("phoneNumber", "use digits only with country code, at least 10 digits")
		}
		req.Phone = phone
	}

	s.Cancel(req.UserID)

	a := &attempt{
		svc:        s,
		req:        req,
		listener:   l,
		scratchDir: filepath.Join(s.opts.ScratchRoot, req.SessionID),
		started:    time.Now(),
	}

	if err := os.RemoveAll(a.scratchDir); err != nil {
		return apperrors.Internal("failed to prepare auth dir").WithCause(err)
	}
	if req.resume() {
		if err := util.CopyDir(req.ResumeFrom, a.scratchDir, nil); err != nil {
			return apperrors.PairingFailed("stored credentials unavailable").WithCause(err)
		}
	} else if err := os.MkdirAll(a.scratchDir, 0o700); err != nil {
		return apperrors.Internal("failed to prepare auth dir").WithCause(err)
	}

	s.mu.Lock()
	s.attempts[req.UserID] = a
	s.mu.Unlock()

	sock, err := s.factory.Open(ctx, a.scratchDir, a.handle)
	if err != nil {
		a.finish(model.PairingOutcomeFailed, nil)
		return apperrors.TransientConnection(err)
	}
	proceed, err := a.attach(sock)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	switch {
	case req.resume():
		s.timers.Schedule(timerKey(req.UserID), s.opts.QRTimeout, a.expire)
	case req.Method == model.ConnectionMethodQR:
		s.timers.Schedule(timerKey(req.UserID), s.opts.QRTimeout, a.expire)
	default:
		if err := a.requestCode(ctx); err != nil {
			a.finish(model.PairingOutcomeFailed, nil)
			return err
		}
		s.timers.Schedule(timerKey(req.UserID), s.opts.PairingTimeout, a.expire)
	}

	log.Info().
		Str("userId", req.UserID).
		Str("sessionId", req.SessionID).
		Str("method", string(req.Method)).
		Bool("resume", req.resume()).
		Msg("pairing started")
	return nil
}

// Cancel tears down the in-flight attempt of userID, if any.
func (s *Service) Cancel(userID string) bool {
	s.mu.Lock()
	a, ok := s.attempts[userID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	a.finish(model.PairingOutcomeFailed, nil)
	log.Info().Str("userId", userID).Str("sessionId", a.req.SessionID).Msg("pairing attempt cancelled")
	return true
}

// InFlight reports whether userID has an attempt waiting for the device.
func (s *Service) InFlight(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attempts[userID]
	return ok
}

func (s *Service) remove(a *attempt) {
	s.mu.Lock()
	current := s.attempts[a.req.UserID] == a
	if current {
		delete(s.attempts, a.req.UserID)
	}
	s.mu.Unlock()
	if current {
		s.timers.Cancel(timerKey(a.req.UserID))
	}
}

func (s *Service) recordAudit(req Request, outcome model.PairingOutcome) {
	if s.audits == nil {
		return
	}
	row := model.PairingAudit{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Method:    req.Method,
		Outcome:   outcome,
	}
	if suffix := util.PhoneSuffix(req.Phone); suffix != "" {
		row.PhoneSuffix = &suffix
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.audits.Create(ctx, row); err != nil {
		log.Warn().Err(err).Str("sessionId", req.SessionID).Msg("failed to record pairing audit")
	}
}

// FormatCode groups an eight character code as XXXX-XXXX.
func FormatCode(code string) string {
	clean := strings.ToUpper(strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, code))
	if len(clean) != 8 {
		return clean
	}
	return clean[:4] + "-" + clean[4:]
}

func welcomeMessage(access model.AccessStatus) string {
	switch {
	case access.Persistent && access.EndDate != nil:
		return fmt.Sprintf("✅ WhatsApp connected!\n\nPlan: %s\nExpires: %s (%d days left)\nYour session stays online across restarts.",
			access.Plan, access.EndDate.Format("2006-01-02"), access.DaysLeft)
	case access.Trial && access.EndDate != nil:
		return fmt.Sprintf("✅ WhatsApp connected on a free trial.\n\nTrial ends: %s\nRedeem an access code to keep your session online.",
			access.EndDate.Format("2006-01-02 15:04 MST"))
	default:
		return "✅ WhatsApp connected!"
	}
}
