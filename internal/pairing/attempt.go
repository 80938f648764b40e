package pairing

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/socket"
)

type attemptState int

const (
	statePending attemptState = iota
	stateSucceeding
	stateFinished
)

type attempt struct {
	svc        *Service
	req        Request
	listener   Listener
	scratchDir string
	started    time.Time

	mu          sync.Mutex
	state       attemptState
	sock        socket.Socket
	err         error
	openPending bool
	qrSent      bool
	forward     socket.Handler
	backlog     []socket.Event
}

// handle receives every event of the attempt's socket. After success the
// events are passed through to the listener's handler.
func (a *attempt) handle(evt socket.Event) {
	a.mu.Lock()
	if a.forward != nil {
		fwd := a.forward
		a.mu.Unlock()
		fwd(evt)
		return
	}
	if a.state == stateSucceeding || a.openPending {
		a.backlog = append(a.backlog, evt)
		a.mu.Unlock()
		return
	}
	if a.state == stateFinished {
		a.mu.Unlock()
		return
	}
	upd, ok := evt.(socket.ConnectionUpdate)
	if !ok {
		// Credentials are stored before the connection opens; keep them for
		// the listener's handler.
		if _, creds := evt.(socket.CredentialsUpdate); creds {
			a.backlog = append(a.backlog, evt)
		}
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	if upd.QR != "" {
		a.onQR(upd.QR)
	}
	switch upd.Connection {
	case socket.Open:
		a.onOpen()
	case socket.Closed:
		a.onClose(upd)
	}
}

// attach stores the opened socket. It reports whether Begin should go on
// with the flow, which is not the case once the attempt already ended.
func (a *attempt) attach(sock socket.Socket) (bool, error) {
	a.mu.Lock()
	if a.state == stateFinished {
		err := a.err
		a.mu.Unlock()
		sock.End()
		if err == nil {
			err = apperrors.PairingFailed("attempt was cancelled")
		}
		return false, err
	}
	a.sock = sock
	pending := a.openPending
	a.mu.Unlock()

	if pending {
		a.succeed()
		return false, nil
	}
	return true, nil
}

func (a *attempt) onQR(code string) {
	if a.req.resume() {
		a.fail(apperrors.PairingFailed("stored credentials were rejected"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.svc.notifier.SendQRCode(ctx, a.req.UserID, code, a.req.SessionID)

	a.mu.Lock()
	first := !a.qrSent
	a.qrSent = true
	a.mu.Unlock()
	if first {
		a.listener.PairingStatus(a.req.SessionID, model.SessionStatusQRGenerated)
	}
}

func (a *attempt) onOpen() {
	a.mu.Lock()
	if a.state != statePending {
		a.mu.Unlock()
		return
	}
	if a.sock == nil {
		a.openPending = true
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.succeed()
}

func (a *attempt) onClose(upd socket.ConnectionUpdate) {
	if upd.Reason.IsTerminal() {
		a.fail(apperrors.TerminalAuth())
		return
	}
	cause := upd.Err
	if cause == nil {
		cause = fmt.Errorf("connection closed: %s", upd.Reason)
	}
	a.fail(apperrors.TransientConnection(cause))
}

func (a *attempt) requestCode(ctx context.Context) error {
	if a.svc.opts.SettleDelay > 0 {
		t := time.NewTimer(a.svc.opts.SettleDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return apperrors.PairingFailed("request cancelled").WithCause(ctx.Err())
		}
	}

	a.mu.Lock()
	sock, state, err := a.sock, a.state, a.err
	a.mu.Unlock()
	if state != statePending {
		if err == nil {
			err = apperrors.PairingFailed("attempt ended before a code was requested")
		}
		return err
	}

	raw, err := sock.RequestPairingCode(ctx, a.req.Phone)
	if err != nil {
		log.Warn().Err(err).Str("userId", a.req.UserID).Msg("pairing code request failed")
		return apperrors.PairingFailed("could not request a pairing code").WithCause(err)
	}

	a.svc.notifier.SendPairingCode(ctx, a.req.UserID, FormatCode(raw), a.req.Phone)
	a.listener.PairingStatus(a.req.SessionID, model.SessionStatusPairingRequested)
	return nil
}

func (a *attempt) expire() {
	err := apperrors.PairingExpired()
	if !a.finish(model.PairingOutcomeExpired, err) {
		return
	}

	var text string
	if a.req.Method == model.ConnectionMethodQR {
		text = "⏰ QR code expired. Request a new one to try again."
	} else {
		text = "⏰ Pairing code expired. Request a new one to try again."
	}
	a.notifyUser(text)
	a.listener.PairingFailed(a.req.SessionID, a.req.UserID, err)
	log.Info().Str("userId", a.req.UserID).Str("sessionId", a.req.SessionID).Msg("pairing attempt expired")
}

func (a *attempt) fail(err error) {
	if !a.finish(model.PairingOutcomeFailed, err) {
		return
	}
	a.notifyUser("❌ Connection failed. Please try again.")
	a.listener.PairingFailed(a.req.SessionID, a.req.UserID, err)
	log.Warn().Err(err).Str("userId", a.req.UserID).Str("sessionId", a.req.SessionID).Msg("pairing attempt failed")
}

// notifyUser skips resumed attempts; the registry reports reconnect outcomes itself.
func (a *attempt) notifyUser(text string) {
	if a.req.resume() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.svc.notifier.SendMessage(ctx, a.req.UserID, text)
}

// finish ends the attempt once. It reports whether this call ended it.
func (a *attempt) finish(outcome model.PairingOutcome, err error) bool {
	a.mu.Lock()
	if a.state != statePending {
		a.mu.Unlock()
		return false
	}
	a.state = stateFinished
	a.err = err
	sock := a.sock
	a.backlog = nil
	a.mu.Unlock()

	a.svc.remove(a)
	if sock != nil {
		sock.End()
	}
	if rmErr := os.RemoveAll(a.scratchDir); rmErr != nil {
		log.Warn().Err(rmErr).Str("sessionId", a.req.SessionID).Msg("failed to remove scratch auth dir")
	}

	a.svc.recordAudit(a.req, outcome)
	a.svc.metrics.PairingFinished(string(a.req.Method), string(outcome))
	return true
}

func (a *attempt) succeed() {
	a.mu.Lock()
	if a.state != statePending {
		a.mu.Unlock()
		return
	}
	a.state = stateSucceeding
	a.openPending = false
	sock := a.sock
	a.mu.Unlock()

	a.svc.remove(a)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := &Paired{
		Request:    a.req,
		Socket:     sock,
		AuthDir:    a.svc.AuthDir(a.req.SessionID),
		scratchDir: a.scratchDir,
	}
	if err := p.SaveCredentials(ctx); err != nil {
		log.Error().Err(err).Str("sessionId", a.req.SessionID).Msg("failed to store credentials")
		a.abandon(sock, apperrors.PairingFailed("could not store credentials").WithCause(err))
		return
	}
	p.Access = a.svc.access.CheckAccess(ctx, a.req.UserID)

	handler := a.listener.Paired(p)
	if handler == nil {
		a.abandon(sock, nil)
		return
	}

	a.mu.Lock()
	a.forward = handler
	a.state = stateFinished
	backlog := a.backlog
	a.backlog = nil
	a.mu.Unlock()

	for _, evt := range backlog {
		handler(evt)
	}

	a.svc.recordAudit(a.req, model.PairingOutcomeSuccess)
	a.svc.metrics.PairingFinished(string(a.req.Method), string(model.PairingOutcomeSuccess))

	if !a.req.resume() {
		a.svc.notifier.SendMessage(ctx, a.req.UserID, welcomeMessage(p.Access))
	}

	log.Info().
		Str("userId", a.req.UserID).
		Str("sessionId", a.req.SessionID).
		Bool("persistent", p.Access.Persistent).
		Dur("elapsed", time.Since(a.started)).
		Msg("pairing succeeded")
}

// abandon drops a socket that opened but could not be handed over.
func (a *attempt) abandon(sock socket.Socket, err error) {
	a.mu.Lock()
	a.state = stateFinished
	a.err = err
	a.backlog = nil
	a.mu.Unlock()

	sock.End()
	for _, dir := range []string{a.scratchDir, a.svc.AuthDir(a.req.SessionID)} {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Warn().Err(rmErr).Str("sessionId", a.req.SessionID).Msg("failed to remove auth dir")
		}
	}
	a.svc.recordAudit(a.req, model.PairingOutcomeFailed)
	a.svc.metrics.PairingFinished(string(a.req.Method), string(model.PairingOutcomeFailed))

	if err != nil {
		a.notifyUser("❌ Connection failed. Please try again.")
		a.listener.PairingFailed(a.req.SessionID, a.req.UserID, err)
	}
}
