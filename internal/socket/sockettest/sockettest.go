// Package sockettest provides an in-memory socket.Factory for tests.
package sockettest

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/novamd/bridge-server-go/internal/socket"
)

type Sent struct {
	To   string
	Text string
}

// Factory records every socket it opens. A socket counts as registered when
// its auth dir already holds a device file, mirroring the real store.
type Factory struct {
	mu      sync.Mutex
	sockets []*Socket

	OpenErr     error
	PairingCode string
	PairingErr  error
	// OnOpen runs before Open returns, e.g. to emit a QR code.
	OnOpen func(s *Socket)
}

func NewFactory() *Factory {
	return &Factory{PairingCode: "ABCD1234"}
}

func (f *Factory) Open(ctx context.Context, authDir string, handler socket.Handler) (socket.Socket, error) {
	f.mu.Lock()
	if f.OpenErr != nil {
		err := f.OpenErr
		f.mu.Unlock()
		return nil, err
	}
	s := &Socket{
		AuthDir:     authDir,
		handler:     handler,
		pairingCode: f.PairingCode,
		pairingErr:  f.PairingErr,
	}
	if _, err := os.Stat(filepath.Join(authDir, socket.DeviceFile)); err == nil {
		s.registered = true
		s.selfID = "15550000000@s.whatsapp.net"
	}
	f.sockets = append(f.sockets, s)
	hook := f.OnOpen
	f.mu.Unlock()

	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return nil, err
	}
	s.Emit(socket.ConnectionUpdate{Connection: socket.Connecting})
	if hook != nil {
		hook(s)
	}
	return s, nil
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

func (f *Factory) Last() *Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}

func (f *Factory) All() []*Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Socket(nil), f.sockets...)
}

type Socket struct {
	AuthDir string
	handler socket.Handler

	mu           sync.Mutex
	sent         []Sent
	pairingCode  string
	pairingErr   error
	pairRequests []string
	registered   bool
	selfID       string
	ended        bool
	loggedOut    bool
}

func (s *Socket) Emit(evt socket.Event) {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return
	}
	s.handler(evt)
}

func (s *Socket) EmitQR(code string) {
	s.Emit(socket.ConnectionUpdate{Connection: socket.Connecting, QR: code})
}

// CompletePairing writes the device file, then emits the credentials and open events.
func (s *Socket) CompletePairing() {
	_ = os.WriteFile(filepath.Join(s.AuthDir, socket.DeviceFile), []byte("device"), 0o600)
	s.mu.Lock()
	s.registered = true
	s.selfID = "15550000000@s.whatsapp.net"
	self := s.selfID
	s.mu.Unlock()

	s.Emit(socket.CredentialsUpdate{SelfID: self})
	s.Emit(socket.ConnectionUpdate{Connection: socket.Open})
}

// WriteDevice overwrites the live device file, as the real store does when
// keys change.
func (s *Socket) WriteDevice(content string) error {
	return os.WriteFile(filepath.Join(s.AuthDir, socket.DeviceFile), []byte(content), 0o600)
}

// ReadDevice returns the content of the socket's device file.
func (s *Socket) ReadDevice() (string, error) {
	b, err := os.ReadFile(filepath.Join(s.AuthDir, socket.DeviceFile))
	return string(b), err
}

func (s *Socket) Close(reason socket.DisconnectReason) {
	s.Emit(socket.ConnectionUpdate{Connection: socket.Closed, Reason: reason})
}

func (s *Socket) Deliver(msgs ...socket.Message) {
	s.Emit(socket.MessagesUpsert{Messages: msgs})
}

func (s *Socket) SendMessage(ctx context.Context, to string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Sent{To: to, Text: text})
	return nil
}

func (s *Socket) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairRequests = append(s.pairRequests, phone)
	if s.pairingErr != nil {
		return "", s.pairingErr
	}
	return s.pairingCode, nil
}

func (s *Socket) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
	s.registered = false
	return nil
}

func (s *Socket) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

func (s *Socket) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *Socket) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

func (s *Socket) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

func (s *Socket) PairRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pairRequests...)
}

func (s *Socket) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Socket) LoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}
