package socket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// DeviceFile is the credential store inside every auth directory.
const DeviceFile = "device.db"

const pairClientName = "Chrome (Linux)"

// WhatsmeowFactory opens one whatsmeow client per auth directory.
type WhatsmeowFactory struct{}

func NewWhatsmeowFactory() *WhatsmeowFactory {
	return &WhatsmeowFactory{}
}

func (f *WhatsmeowFactory) Open(ctx context.Context, authDir string, handler Handler) (Socket, error) {
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return nil, fmt.Errorf("create auth dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(authDir, DeviceFile))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.EnableAutoReconnect = false

	// QR events come from the QR channel goroutine, everything else from the
	// client's event loop, so the context lives past the caller's request.
	sockCtx, cancel := context.WithCancel(context.Background())
	s := &whatsmeowSocket{
		authDir:   authDir,
		client:    client,
		container: container,
		handler:   handler,
		cancel:    cancel,
	}
	client.AddEventHandler(s.handleEvent)

	s.emit(ConnectionUpdate{Connection: Connecting})

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(sockCtx)
		if err != nil {
			s.End()
			return nil, fmt.Errorf("get qr channel: %w", err)
		}
		go s.forwardQR(sockCtx, qrChan)
	}

	if err := client.Connect(); err != nil {
		s.End()
		return nil, fmt.Errorf("connect: %w", err)
	}

	return s, nil
}

type whatsmeowSocket struct {
	authDir   string
	client    *whatsmeow.Client
	container *sqlstore.Container
	handler   Handler
	cancel    context.CancelFunc

	emitMu  sync.Mutex
	endOnce sync.Once
	ended   atomic.Bool
}

func (s *whatsmeowSocket) emit(evt Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.ended.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", Name(evt)).Msg("socket event handler panicked")
		}
	}()
	s.handler(evt)
}

func (s *whatsmeowSocket) forwardQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				s.emit(ConnectionUpdate{Connection: Connecting, QR: item.Code})
			case "timeout":
				s.emit(ConnectionUpdate{Connection: Closed, Reason: ReasonTimedOut})
			case "success":
				return
			default:
				if item.Error != nil {
					s.emit(ConnectionUpdate{Connection: Closed, Reason: ReasonUnknown, Err: item.Error})
				}
			}
		}
	}
}

func (s *whatsmeowSocket) handleEvent(raw interface{}) {
	switch v := raw.(type) {
	case *events.Connected:
		s.emit(ConnectionUpdate{Connection: Open})

	case *events.PairSuccess:
		s.emit(CredentialsUpdate{SelfID: v.ID.String()})

	case *events.Disconnected:
		s.emit(ConnectionUpdate{Connection: Closed, Reason: ReasonConnectionLost})

	case *events.LoggedOut:
		s.emit(ConnectionUpdate{Connection: Closed, Reason: ReasonLoggedOut})

	case *events.TemporaryBan:
		s.emit(ConnectionUpdate{Connection: Closed, Reason: ReasonBanned, Err: fmt.Errorf("temporary ban: %v", v.Code)})

	case *events.StreamReplaced:
		s.emit(ConnectionUpdate{Connection: Closed, Reason: ReasonReplaced})

	case *events.ConnectFailure:
		reason := ReasonConnectionClosed
		if v.Reason.IsLoggedOut() {
			reason = ReasonLoggedOut
		}
		s.emit(ConnectionUpdate{Connection: Closed, Reason: reason, Err: fmt.Errorf("connect failure: %v", v.Reason)})

	case *events.Message:
		if msg, ok := s.convertMessage(v); ok {
			s.emit(MessagesUpsert{Messages: []Message{msg}})
		}

	case *events.Contact:
		s.emit(ContactsUpdate{IDs: []string{v.JID.String()}})

	case *events.PushName:
		s.emit(ContactsUpdate{IDs: []string{v.JID.String()}})

	case *events.GroupInfo:
		s.emit(GroupsUpdate{IDs: []string{v.JID.String()}})

	case *events.JoinedGroup:
		s.emit(GroupsUpdate{IDs: []string{v.JID.String()}})
	}
}

func (s *whatsmeowSocket) convertMessage(evt *events.Message) (Message, bool) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return Message{}, false
	}

	var text string
	var mentions []string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage() != nil:
		ext := evt.Message.GetExtendedTextMessage()
		text = ext.GetText()
		mentions = ext.GetContextInfo().GetMentionedJID()
	case evt.Message.GetImageMessage() != nil:
		text = evt.Message.GetImageMessage().GetCaption()
	case evt.Message.GetVideoMessage() != nil:
		text = evt.Message.GetVideoMessage().GetCaption()
	}
	if text == "" {
		return Message{}, false
	}

	self := s.SelfID()
	mentioned := false
	for _, m := range mentions {
		if self != "" && sameUser(m, self) {
			mentioned = true
			break
		}
	}

	return Message{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.String(),
		Sender:    evt.Info.Sender.ToNonAD().String(),
		Text:      text,
		FromMe:    evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup,
		Mentioned: mentioned,
		Timestamp: evt.Info.Timestamp,
	}, true
}

func sameUser(a, b string) bool {
	ja, errA := types.ParseJID(a)
	jb, errB := types.ParseJID(b)
	if errA != nil || errB != nil {
		return false
	}
	return ja.User == jb.User
}

func (s *whatsmeowSocket) SendMessage(ctx context.Context, to string, text string) error {
	jid, err := parseRecipient(to)
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func parseRecipient(to string) (types.JID, error) {
	if !strings.Contains(to, "@") {
		return types.NewJID(to, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	return jid, nil
}

func (s *whatsmeowSocket) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	return s.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, pairClientName)
}

func (s *whatsmeowSocket) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

func (s *whatsmeowSocket) End() {
	s.endOnce.Do(func() {
		s.ended.Store(true)
		s.cancel()
		s.client.Disconnect()
		if err := s.container.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close device store")
		}
	})
}

func (s *whatsmeowSocket) Registered() bool {
	return s.client.Store.ID != nil
}

func (s *whatsmeowSocket) SelfID() string {
	if s.client.Store.ID == nil {
		return ""
	}
	return s.client.Store.ID.ToNonAD().String()
}

// SnapshotCredentials copies the device store with VACUUM INTO over a second
// connection, which sqlite serialises against the client's own writes.
func (s *whatsmeowSocket) SnapshotCredentials(ctx context.Context, destDir string) error {
	if s.ended.Load() {
		return errors.New("socket ended")
	}

	tmp := destDir + ".snapshot"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.MkdirAll(tmp, 0o700); err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", filepath.Join(s.authDir, DeviceFile)))
	if err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("open device store: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", filepath.Join(tmp, DeviceFile)); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("snapshot device store: %w", err)
	}
	if err := os.RemoveAll(destDir); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	return os.Rename(tmp, destDir)
}

var _ Snapshotter = (*whatsmeowSocket)(nil)
