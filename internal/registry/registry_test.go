package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/notifier/notifiertest"
	"github.com/novamd/bridge-server-go/internal/pairing"
	"github.com/novamd/bridge-server-go/internal/socket"
	"github.com/novamd/bridge-server-go/internal/socket/sockettest"
	"github.com/novamd/bridge-server-go/internal/timers"
)

const ownerJID = "15550000000@s.whatsapp.net"

type fakeGate struct {
	mu     sync.Mutex
	access map[string]model.AccessStatus
	trials map[string]bool
}

func newFakeGate() *fakeGate {
	return &fakeGate{access: make(map[string]model.AccessStatus), trials: make(map[string]bool)}
}

func (g *fakeGate) set(userID string, status model.AccessStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.access[userID] = status
}

func (g *fakeGate) Authorize(ctx context.Context, userID string) (model.AccessStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.access[userID]; ok && a.HasAccess {
		return a, nil
	}
	if g.trials[userID] {
		return model.AccessStatus{}, apperrors.TrialExhausted()
	}
	g.trials[userID] = true
	a := model.AccessStatus{HasAccess: true, Trial: true, DaysLeft: 1}
	g.access[userID] = a
	return a, nil
}

func (g *fakeGate) CheckAccess(ctx context.Context, userID string) model.AccessStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.access[userID]
}

func paid() model.AccessStatus {
	return model.AccessStatus{HasAccess: true, Persistent: true, DaysLeft: 30, Plan: model.PlanMonthly}
}

type fakeSessions struct {
	mu   sync.Mutex
	rows map[string]model.SessionRecord
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{rows: make(map[string]model.SessionRecord)}
}

func (f *fakeSessions) Upsert(ctx context.Context, rec model.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[rec.SessionID] = rec
	return nil
}

func (f *fakeSessions) UpdateStatus(ctx context.Context, sessionID string, status model.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.rows[sessionID]; ok {
		rec.Status = status
		f.rows[sessionID] = rec
	}
	return nil
}

func (f *fakeSessions) SetSubscriptionActive(ctx context.Context, sessionID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.rows[sessionID]; ok {
		rec.SubscriptionActive = active
		f.rows[sessionID] = rec
	}
	return nil
}

func (f *fakeSessions) Touch(ctx context.Context, sessionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.rows[sessionID]; ok {
		rec.LastActivityAt = at
		f.rows[sessionID] = rec
	}
	return nil
}

func (f *fakeSessions) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, sessionID)
	return nil
}

func (f *fakeSessions) FindByUserID(ctx context.Context, userID string) ([]model.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.SessionRecord
	for _, rec := range f.rows {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeSessions) FindRestorable(ctx context.Context) ([]model.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.SessionRecord
	for _, rec := range f.rows {
		if rec.SubscriptionActive && rec.Status != model.SessionStatusExpired {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeSessions) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeSessions) get(id string) (model.SessionRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[id]
	return rec, ok
}

type fakePrefs struct {
	mu    sync.Mutex
	prefs map[string]model.UserPreference
}

func (p *fakePrefs) Get(ctx context.Context, userID string) model.UserPreference {
	p.mu.Lock()
	defer p.mu.Unlock()
	pref := p.prefs[userID]
	pref.UserID = userID
	return pref
}

func (p *fakePrefs) update(userID string, fn func(*model.UserPreference)) model.UserPreference {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prefs == nil {
		p.prefs = make(map[string]model.UserPreference)
	}
	pref := p.prefs[userID]
	fn(&pref)
	p.prefs[userID] = pref
	return pref
}

func (p *fakePrefs) SetSilent(ctx context.Context, userID string, on bool) model.UserPreference {
	return p.update(userID, func(pref *model.UserPreference) { pref.SilentMode = on })
}

func (p *fakePrefs) SetPrivate(ctx context.Context, userID string, on bool) model.UserPreference {
	return p.update(userID, func(pref *model.UserPreference) { pref.PrivateMode = on })
}

func (p *fakePrefs) Allow(ctx context.Context, userID, id string) model.UserPreference {
	return p.update(userID, func(pref *model.UserPreference) { pref.AllowList = append(pref.AllowList, id) })
}

func (p *fakePrefs) Deny(ctx context.Context, userID, id string) model.UserPreference {
	return p.update(userID, func(pref *model.UserPreference) {
		var kept []string
		for _, existing := range pref.AllowList {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		pref.AllowList = kept
	})
}

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(ctx context.Context, cmd model.CommandContext) (string, bool, error) {
	switch cmd.Name {
	case "ping":
		return "pong " + strings.Join(cmd.Args, " "), true, nil
	case "broken":
		return "", true, errors.New("script error")
	}
	return "", false, nil
}

func (echoDispatcher) Describe() []model.CommandInfo {
	return []model.CommandInfo{{Name: "ping", Description: "Replies pong", Category: "general"}}
}

type denyAdmission struct{}

func (denyAdmission) Admit() error { return apperrors.CapacityExceeded() }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	reg      *Registry
	gate     *fakeGate
	repo     *fakeSessions
	prefs    *fakePrefs
	factory  *sockettest.Factory
	notifier *notifiertest.Recorder
	clock    *clock
	timers   *timers.Table
	authRoot string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	tt := timers.New()
	t.Cleanup(tt.Stop)

	f := &fixture{
		gate:     newFakeGate(),
		repo:     newFakeSessions(),
		prefs:    &fakePrefs{},
		factory:  sockettest.NewFactory(),
		notifier: &notifiertest.Recorder{},
		clock:    &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		timers:   tt,
		authRoot: filepath.Join(root, "sessions"),
	}
	pairer := pairing.NewService(f.factory, f.gate, f.notifier, nil, tt, nil, pairing.Options{
		AuthRoot:       f.authRoot,
		ScratchRoot:    filepath.Join(root, "scratch"),
		QRTimeout:      time.Minute,
		PairingTimeout: time.Minute,
	})
	f.reg = New(Deps{
		Gate:       f.gate,
		Pairer:     pairer,
		Notifier:   f.notifier,
		Sessions:   f.repo,
		Prefs:      f.prefs,
		Dispatcher: echoDispatcher{},
		Timers:     tt,
	}, Options{
		CommandPrefix:  ".",
		ReconnectDelay: 10 * time.Millisecond,
		IdleTimeout:    30 * time.Minute,
		TrialMaxAge:    24 * time.Hour,
	})
	f.reg.now = f.clock.Now
	return f
}

// connect creates a QR session for userID and completes the device link.
func (f *fixture) connect(t *testing.T, userID string) (*CreateResult, *sockettest.Socket) {
	t.Helper()
	res, err := f.reg.CreateSession(context.Background(), CreateRequest{UserID: userID, Method: model.ConnectionMethodQR})
	require.NoError(t, err)
	sock := f.factory.Last()
	require.NotNil(t, sock)
	sock.CompletePairing()

	info, ok := f.reg.Get(userID)
	require.True(t, ok)
	require.Equal(t, model.SessionStatusConnected, info.Status)
	return res, sock
}

func TestCreateSession_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())

	first, _ := f.connect(t, "tg:1")
	assert.False(t, first.Existing)
	assert.True(t, first.Persistent)

	f.clock.Advance(time.Minute)
	second, err := f.reg.CreateSession(context.Background(), CreateRequest{UserID: "tg:1", Method: model.ConnectionMethodQR})
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, f.factory.Count())
	assert.Equal(t, 1, f.reg.Stats().Total)

	info, _ := f.reg.Get("tg:1")
	assert.Equal(t, f.clock.Now(), info.LastActivityAt)
}

func TestCreateSession_ReplacementInSameMillisecond(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.reg.CreateSession(ctx, CreateRequest{UserID: "tg:1", Method: model.ConnectionMethodQR})
	require.NoError(t, err)
	firstSock := f.factory.Last()

	second, err := f.reg.CreateSession(ctx, CreateRequest{UserID: "tg:1", Method: model.ConnectionMethodQR})
	require.NoError(t, err)
	secondSock := f.factory.Last()

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.True(t, firstSock.Ended())
	assert.False(t, secondSock.Ended())
	assert.DirExists(t, secondSock.AuthDir)

	_, ok := f.repo.get(first.SessionID)
	assert.False(t, ok)
	_, ok = f.repo.get(second.SessionID)
	assert.True(t, ok)

	info, ok := f.reg.Get("tg:1")
	require.True(t, ok)
	assert.Equal(t, second.SessionID, info.SessionID)

	secondSock.CompletePairing()
	info, _ = f.reg.Get("tg:1")
	assert.Equal(t, model.SessionStatusConnected, info.Status)
}

func TestCreateSession_PersistsRow(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())

	res, _ := f.connect(t, "tg:1")

	rec, ok := f.repo.get(res.SessionID)
	require.True(t, ok)
	assert.Equal(t, model.SessionStatusConnected, rec.Status)
	assert.True(t, rec.SubscriptionActive)
	assert.Equal(t, filepath.Join(f.authRoot, res.SessionID), rec.AuthDir)
	assert.FileExists(t, filepath.Join(rec.AuthDir, socket.DeviceFile))
	assert.True(t, strings.HasPrefix(res.SessionID, "tg:1_"))
	assert.True(t, strings.HasSuffix(res.SessionID, "_qr"))
}

func TestCreateSession_AutoTrial(t *testing.T) {
	f := newFixture(t)

	res, err := f.reg.CreateSession(context.Background(), CreateRequest{UserID: "tg:2", Method: model.ConnectionMethodQR})
	require.NoError(t, err)
	assert.True(t, res.Access.Trial)
	assert.False(t, res.Persistent)

	f.gate.set("tg:3", model.AccessStatus{})
	f.gate.mu.Lock()
	f.gate.trials["tg:3"] = true
	f.gate.mu.Unlock()

	_, err = f.reg.CreateSession(context.Background(), CreateRequest{UserID: "tg:3", Method: model.ConnectionMethodQR})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTrialExhausted))
	_, ok := f.reg.Get("tg:3")
	assert.False(t, ok)
}

func TestCreateSession_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.CreateSession(context.Background(), CreateRequest{UserID: "", Method: model.ConnectionMethodQR})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))

	_, err = f.reg.CreateSession(context.Background(), CreateRequest{UserID: "tg:1", Method: "carrier-pigeon"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))

	_, err = f.reg.CreateSession(context.Background(), CreateRequest{UserID: "tg:1", Method: model.ConnectionMethodPairing, Phone: "12"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
	_, ok := f.reg.Get("tg:1")
	assert.False(t, ok, "failed pairing must not leave a session behind")
	assert.Empty(t, f.repo.rows)
}

func TestCreateSession_CapacityExceeded(t *testing.T) {
	f := newFixture(t)
	f.reg.admission = denyAdmission{}
	f.gate.set("tg:1", paid())

	_, err := f.reg.CreateSession(context.Background(), CreateRequest{UserID: "tg:1", Method: model.ConnectionMethodQR})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeCapacityExceeded))
	assert.Equal(t, 0, f.factory.Count())
}

func TestCreateSession_OpenFailureLeavesNothing(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	f.factory.OpenErr = errors.New("dial tcp: refused")

	_, err := f.reg.CreateSession(context.Background(), CreateRequest{UserID: "tg:1", Method: model.ConnectionMethodQR})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTransientConnection))
	assert.Equal(t, 0, f.reg.Stats().Total)
	assert.Empty(t, f.repo.rows)
}

func TestClose_PaidSessionReconnects(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	first, sock := f.connect(t, "tg:1")
	oldDir := filepath.Join(f.authRoot, first.SessionID)

	f.clock.Advance(time.Minute)
	sock.Close(socket.ReasonConnectionLost)

	info, ok := f.reg.Get("tg:1")
	require.True(t, ok)
	assert.Equal(t, model.SessionStatusReconnecting, info.Status)

	require.Eventually(t, func() bool { return f.factory.Count() == 2 }, time.Second, 5*time.Millisecond)
	resumed := f.factory.Last()
	resumed.Emit(socket.ConnectionUpdate{Connection: socket.Open})

	require.Eventually(t, func() bool {
		info, ok = f.reg.Get("tg:1")
		return ok && info.Status == model.SessionStatusConnected
	}, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, first.SessionID, info.SessionID)
	assert.True(t, info.SubscriptionActive)

	_, ok = f.repo.get(first.SessionID)
	assert.False(t, ok, "previous row is replaced")
	_, ok = f.repo.get(info.SessionID)
	assert.True(t, ok)
	assert.NoDirExists(t, oldDir)
	assert.FileExists(t, filepath.Join(f.authRoot, info.SessionID, socket.DeviceFile))
	assert.True(t, f.notifier.Contains("tg:1", "reconnected"))
}

func TestShutdown_StoppedTimersDropPendingWork(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	f.gate.set("tg:2", paid())
	res, sock := f.connect(t, "tg:1")

	_, err := f.reg.CreateSession(context.Background(), CreateRequest{UserID: "tg:2", Method: model.ConnectionMethodQR})
	require.NoError(t, err)
	require.Equal(t, 2, f.factory.Count())

	sock.Close(socket.ReasonConnectionLost)
	f.reg.Close()
	f.timers.Stop()

	assert.Equal(t, 0, f.timers.Len())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.factory.Count(), "no reconnect after shutdown")
	assert.FileExists(t, filepath.Join(f.authRoot, res.SessionID, socket.DeviceFile))
}

func TestCredentials_UpdateSavedToAuthDir(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	res, sock := f.connect(t, "tg:1")
	device := filepath.Join(f.authRoot, res.SessionID, socket.DeviceFile)

	require.NoError(t, sock.WriteDevice("device-v2"))
	sock.Emit(socket.CredentialsUpdate{SelfID: ownerJID})

	b, err := os.ReadFile(device)
	require.NoError(t, err)
	assert.Equal(t, "device-v2", string(b))
}

func TestCredentials_SurvivePaidReconnect(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	_, sock := f.connect(t, "tg:1")

	require.NoError(t, sock.WriteDevice("device-v2"))
	f.clock.Advance(time.Minute)
	sock.Close(socket.ReasonConnectionLost)
	assert.True(t, sock.Ended())

	require.Eventually(t, func() bool { return f.factory.Count() == 2 }, time.Second, 5*time.Millisecond)
	resumed := f.factory.Last()
	got, err := resumed.ReadDevice()
	require.NoError(t, err)
	assert.Equal(t, "device-v2", got)

	resumed.Emit(socket.ConnectionUpdate{Connection: socket.Open})
	require.Eventually(t, func() bool {
		info, ok := f.reg.Get("tg:1")
		return ok && info.Status == model.SessionStatusConnected
	}, time.Second, 5*time.Millisecond)

	info, _ := f.reg.Get("tg:1")
	b, err := os.ReadFile(filepath.Join(f.authRoot, info.SessionID, socket.DeviceFile))
	require.NoError(t, err)
	assert.Equal(t, "device-v2", string(b))
}

func TestCredentials_SurviveCloseAndRestore(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	res, sock := f.connect(t, "tg:1")

	require.NoError(t, sock.WriteDevice("device-v3"))
	f.reg.Close()
	assert.True(t, sock.Ended())
	assert.NoDirExists(t, sock.AuthDir)

	b, err := os.ReadFile(filepath.Join(f.authRoot, res.SessionID, socket.DeviceFile))
	require.NoError(t, err)
	assert.Equal(t, "device-v3", string(b))

	restored, err := f.reg.RestoreSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	resumed := f.factory.Last()
	require.NotSame(t, sock, resumed)
	got, err := resumed.ReadDevice()
	require.NoError(t, err)
	assert.Equal(t, "device-v3", got)
}

func TestClose_ReconnectSkippedWhenAccessEnded(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	first, sock := f.connect(t, "tg:1")

	f.gate.set("tg:1", model.AccessStatus{})
	sock.Close(socket.ReasonTimedOut)

	require.Eventually(t, func() bool {
		return f.notifier.Contains("tg:1", "not reconnected")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.factory.Count())
	rec, ok := f.repo.get(first.SessionID)
	require.True(t, ok)
	assert.Equal(t, model.SessionStatusExpired, rec.Status)
	_, ok = f.reg.Get("tg:1")
	assert.False(t, ok)
}

func TestClose_ResumeRejectedDropsCredentials(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	first, sock := f.connect(t, "tg:1")

	f.clock.Advance(time.Minute)
	sock.Close(socket.ReasonConnectionLost)
	require.Eventually(t, func() bool { return f.factory.Count() == 2 }, time.Second, 5*time.Millisecond)

	f.factory.Last().EmitQR("fresh-qr")

	_, ok := f.reg.Get("tg:1")
	assert.False(t, ok)
	_, ok = f.repo.get(first.SessionID)
	assert.False(t, ok)
	assert.NoDirExists(t, filepath.Join(f.authRoot, first.SessionID))
	assert.True(t, f.notifier.Contains("tg:1", "Could not reconnect"))
}

func TestClose_TerminalDeletesSession(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	res, sock := f.connect(t, "tg:1")

	sock.Close(socket.ReasonLoggedOut)

	_, ok := f.reg.Get("tg:1")
	assert.False(t, ok)
	_, ok = f.repo.get(res.SessionID)
	assert.False(t, ok)
	assert.NoDirExists(t, filepath.Join(f.authRoot, res.SessionID))
	assert.True(t, f.notifier.Contains("tg:1", "logged out"))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.factory.Count(), "no reconnect after a logout")
}

func TestClose_TrialSessionRemoved(t *testing.T) {
	f := newFixture(t)
	res, sock := f.connect(t, "tg:2")
	assert.False(t, res.Persistent)

	sock.Close(socket.ReasonConnectionLost)

	_, ok := f.reg.Get("tg:2")
	assert.False(t, ok)
	_, ok = f.repo.get(res.SessionID)
	assert.False(t, ok)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.factory.Count())
	assert.True(t, f.notifier.Contains("tg:2", "trial session was disconnected"))
}

func lastSent(sock *sockettest.Socket) string {
	sent := sock.Sent()
	if len(sent) == 0 {
		return ""
	}
	return sent[len(sent)-1].Text
}

func TestMessages_Commands(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	_, sock := f.connect(t, "tg:1")
	chat := "15551112222@s.whatsapp.net"

	t.Run("custom command from owner", func(t *testing.T) {
		sock.Deliver(socket.Message{Chat: chat, Sender: ownerJID, Text: ".PING a b", FromMe: true})
		assert.Equal(t, "pong a b", lastSent(sock))
	})

	t.Run("plain text is ignored", func(t *testing.T) {
		before := len(sock.Sent())
		sock.Deliver(socket.Message{Chat: chat, Sender: "15551112222@s.whatsapp.net", Text: "hello"})
		assert.Len(t, sock.Sent(), before)
	})

	t.Run("group message without mention is ignored", func(t *testing.T) {
		before := len(sock.Sent())
		sock.Deliver(socket.Message{Chat: "123@g.us", Sender: "15551112222@s.whatsapp.net", Text: ".ping", IsGroup: true})
		assert.Len(t, sock.Sent(), before)
	})

	t.Run("failing command replies with an error", func(t *testing.T) {
		sock.Deliver(socket.Message{Chat: chat, Sender: ownerJID, Text: ".broken", FromMe: true})
		assert.Contains(t, lastSent(sock), "failed")
	})

	t.Run("builtins are owner only", func(t *testing.T) {
		sock.Deliver(socket.Message{Chat: chat, Sender: "15551112222@s.whatsapp.net", Text: ".silent on"})
		assert.Contains(t, lastSent(sock), "Only the owner")
		assert.False(t, f.prefs.Get(context.Background(), "tg:1").SilentMode)
	})

	t.Run("help lists custom commands", func(t *testing.T) {
		sock.Deliver(socket.Message{Chat: chat, Sender: ownerJID, Text: ".help", FromMe: true})
		assert.Contains(t, lastSent(sock), ".ping  Replies pong")
	})
}

func TestMessages_PrivateAndSilentModes(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	_, sock := f.connect(t, "tg:1")
	chat := "15551112222@s.whatsapp.net"
	stranger := "15551112222@s.whatsapp.net"

	sock.Deliver(socket.Message{Chat: chat, Sender: ownerJID, Text: ".private on", FromMe: true})
	assert.Contains(t, lastSent(sock), "Private mode on")

	sock.Deliver(socket.Message{Chat: chat, Sender: stranger, Text: ".ping"})
	assert.Contains(t, lastSent(sock), "private mode")

	sock.Deliver(socket.Message{Chat: chat, Sender: ownerJID, Text: ".allow +1 555 111 2222", FromMe: true})
	assert.Equal(t, "✅ Allowed 15551112222", lastSent(sock))

	sock.Deliver(socket.Message{Chat: chat, Sender: stranger, Text: ".ping"})
	assert.Equal(t, "pong ", lastSent(sock))

	sock.Deliver(socket.Message{Chat: chat, Sender: ownerJID, Text: ".deny 15551112222", FromMe: true})
	sock.Deliver(socket.Message{Chat: chat, Sender: ownerJID, Text: ".silent", FromMe: true})
	assert.Contains(t, lastSent(sock), "Silent mode on")

	before := len(sock.Sent())
	sock.Deliver(socket.Message{Chat: chat, Sender: stranger, Text: ".ping"})
	assert.Len(t, sock.Sent(), before, "silent mode drops refusals")

	sock.Deliver(socket.Message{Chat: chat, Sender: ownerJID, Text: ".settings", FromMe: true})
	assert.Contains(t, lastSent(sock), "Silent mode: on")
	assert.Contains(t, lastSent(sock), "Private mode: on")
	assert.Contains(t, lastSent(sock), "Allowed: nobody")
}

func TestMessages_RefreshActivity(t *testing.T) {
	f := newFixture(t)
	res, sock := f.connect(t, "tg:2")

	f.clock.Advance(2 * time.Minute)
	sock.Deliver(socket.Message{Chat: "1@s.whatsapp.net", Sender: "1@s.whatsapp.net", Text: "hi"})

	info, _ := f.reg.Get("tg:2")
	assert.Equal(t, f.clock.Now(), info.LastActivityAt)
	rec, _ := f.repo.get(res.SessionID)
	assert.Equal(t, f.clock.Now(), rec.LastActivityAt)
}

func TestActivitySweep(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	f.connect(t, "tg:1")
	trial, _ := f.connect(t, "tg:2")

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, 0, f.reg.ActivitySweep(context.Background()))

	f.clock.Advance(25 * time.Minute)
	assert.Equal(t, 1, f.reg.ActivitySweep(context.Background()))

	_, ok := f.reg.Get("tg:2")
	assert.False(t, ok)
	_, ok = f.reg.Get("tg:1")
	assert.True(t, ok, "paid sessions are never idled out")
	_, ok = f.repo.get(trial.SessionID)
	assert.False(t, ok)
	assert.True(t, f.notifier.Contains("tg:2", "without activity"))
}

func TestCleanupSweep(t *testing.T) {
	t.Run("expires old trial sessions", func(t *testing.T) {
		f := newFixture(t)
		res, sock := f.connect(t, "tg:2")

		assert.Equal(t, SweepResult{}, f.reg.CleanupSweep(context.Background()))

		f.clock.Advance(25 * time.Hour)
		assert.Equal(t, SweepResult{Expired: 1}, f.reg.CleanupSweep(context.Background()))

		_, ok := f.reg.Get("tg:2")
		assert.False(t, ok)
		rec, ok := f.repo.get(res.SessionID)
		require.True(t, ok)
		assert.Equal(t, model.SessionStatusExpired, rec.Status)
		assert.True(t, sock.Ended())
	})

	t.Run("upgrades and downgrades persistence", func(t *testing.T) {
		f := newFixture(t)
		res, _ := f.connect(t, "tg:2")

		f.gate.set("tg:2", paid())
		assert.Equal(t, SweepResult{Upgraded: 1}, f.reg.CleanupSweep(context.Background()))
		rec, _ := f.repo.get(res.SessionID)
		assert.True(t, rec.SubscriptionActive)
		assert.True(t, f.notifier.Contains("tg:2", "subscription is active"))

		f.gate.set("tg:2", model.AccessStatus{})
		assert.Equal(t, SweepResult{Downgraded: 1}, f.reg.CleanupSweep(context.Background()))
		info, ok := f.reg.Get("tg:2")
		require.True(t, ok)
		assert.False(t, info.SubscriptionActive)

		assert.Equal(t, SweepResult{Expired: 1}, f.reg.CleanupSweep(context.Background()))
	})
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	res, sock := f.connect(t, "tg:1")

	require.NoError(t, f.reg.Disconnect(context.Background(), "tg:1"))

	assert.True(t, sock.LoggedOut())
	assert.True(t, sock.Ended())
	_, ok := f.reg.Get("tg:1")
	assert.False(t, ok)
	_, ok = f.repo.get(res.SessionID)
	assert.False(t, ok)
	assert.NoDirExists(t, filepath.Join(f.authRoot, res.SessionID))

	err := f.reg.Disconnect(context.Background(), "tg:1")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
}

func TestDisconnect_CancelsPendingPairing(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.CreateSession(context.Background(), CreateRequest{UserID: "tg:2", Method: model.ConnectionMethodQR})
	require.NoError(t, err)

	require.NoError(t, f.reg.Disconnect(context.Background(), "tg:2"))
	assert.True(t, f.factory.Last().Ended())
	assert.False(t, f.factory.Last().LoggedOut())
	assert.Equal(t, 0, f.reg.Stats().Total)
}

func TestRestoreSessions(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:5", paid())
	f.gate.set("tg:6", paid())

	storedDir := filepath.Join(f.authRoot, "tg:5_1_qr")
	require.NoError(t, os.MkdirAll(storedDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(storedDir, socket.DeviceFile), []byte("device"), 0o600))

	ctx := context.Background()
	require.NoError(t, f.repo.Upsert(ctx, model.SessionRecord{
		SessionID: "tg:5_1_qr", UserID: "tg:5", AuthDir: storedDir,
		Status: model.SessionStatusConnected, ConnectionMethod: model.ConnectionMethodQR, SubscriptionActive: true,
	}))
	require.NoError(t, f.repo.Upsert(ctx, model.SessionRecord{
		SessionID: "tg:6_1_qr", UserID: "tg:6", AuthDir: filepath.Join(f.authRoot, "missing"),
		Status: model.SessionStatusConnected, ConnectionMethod: model.ConnectionMethodQR, SubscriptionActive: true,
	}))

	restored, err := f.reg.RestoreSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	_, ok := f.repo.get("tg:6_1_qr")
	assert.False(t, ok, "rows without credentials are dropped")

	f.factory.Last().Emit(socket.ConnectionUpdate{Connection: socket.Open})
	info, ok := f.reg.Get("tg:5")
	require.True(t, ok)
	assert.Equal(t, model.SessionStatusConnected, info.Status)
	_, ok = f.repo.get("tg:5_1_qr")
	assert.False(t, ok)
}

func TestSnapshotAndStats(t *testing.T) {
	f := newFixture(t)
	f.gate.set("tg:1", paid())
	f.connect(t, "tg:1")
	f.clock.Advance(time.Second)
	f.connect(t, "tg:2")
	f.clock.Advance(time.Second)
	_, err := f.reg.CreateSession(context.Background(), CreateRequest{UserID: "tg:3", Method: model.ConnectionMethodQR})
	require.NoError(t, err)

	snap := f.reg.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "tg:1", snap[0].UserID)
	assert.Equal(t, "tg:3", snap[2].UserID)

	assert.Equal(t, model.SessionStats{
		Total:              3,
		Connected:          2,
		Connecting:         1,
		PersistentSessions: 1,
		TrialSessions:      2,
	}, f.reg.Stats())

	f.reg.Close()
	for _, s := range f.factory.All() {
		assert.True(t, s.Ended())
		assert.False(t, s.LoggedOut())
	}
}

func TestParseCommand(t *testing.T) {
	name, args, ok := parseCommand("  .Allow +1 555 ", ".")
	require.True(t, ok)
	assert.Equal(t, "allow", name)
	assert.Equal(t, []string{"+1", "555"}, args)

	_, _, ok = parseCommand(".", ".")
	assert.False(t, ok)
	_, _, ok = parseCommand("allow", ".")
	assert.False(t, ok)
}

func TestUserPart(t *testing.T) {
	assert.Equal(t, "1555", userPart("1555:3@s.whatsapp.net"))
	assert.Equal(t, "1555", userPart("1555@s.whatsapp.net"))
	assert.Equal(t, "1555", userPart("1555"))
}
