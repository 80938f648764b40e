package handler

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/registry"
	"github.com/novamd/bridge-server-go/internal/resource"
	"github.com/novamd/bridge-server-go/internal/update"
)

type MockSessionManager struct {
	mock.Mock
}

func (m *MockSessionManager) CreateSession(ctx context.Context, req registry.CreateRequest) (*registry.CreateResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*registry.CreateResult), args.Error(1)
}

func (m *MockSessionManager) Get(userID string) (model.SessionInfo, bool) {
	args := m.Called(userID)
	return args.Get(0).(model.SessionInfo), args.Bool(1)
}

func (m *MockSessionManager) Disconnect(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *MockSessionManager) Stats() model.SessionStats {
	return m.Called().Get(0).(model.SessionStats)
}

type MockAccessGate struct {
	mock.Mock
}

func (m *MockAccessGate) RedeemCode(ctx context.Context, code, userID string) (*model.Subscription, error) {
	args := m.Called(ctx, code, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Subscription), args.Error(1)
}

func (m *MockAccessGate) CheckAccess(ctx context.Context, userID string) model.AccessStatus {
	return m.Called(ctx, userID).Get(0).(model.AccessStatus)
}

type MockCodeIssuer struct {
	mock.Mock
}

func (m *MockCodeIssuer) IssueCode(ctx context.Context, plan model.Plan, durationDays int, issuer string) (*model.AccessCode, error) {
	args := m.Called(ctx, plan, durationDays, issuer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AccessCode), args.Error(1)
}

func (m *MockCodeIssuer) Cancel(ctx context.Context, userID, actor string) error {
	return m.Called(ctx, userID, actor).Error(0)
}

func (m *MockCodeIssuer) Stats(ctx context.Context) (model.AccessStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.AccessStats), args.Error(1)
}

type MockUpdater struct {
	mock.Mock
}

func (m *MockUpdater) PerformUpdate(ctx context.Context, force bool) (*update.Result, error) {
	args := m.Called(ctx, force)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*update.Result), args.Error(1)
}

func (m *MockUpdater) Trigger(force bool) error {
	return m.Called(force).Error(0)
}

func (m *MockUpdater) Status() update.Status {
	return m.Called().Get(0).(update.Status)
}

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) Register(ctx context.Context, params model.RegisterUserParams) (*model.User, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *MockUserRepository) FindByID(ctx context.Context, userID string) (*model.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *MockUserRepository) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type fakeActive struct {
	subs []model.Subscription
}

func (f fakeActive) ListActive(context.Context) ([]model.Subscription, error) {
	return f.subs, nil
}

type fakePrefs struct {
	prefs map[string]model.UserPreference
}

func newFakePrefs() *fakePrefs {
	return &fakePrefs{prefs: make(map[string]model.UserPreference)}
}

func (f *fakePrefs) Get(_ context.Context, userID string) model.UserPreference {
	p := f.prefs[userID]
	p.UserID = userID
	return p
}

func (f *fakePrefs) mutate(userID string, fn func(*model.UserPreference)) model.UserPreference {
	p := f.prefs[userID]
	p.UserID = userID
	fn(&p)
	f.prefs[userID] = p
	return p
}

func (f *fakePrefs) SetSilent(_ context.Context, userID string, on bool) model.UserPreference {
	return f.mutate(userID, func(p *model.UserPreference) { p.SilentMode = on })
}

func (f *fakePrefs) SetPrivate(_ context.Context, userID string, on bool) model.UserPreference {
	return f.mutate(userID, func(p *model.UserPreference) { p.PrivateMode = on })
}

func (f *fakePrefs) Allow(_ context.Context, userID, id string) model.UserPreference {
	return f.mutate(userID, func(p *model.UserPreference) { p.AllowList = append(p.AllowList, id) })
}

func (f *fakePrefs) Deny(_ context.Context, userID, id string) model.UserPreference {
	return f.mutate(userID, func(p *model.UserPreference) {
		kept := p.AllowList[:0]
		for _, v := range p.AllowList {
			if v != id {
				kept = append(kept, v)
			}
		}
		p.AllowList = kept
	})
}

type staticHealth struct {
	report resource.Report
}

func (s staticHealth) Report() resource.Report {
	return s.report
}

type fakeCatalog struct{}

func (fakeCatalog) Info() map[string][]model.CommandInfo {
	return map[string][]model.CommandInfo{
		"fun": {{Name: "joke", Description: "Tells a joke", Category: "fun"}},
	}
}

func (fakeCatalog) Len() int { return 1 }
