package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/novamd/bridge-server-go/internal/model"
)

type mockPreferenceRepo struct {
	mock.Mock
}

func (m *mockPreferenceRepo) FindByUserID(ctx context.Context, userID string) (*model.UserPreference, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserPreference), args.Error(1)
}

func (m *mockPreferenceRepo) FindAll(ctx context.Context) ([]model.UserPreference, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.UserPreference), args.Error(1)
}

func (m *mockPreferenceRepo) Upsert(ctx context.Context, pref model.UserPreference) error {
	return m.Called(ctx, pref).Error(0)
}

func TestPreferenceService_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults when nothing stored", func(t *testing.T) {
		repo := new(mockPreferenceRepo)
		repo.On("FindByUserID", ctx, "tg:1").Return(nil, nil)

		pref := NewPreferenceService(repo).Get(ctx, "tg:1")
		assert.Equal(t, "tg:1", pref.UserID)
		assert.False(t, pref.SilentMode)
		assert.False(t, pref.PrivateMode)
	})

	t.Run("datastore failure degrades to defaults", func(t *testing.T) {
		repo := new(mockPreferenceRepo)
		repo.On("FindByUserID", ctx, "tg:1").Return(nil, errors.New("down"))

		pref := NewPreferenceService(repo).Get(ctx, "tg:1")
		assert.False(t, pref.PrivateMode)
	})

	t.Run("stored row is cached", func(t *testing.T) {
		repo := new(mockPreferenceRepo)
		repo.On("FindByUserID", ctx, "tg:1").Return(&model.UserPreference{UserID: "tg:1", SilentMode: true}, nil).Once()

		svc := NewPreferenceService(repo)
		assert.True(t, svc.Get(ctx, "tg:1").SilentMode)
		assert.True(t, svc.Get(ctx, "tg:1").SilentMode)
		repo.AssertNumberOfCalls(t, "FindByUserID", 1)
	})
}

func TestPreferenceService_Mutations(t *testing.T) {
	ctx := context.Background()
	repo := new(mockPreferenceRepo)
	repo.On("FindByUserID", ctx, "tg:1").Return(nil, nil)
	repo.On("Upsert", ctx, mock.Anything).Return(nil)

	svc := NewPreferenceService(repo)

	pref := svc.SetPrivate(ctx, "tg:1", true)
	assert.True(t, pref.PrivateMode)
	assert.False(t, pref.Allows("tg:2"))

	pref = svc.Allow(ctx, "tg:1", "tg:2")
	assert.True(t, pref.Allows("tg:2"))
	assert.False(t, pref.Allows("tg:3"))

	pref = svc.Allow(ctx, "tg:1", "tg:2")
	assert.Len(t, pref.AllowList, 1)

	pref = svc.Deny(ctx, "tg:1", "tg:2")
	assert.False(t, pref.Allows("tg:2"))

	pref = svc.Allow(ctx, "tg:1", model.AllowAll)
	assert.True(t, pref.Allows("anyone"))

	pref = svc.SetSilent(ctx, "tg:1", true)
	assert.True(t, pref.SilentMode)
	assert.True(t, pref.PrivateMode)

	repo.AssertNumberOfCalls(t, "Upsert", 6)
}

func TestPreferenceService_PersistFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	repo := new(mockPreferenceRepo)
	repo.On("FindByUserID", ctx, "tg:1").Return(nil, nil).Once()
	repo.On("Upsert", ctx, mock.Anything).Return(errors.New("down"))

	svc := NewPreferenceService(repo)
	svc.SetSilent(ctx, "tg:1", true)

	assert.True(t, svc.Get(ctx, "tg:1").SilentMode)
}

func TestPreferenceService_Reload(t *testing.T) {
	ctx := context.Background()
	repo := new(mockPreferenceRepo)
	repo.On("FindAll", ctx).Return([]model.UserPreference{
		{UserID: "tg:1", PrivateMode: true, AllowList: []string{"tg:9"}},
	}, nil)

	svc := NewPreferenceService(repo)
	require.NoError(t, svc.Reload(ctx))
	assert.Equal(t, "preferences", svc.Name())

	pref := svc.Get(ctx, "tg:1")
	assert.True(t, pref.Allows("tg:9"))
	repo.AssertNotCalled(t, "FindByUserID", mock.Anything, mock.Anything)
}
