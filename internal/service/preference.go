package service

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/repository"
)

// PreferenceService keeps user preferences in memory. The cache answers every
// read; the datastore only makes writes survive a restart.
type PreferenceService struct {
	repo  repository.PreferenceRepository
	mu    sync.RWMutex
	cache map[string]model.UserPreference
}

func NewPreferenceService(repo repository.PreferenceRepository) *PreferenceService {
	return &PreferenceService{
		repo:  repo,
		cache: make(map[string]model.UserPreference),
	}
}

func (s *PreferenceService) Name() string {
	return "preferences"
}

// Reload replaces the cache with the persisted rows.
func (s *PreferenceService) Reload(ctx context.Context) error {
	prefs, err := s.repo.FindAll(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]model.UserPreference, len(prefs))
	for _, p := range prefs {
		fresh[p.UserID] = p
	}

	s.mu.Lock()
	s.cache = fresh
	s.mu.Unlock()

	log.Info().Int("count", len(fresh)).Msg("preferences loaded")
	return nil
}

// Get never fails: a miss falls back to the datastore and then to defaults.
func (s *PreferenceService) Get(ctx context.Context, userID string) model.UserPreference {
	s.mu.RLock()
	pref, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok {
		return clonePreference(pref)
	}

	stored, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("failed to load preferences")
		return model.UserPreference{UserID: userID}
	}
	if stored == nil {
		return model.UserPreference{UserID: userID}
	}

	s.mu.Lock()
	if _, ok := s.cache[userID]; !ok {
		s.cache[userID] = *stored
	}
	pref = s.cache[userID]
	s.mu.Unlock()
	return clonePreference(pref)
}

func (s *PreferenceService) SetSilent(ctx context.Context, userID string, on bool) model.UserPreference {
	return s.update(ctx, userID, func(p *model.UserPreference) {
		p.SilentMode = on
	})
}

func (s *PreferenceService) SetPrivate(ctx context.Context, userID string, on bool) model.UserPreference {
	return s.update(ctx, userID, func(p *model.UserPreference) {
		p.PrivateMode = on
	})
}

// Allow adds id to the allow list. AllowAll replaces any individual entries.
func (s *PreferenceService) Allow(ctx context.Context, userID, id string) model.UserPreference {
	return s.update(ctx, userID, func(p *model.UserPreference) {
		if id == model.AllowAll {
			p.AllowList = []string{model.AllowAll}
			return
		}
		if !slices.Contains(p.AllowList, id) {
			p.AllowList = append(p.AllowList, id)
		}
	})
}

func (s *PreferenceService) Deny(ctx context.Context, userID, id string) model.UserPreference {
	return s.update(ctx, userID, func(p *model.UserPreference) {
		p.AllowList = slices.DeleteFunc(p.AllowList, func(v string) bool { return v == id })
	})
}

func (s *PreferenceService) update(ctx context.Context, userID string, mutate func(*model.UserPreference)) model.UserPreference {
	current := s.Get(ctx, userID)

	s.mu.Lock()
	if cached, ok := s.cache[userID]; ok {
		current = clonePreference(cached)
	}
	mutate(&current)
	if current.AllowList == nil {
		current.AllowList = []string{}
	}
	s.cache[userID] = current
	s.mu.Unlock()

	if err := s.repo.Upsert(ctx, current); err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to persist preferences")
	}
	return clonePreference(current)
}

func clonePreference(p model.UserPreference) model.UserPreference {
	p.AllowList = slices.Clone(p.AllowList)
	return p
}
