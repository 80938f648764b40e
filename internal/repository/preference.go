package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/novamd/bridge-server-go/internal/model"
)

type PreferenceRepository interface {
	FindByUserID(ctx context.Context, userID string) (*model.UserPreference, error)
	FindAll(ctx context.Context) ([]model.UserPreference, error)
	Upsert(ctx context.Context, pref model.UserPreference) error
}

type preferenceRepo struct {
	db *sqlx.DB
}

func NewPreferenceRepository(db *sqlx.DB) PreferenceRepository {
	return &preferenceRepo{db: db}
}

func (r *preferenceRepo) FindByUserID(ctx context.Context, userID string) (*model.UserPreference, error) {
	var pref model.UserPreference
	err := r.db.GetContext(ctx, &pref, `SELECT * FROM user_preferences WHERE user_id = $1`, userID)
	return HandleNotFound(&pref, err)
}

func (r *preferenceRepo) FindAll(ctx context.Context) ([]model.UserPreference, error) {
	var prefs []model.UserPreference
	err := r.db.SelectContext(ctx, &prefs, `SELECT * FROM user_preferences`)
	return prefs, err
}

func (r *preferenceRepo) Upsert(ctx context.Context, pref model.UserPreference) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, silent_mode, private_mode, allow_list, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			silent_mode = EXCLUDED.silent_mode,
			private_mode = EXCLUDED.private_mode,
			allow_list = EXCLUDED.allow_list,
			updated_at = NOW()
	`, pref.UserID, pref.SilentMode, pref.PrivateMode, pref.AllowList)
	return err
}
