package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/novamd/bridge-server-go/internal/model"
)

type UserRepository interface {
	Register(ctx context.Context, params model.RegisterUserParams) (*model.User, error)
	FindByID(ctx context.Context, userID string) (*model.User, error)
	Count(ctx context.Context) (int, error)
}

type userRepo struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) Register(ctx context.Context, params model.RegisterUserParams) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		INSERT INTO users (user_id, name, username)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			name = EXCLUDED.name,
			username = EXCLUDED.username,
			last_seen_at = NOW()
		RETURNING *
	`, params.UserID, params.Name, params.Username)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepo) FindByID(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE user_id = $1`, userID)
	return HandleNotFound(&user, err)
}

func (r *userRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM users`)
	return count, err
}
