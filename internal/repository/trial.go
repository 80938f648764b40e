package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/novamd/bridge-server-go/internal/model"
)

type TrialRepository interface {
	FindByUserID(ctx context.Context, userID string) (*model.Trial, error)
	// CreateIfAbsent inserts a trial unless one already exists and returns the
	// stored row either way. created is false when the row pre-existed.
	CreateIfAbsent(ctx context.Context, userID string, createdAt, expiresAt time.Time) (trial *model.Trial, created bool, err error)
	CountActive(ctx context.Context, now time.Time) (int, error)
}

type trialRepo struct {
	db *sqlx.DB
}

func NewTrialRepository(db *sqlx.DB) TrialRepository {
	return &trialRepo{db: db}
}

func (r *trialRepo) FindByUserID(ctx context.Context, userID string) (*model.Trial, error) {
	var trial model.Trial
	err := r.db.GetContext(ctx, &trial, `SELECT * FROM trials WHERE user_id = $1`, userID)
	return HandleNotFound(&trial, err)
}

func (r *trialRepo) CreateIfAbsent(ctx context.Context, userID string, createdAt, expiresAt time.Time) (*model.Trial, bool, error) {
	n, err := rowsAffected(r.db.ExecContext(ctx, `
		INSERT INTO trials (user_id, created_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, createdAt, expiresAt))
	if err != nil {
		return nil, false, err
	}

	trial, err := r.FindByUserID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return trial, n > 0, nil
}

func (r *trialRepo) CountActive(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM trials WHERE expires_at > $1`, now)
	return count, err
}
