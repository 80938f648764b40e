package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/novamd/bridge-server-go/internal/model"
)

type SubscriptionRepository interface {
	Create(ctx context.Context, params model.CreateSubscriptionParams) (*model.Subscription, error)
	FindActiveByUserID(ctx context.Context, userID string) (*model.Subscription, error)
	FindByAccessCode(ctx context.Context, code string) (*model.Subscription, error)
	ListActive(ctx context.Context, now time.Time) ([]model.Subscription, error)
	Cancel(ctx context.Context, id int64) error
	// ExpireDue flips every active grant whose end date has passed to expired.
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
	CountActive(ctx context.Context, now time.Time) (int, error)
	WithTx(tx *sqlx.Tx) SubscriptionRepository
}

type subscriptionRepo struct {
	db queryer
}

func NewSubscriptionRepository(db *sqlx.DB) SubscriptionRepository {
	return &subscriptionRepo{db: db}
}

func (r *subscriptionRepo) WithTx(tx *sqlx.Tx) SubscriptionRepository {
	return &subscriptionRepo{db: tx}
}

func (r *subscriptionRepo) Create(ctx context.Context, params model.CreateSubscriptionParams) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.GetContext(ctx, &sub, `
		INSERT INTO subscriptions (user_id, plan, start_date, end_date, access_code)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`, params.UserID, params.Plan, params.StartDate, params.EndDate, params.AccessCode)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepo) FindActiveByUserID(ctx context.Context, userID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.GetContext(ctx, &sub, `
		SELECT * FROM subscriptions
		WHERE user_id = $1 AND status = 'active'
		ORDER BY end_date DESC
		LIMIT 1
	`, userID)
	return HandleNotFound(&sub, err)
}

func (r *subscriptionRepo) FindByAccessCode(ctx context.Context, code string) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.GetContext(ctx, &sub, `
		SELECT * FROM subscriptions WHERE access_code = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, code)
	return HandleNotFound(&sub, err)
}

func (r *subscriptionRepo) ListActive(ctx context.Context, now time.Time) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := r.db.SelectContext(ctx, &subs, `
		SELECT * FROM subscriptions
		WHERE status = 'active' AND end_date > $1
		ORDER BY end_date ASC
	`, now)
	return subs, err
}

func (r *subscriptionRepo) Cancel(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			status = 'cancelled',
			updated_at = $2
		WHERE id = $1 AND status = 'active'
	`, id, time.Now())
	return err
}

func (r *subscriptionRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			status = 'expired',
			updated_at = $1
		WHERE status = 'active' AND end_date <= $1
	`, now))
}

func (r *subscriptionRepo) CountActive(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM subscriptions
		WHERE status = 'active' AND end_date > $1
	`, now)
	return count, err
}
