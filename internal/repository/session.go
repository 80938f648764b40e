package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/novamd/bridge-server-go/internal/model"
)

type SessionRepository interface {
	Upsert(ctx context.Context, rec model.SessionRecord) error
	UpdateStatus(ctx context.Context, sessionID string, status model.SessionStatus) error
	SetSubscriptionActive(ctx context.Context, sessionID string, active bool) error
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Delete(ctx context.Context, sessionID string) error
	FindByUserID(ctx context.Context, userID string) ([]model.SessionRecord, error)
	// FindRestorable returns persistent sessions that should be brought back after a restart.
	FindRestorable(ctx context.Context) ([]model.SessionRecord, error)
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

type sessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) Upsert(ctx context.Context, rec model.SessionRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, auth_dir, status, connection_method,
			subscription_active, created_at, last_activity_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			auth_dir = EXCLUDED.auth_dir,
			status = EXCLUDED.status,
			subscription_active = EXCLUDED.subscription_active,
			last_activity_at = EXCLUDED.last_activity_at,
			updated_at = NOW()
	`, rec.SessionID, rec.UserID, rec.AuthDir, rec.Status, rec.ConnectionMethod,
		rec.SubscriptionActive, rec.CreatedAt, rec.LastActivityAt)
	return err
}

func (r *sessionRepo) UpdateStatus(ctx context.Context, sessionID string, status model.SessionStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = $2,
			updated_at = NOW()
		WHERE session_id = $1
	`, sessionID, status)
	return err
}

func (r *sessionRepo) SetSubscriptionActive(ctx context.Context, sessionID string, active bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			subscription_active = $2,
			updated_at = NOW()
		WHERE session_id = $1
	`, sessionID, active)
	return err
}

func (r *sessionRepo) Touch(ctx context.Context, sessionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = $2 WHERE session_id = $1
	`, sessionID, at)
	return err
}

func (r *sessionRepo) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	return err
}

func (r *sessionRepo) FindByUserID(ctx context.Context, userID string) ([]model.SessionRecord, error) {
	var recs []model.SessionRecord
	err := r.db.SelectContext(ctx, &recs, `
		SELECT * FROM sessions WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	return recs, err
}

func (r *sessionRepo) FindRestorable(ctx context.Context) ([]model.SessionRecord, error) {
	var recs []model.SessionRecord
	err := r.db.SelectContext(ctx, &recs, `
		SELECT DISTINCT ON (user_id) * FROM sessions
		WHERE subscription_active = TRUE
		AND status IN ('connected', 'reconnecting', 'disconnected')
		ORDER BY user_id, created_at DESC
	`)
	return recs, err
}

func (r *sessionRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE status = 'expired' OR (subscription_active = FALSE AND last_activity_at < $1)
	`, before))
}
