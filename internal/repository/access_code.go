package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/novamd/bridge-server-go/internal/model"
)

type AccessCodeRepository interface {
	Create(ctx context.Context, params model.CreateAccessCodeParams) (*model.AccessCode, error)
	FindByCode(ctx context.Context, code string) (*model.AccessCode, error)
	// FindByCodeForUpdate locks the row until the surrounding transaction ends.
	FindByCodeForUpdate(ctx context.Context, code string) (*model.AccessCode, error)
	// MarkUsed binds an unused code to userID. It reports false when the code
	// was already used.
	MarkUsed(ctx context.Context, code string, userID string, at time.Time) (bool, error)
	CountAll(ctx context.Context) (int, error)
	CountUsed(ctx context.Context) (int, error)
	WithTx(tx *sqlx.Tx) AccessCodeRepository
}

type accessCodeRepo struct {
	db queryer
}

func NewAccessCodeRepository(db *sqlx.DB) AccessCodeRepository {
	return &accessCodeRepo{db: db}
}

func (r *accessCodeRepo) WithTx(tx *sqlx.Tx) AccessCodeRepository {
	return &accessCodeRepo{db: tx}
}

func (r *accessCodeRepo) Create(ctx context.Context, params model.CreateAccessCodeParams) (*model.AccessCode, error) {
	var code model.AccessCode
	err := r.db.GetContext(ctx, &code, `
		INSERT INTO access_codes (code, plan, duration_days, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`, params.Code, params.Plan, params.DurationDays, params.ExpiresAt, params.CreatedBy)
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func (r *accessCodeRepo) FindByCode(ctx context.Context, code string) (*model.AccessCode, error) {
	var ac model.AccessCode
	err := r.db.GetContext(ctx, &ac, `SELECT * FROM access_codes WHERE code = $1`, code)
	return HandleNotFound(&ac, err)
}

func (r *accessCodeRepo) FindByCodeForUpdate(ctx context.Context, code string) (*model.AccessCode, error) {
	var ac model.AccessCode
	err := r.db.GetContext(ctx, &ac, `SELECT * FROM access_codes WHERE code = $1 FOR UPDATE`, code)
	return HandleNotFound(&ac, err)
}

func (r *accessCodeRepo) MarkUsed(ctx context.Context, code string, userID string, at time.Time) (bool, error) {
	n, err := rowsAffected(r.db.ExecContext(ctx, `
		UPDATE access_codes SET
			used = TRUE,
			used_by = $2,
			used_at = $3
		WHERE code = $1 AND used = FALSE
	`, code, userID, at))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *accessCodeRepo) CountAll(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM access_codes`)
	return count, err
}

func (r *accessCodeRepo) CountUsed(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM access_codes WHERE used = TRUE`)
	return count, err
}
