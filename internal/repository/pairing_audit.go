package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/novamd/bridge-server-go/internal/model"
)

type PairingAuditRepository interface {
	Create(ctx context.Context, audit model.PairingAudit) error
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type pairingAuditRepo struct {
	db *sqlx.DB
}

func NewPairingAuditRepository(db *sqlx.DB) PairingAuditRepository {
	return &pairingAuditRepo{db: db}
}

func (r *pairingAuditRepo) Create(ctx context.Context, audit model.PairingAudit) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pairing_audits (id, user_id, session_id, method, phone_suffix, outcome)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, audit.ID, audit.UserID, audit.SessionID, audit.Method, audit.PhoneSuffix, audit.Outcome)
	return err
}

func (r *pairingAuditRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, `DELETE FROM pairing_audits WHERE created_at < $1`, before))
}
