package model

import "time"

type PairingAudit struct {
	ID          string           `db:"id" json:"id"`
	UserID      string           `db:"user_id" json:"userId"`
	SessionID   string           `db:"session_id" json:"sessionId"`
	Method      ConnectionMethod `db:"method" json:"method"`
	PhoneSuffix *string          `db:"phone_suffix" json:"phoneSuffix,omitempty"`
	Outcome     PairingOutcome   `db:"outcome" json:"outcome"`
	CreatedAt   time.Time        `db:"created_at" json:"createdAt"`
}
