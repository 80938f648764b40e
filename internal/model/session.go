package model

import "time"

// SessionRecord is the persisted mirror of a registry session.
type SessionRecord struct {
	SessionID          string           `db:"session_id" json:"sessionId"`
	UserID             string           `db:"user_id" json:"userId"`
	AuthDir            string           `db:"auth_dir" json:"-"`
	Status             SessionStatus    `db:"status" json:"status"`
	ConnectionMethod   ConnectionMethod `db:"connection_method" json:"connectionMethod"`
	SubscriptionActive bool             `db:"subscription_active" json:"subscriptionActive"`
	CreatedAt          time.Time        `db:"created_at" json:"createdAt"`
	LastActivityAt     time.Time        `db:"last_activity_at" json:"lastActivityAt"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updatedAt"`
}

// SessionInfo is the read-only view of a live session.
type SessionInfo struct {
	SessionID          string           `json:"sessionId"`
	UserID             string           `json:"userId"`
	Status             SessionStatus    `json:"status"`
	ConnectionMethod   ConnectionMethod `json:"connectionMethod"`
	SubscriptionActive bool             `json:"subscriptionActive"`
	CreatedAt          time.Time        `json:"createdAt"`
	LastActivityAt     time.Time        `json:"lastActivityAt"`
}

type SessionStats struct {
	Total              int `json:"total"`
	Connected          int `json:"connected"`
	Connecting         int `json:"connecting"`
	Reconnecting       int `json:"reconnecting"`
	PersistentSessions int `json:"persistentSessions"`
	TrialSessions      int `json:"trialSessions"`
}
