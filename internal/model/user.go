package model

import "time"

type User struct {
	UserID     string    `db:"user_id" json:"userId"`
	Name       string    `db:"name" json:"name"`
	Username   *string   `db:"username" json:"username,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	LastSeenAt time.Time `db:"last_seen_at" json:"lastSeenAt"`
}

type RegisterUserParams struct {
	UserID   string
	Name     string
	Username *string
}

// UserData is the operator-supplied profile carried with session requests.
type UserData struct {
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}
