package model

import (
	"time"

	"github.com/lib/pq"
)

// AllowAll in an allow list admits every sender.
const AllowAll = "all"

type UserPreference struct {
	UserID      string         `db:"user_id" json:"userId"`
	SilentMode  bool           `db:"silent_mode" json:"silentMode"`
	PrivateMode bool           `db:"private_mode" json:"privateMode"`
	AllowList   pq.StringArray `db:"allow_list" json:"allowList"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updatedAt"`
}

// Allows reports whether sender may use commands while private mode is on.
func (p UserPreference) Allows(sender string) bool {
	if !p.PrivateMode {
		return true
	}
	for _, id := range p.AllowList {
		if id == AllowAll || id == sender {
			return true
		}
	}
	return false
}
