package model

import (
	"strings"
	"time"
)

type Plan string

const (
	PlanMonthly    Plan = "monthly"
	PlanQuarterly  Plan = "quarterly"
	PlanSemiannual Plan = "semiannual"
	PlanYearly     Plan = "yearly"
	PlanCustom     Plan = "custom"
)

var planDurations = map[Plan]int{
	PlanMonthly:    30,
	PlanQuarterly:  90,
	PlanSemiannual: 180,
	PlanYearly:     365,
}

// ParsePlan accepts the canonical names plus the short aliases used by operators.
func ParsePlan(s string) (Plan, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monthly", "1month", "month":
		return PlanMonthly, true
	case "quarterly", "3months", "3month":
		return PlanQuarterly, true
	case "semiannual", "6months", "6month":
		return PlanSemiannual, true
	case "yearly", "1year", "year", "annual":
		return PlanYearly, true
	case "custom":
		return PlanCustom, true
	}
	return "", false
}

// DurationDays returns the catalogue duration. Custom plans have none.
func (p Plan) DurationDays() (int, bool) {
	d, ok := planDurations[p]
	return d, ok
}

type AccessCode struct {
	Code         string     `db:"code" json:"code"`
	Plan         Plan       `db:"plan" json:"plan"`
	DurationDays int        `db:"duration_days" json:"durationDays"`
	Used         bool       `db:"used" json:"used"`
	UsedBy       *string    `db:"used_by" json:"usedBy,omitempty"`
	UsedAt       *time.Time `db:"used_at" json:"usedAt,omitempty"`
	ExpiresAt    time.Time  `db:"expires_at" json:"expiresAt"`
	CreatedBy    string     `db:"created_by" json:"createdBy"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
}

type CreateAccessCodeParams struct {
	Code         string
	Plan         Plan
	DurationDays int
	ExpiresAt    time.Time
	CreatedBy    string
}

type Subscription struct {
	ID         int64              `db:"id" json:"id"`
	UserID     string             `db:"user_id" json:"userId"`
	Plan       Plan               `db:"plan" json:"plan"`
	StartDate  time.Time          `db:"start_date" json:"startDate"`
	EndDate    time.Time          `db:"end_date" json:"endDate"`
	Status     SubscriptionStatus `db:"status" json:"status"`
	AccessCode string             `db:"access_code" json:"accessCode"`
	CreatedAt  time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time          `db:"updated_at" json:"updatedAt"`
}

type CreateSubscriptionParams struct {
	UserID     string
	Plan       Plan
	StartDate  time.Time
	EndDate    time.Time
	AccessCode string
}

type Trial struct {
	UserID    string    `db:"user_id" json:"userId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
}

// AccessStatus answers whether a user may hold a session and whether it survives restarts.
type AccessStatus struct {
	HasAccess  bool       `json:"hasAccess"`
	Persistent bool       `json:"persistent"`
	Trial      bool       `json:"trial"`
	DaysLeft   int        `json:"daysLeft"`
	Plan       Plan       `json:"plan,omitempty"`
	EndDate    *time.Time `json:"endDate,omitempty"`
}

type AccessStats struct {
	ActiveSubscriptions int `json:"activeSubs"`
	TotalCodes          int `json:"totalCodes"`
	UsedCodes           int `json:"usedCodes"`
	ActiveTrials        int `json:"activeTrials"`
}
