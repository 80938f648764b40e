package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserPreferenceAllows(t *testing.T) {
	t.Run("public mode allows everyone", func(t *testing.T) {
		p := UserPreference{}
		assert.True(t, p.Allows("123@s.whatsapp.net"))
	})

	t.Run("private mode honours allow list", func(t *testing.T) {
		p := UserPreference{PrivateMode: true, AllowList: []string{"111"}}
		assert.True(t, p.Allows("111"))
		assert.False(t, p.Allows("222"))
	})

	t.Run("wildcard admits any sender", func(t *testing.T) {
		p := UserPreference{PrivateMode: true, AllowList: []string{AllowAll}}
		assert.True(t, p.Allows("222"))
	})
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		in   string
		plan Plan
		days int
	}{
		{"monthly", PlanMonthly, 30},
		{"3months", PlanQuarterly, 90},
		{"6months", PlanSemiannual, 180},
		{"Yearly", PlanYearly, 365},
	}
	for _, tc := range tests {
		p, ok := ParsePlan(tc.in)
		assert.True(t, ok, tc.in)
		assert.Equal(t, tc.plan, p)
		d, ok := p.DurationDays()
		assert.True(t, ok)
		assert.Equal(t, tc.days, d)
	}

	p, ok := ParsePlan("custom")
	assert.True(t, ok)
	_, ok = p.DurationDays()
	assert.False(t, ok)

	_, ok = ParsePlan("weekly")
	assert.False(t, ok)
}
