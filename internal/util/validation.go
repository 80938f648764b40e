package util

import (
	"regexp"
	"strings"
)

// User ids double as path components under the auth root, so the alphabet is restricted.
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9:@._-]{1,64}$`)

func IsValidUserID(s string) bool {
	return userIDRegex.MatchString(s) && !strings.Contains(s, "..")
}

const minPhoneDigits = 10

var phoneStripper = strings.NewReplacer("+", "", " ", "", "-", "", "(", "", ")", "")

// NormalizePhone strips formatting and returns the bare digits, or false when
// the result is not a plausible international number.
func NormalizePhone(raw string) (string, bool) {
	digits := phoneStripper.Replace(strings.TrimSpace(raw))
	if len(digits) < minPhoneDigits {
		return "", false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return digits, true
}

// PhoneSuffix returns the last four digits, the only part of a number ever persisted.
func PhoneSuffix(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return phone[len(phone)-4:]
}

func IsValidEnum(value string, validValues []string) bool {
	if value == "" {
		return true
	}
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}
