// Package validate holds the client-side format checks that run before any
// network call is made.
package validate

import (
	"regexp"
	"strings"
)

const minPasswordLength = 3

// Conservative pattern: the identity service performs the authoritative check,
// this only filters out values that can never be a deliverable address.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Email reports whether the value is plausibly an email address.
func Email(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > 254 {
		return false
	}
	return emailPattern.MatchString(email)
}

// Password reports whether the value meets the minimum client-side password
// requirements.
func Password(password string) bool {
	return len(password) >= minPasswordLength
}

// Ticket reports whether the value looks like an MFA ticket issued by the
// identity service (an opaque, colon-prefixed identifier).
func Ticket(ticket string) bool {
	if ticket == "" {
		return false
	}
	parts := strings.SplitN(ticket, ":", 2)
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}

// OTP reports whether the value looks like a one-time password: a short,
// purely numeric code.
func OTP(otp string) bool {
	if len(otp) < 4 || len(otp) > 10 {
		return false
	}
	for _, r := range otp {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
