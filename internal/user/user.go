// Package user holds the account identity record and email normalization.
package user

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/gatehouse-auth/gatehouse/internal/shared"
)

// User is the identity record. The password hash is mutated only by the
// password-change and reset flows, the email only by a confirmed email-update
// challenge.
type User struct {
	ID            uuid.UUID
	Email         string
	Username      string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Conservative local@domain.tld shape, applied after normalization.
var emailPattern = regexp.MustCompile(`^[a-z0-9!#$%&'*+/=?^_` + "`" + `{|}~.-]+@[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// NormalizeEmail trims, Unicode-normalizes (NFKC), and lower-cases raw, then
// validates the result. Invalid input fails with ErrValidation before any
// storage access.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(norm.NFKC.String(strings.TrimSpace(raw)))
	if !emailPattern.MatchString(email) {
		return "", fmt.Errorf("user: malformed email: %w", shared.ErrValidation)
	}
	return email, nil
}
