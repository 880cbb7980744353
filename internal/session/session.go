// Package session implements opaque-token session issuance metadata,
// resolution with sliding renewal, and the cookie contract.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-auth/gatehouse/internal/credentials"
	"github.com/gatehouse-auth/gatehouse/internal/shared"
)

// Scope distinguishes a full-privilege session from the narrow one issued to
// carry a password-reset flow.
type Scope string

const (
	ScopeAuth           Scope = "AUTH"
	ScopeForgotPassword Scope = "FORGOT_PASSWORD"
)

// DefaultValidity is the total lifetime of an AUTH session.
const DefaultValidity = 30 * 24 * time.Hour

// State is the outcome of resolving a presented token.
type State int

const (
	// StateNone means no usable session: token absent, unknown, or expired.
	StateNone State = iota
	// StateActive means the session is valid and outside the renewal window.
	StateActive
	// StateExtended means the expiration was pushed forward; the caller must
	// re-issue the cookie with the new expiration.
	StateExtended
)

// Session is a stored proof of continuing authentication. ID is the SHA-256
// digest of the opaque token; the plaintext token is never persisted.
type Session struct {
	ID        string
	UserID    uuid.UUID
	ExpiresAt time.Time
	Scope     Scope
}

// Record is a session joined with the owning user's verified flag.
type Record struct {
	Session
	EmailVerified bool
}

// Resolution is the payload handed to guards and handlers after resolving a
// token. For StateNone every field other than State is zero.
type Resolution struct {
	State         State
	SessionID     string
	UserID        uuid.UUID
	ExpiresAt     time.Time
	EmailVerified bool
	Scope         Scope
}

// Authenticated reports whether the resolution carries a user.
func (r Resolution) Authenticated() bool {
	return r.UserID != uuid.Nil
}

// Repository persists sessions.
type Repository interface {
	// FindWithUser returns the session row joined with the owner's verified
	// flag, or shared.ErrNotFound.
	FindWithUser(ctx context.Context, id string) (*Record, error)
	Insert(ctx context.Context, sess Session) error
	Extend(ctx context.Context, id string, expiresAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// Manager resolves presented tokens against storage. It keeps no state of its
// own; every resolution re-reads the store.
type Manager struct {
	repo     Repository
	logger   *slog.Logger
	validity time.Duration
	now      func() time.Time
}

// NewManager constructs a Manager. A non-positive validity falls back to
// DefaultValidity.
func NewManager(repo Repository, logger *slog.Logger, validity time.Duration) *Manager {
	if validity <= 0 {
		validity = DefaultValidity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:     repo,
		logger:   logger,
		validity: validity,
		now:      time.Now,
	}
}

// Validity returns the configured total session lifetime.
func (m *Manager) Validity() time.Duration {
	return m.validity
}

// Resolve maps a presented token to one of the three session states. An
// expired row is deleted best-effort; its delete failure is logged and never
// masks the StateNone outcome. For AUTH sessions renewal triggers inside the
// trailing half of the validity period and pushes the expiration a full
// period forward; FORGOT_PASSWORD sessions keep the expiration they were
// issued with so they die together with their challenge.
func (m *Manager) Resolve(ctx context.Context, token string) (Resolution, error) {
	if token == "" {
		return Resolution{State: StateNone}, nil
	}

	id := credentials.Fingerprint(token)

	record, err := m.repo.FindWithUser(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Resolution{State: StateNone}, nil
		}
		return Resolution{State: StateNone}, fmt.Errorf("session: resolve %s: %w", id, err)
	}

	now := m.now()
	if !now.Before(record.ExpiresAt) {
		if err := m.repo.Delete(ctx, id); err != nil {
			m.logger.Warn("failed to delete expired session",
				slog.String("session_id", id), slog.Any("error", err))
		}
		return Resolution{State: StateNone}, nil
	}

	resolution := Resolution{
		State:         StateActive,
		SessionID:     record.ID,
		UserID:        record.UserID,
		ExpiresAt:     record.ExpiresAt,
		EmailVerified: record.EmailVerified,
		Scope:         record.Scope,
	}

	if record.Scope == ScopeAuth && !now.Before(record.ExpiresAt.Add(-m.validity/2)) {
		extended := now.Add(m.validity)
		if err := m.repo.Extend(ctx, id, extended); err != nil {
			return Resolution{State: StateNone}, fmt.Errorf("session: extend %s: %w", id, err)
		}
		resolution.State = StateExtended
		resolution.ExpiresAt = extended
	}

	return resolution, nil
}
