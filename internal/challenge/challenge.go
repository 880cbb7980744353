// Package challenge implements the short-lived, single-use verification
// challenges shared by the email-verification, email-update, and
// password-reset flows. The three flows run the same issue/validate protocol
// over one table keyed by (user, flow); only the stored payload and the
// post-validation effect differ.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-auth/gatehouse/internal/credentials"
	"github.com/gatehouse-auth/gatehouse/internal/shared"
	"github.com/gatehouse-auth/gatehouse/internal/token"
)

// Flow tags the purpose of a pending challenge.
type Flow string

const (
	FlowEmailVerification Flow = "email_verification"
	FlowEmailUpdate       Flow = "email_update"
	FlowPasswordReset     Flow = "password_reset"
)

// DefaultValidity is how long an issued challenge stays redeemable.
const DefaultValidity = 10 * time.Minute

// Challenge is a pending proof of possession. CodeChallenge is the
// memory-hard hash of the emailed verifier; the verifier itself is never
// stored. NewEmail is set only for FlowEmailUpdate, ValidatedAt only for the
// two-phase FlowPasswordReset.
type Challenge struct {
	UserID        uuid.UUID
	Flow          Flow
	CodeChallenge string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	NewEmail      string
	ValidatedAt   *time.Time
}

// Repository persists challenges. At most one live challenge exists per
// (user, flow); Upsert overwrites on conflict, which is the whole
// concurrency story — no application-level locking.
type Repository interface {
	Upsert(ctx context.Context, ch Challenge) error
	// Find returns the pending challenge or shared.ErrNotFound.
	Find(ctx context.Context, userID uuid.UUID, flow Flow) (*Challenge, error)
	Delete(ctx context.Context, userID uuid.UUID, flow Flow) error
	MarkValidated(ctx context.Context, userID uuid.UUID, flow Flow, at time.Time) error
}

// Service issues and checks challenges. Applying a flow's effect and deleting
// the redeemed row stay with the account orchestrator, inside its
// transaction.
type Service struct {
	repo     Repository
	hasher   *credentials.Hasher
	logger   *slog.Logger
	validity time.Duration
	now      func() time.Time
}

// NewService constructs a Service. A non-positive validity falls back to
// DefaultValidity.
func NewService(repo Repository, hasher *credentials.Hasher, logger *slog.Logger, validity time.Duration) *Service {
	if validity <= 0 {
		validity = DefaultValidity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		hasher:   hasher,
		logger:   logger,
		validity: validity,
		now:      time.Now,
	}
}

// Validity returns the configured challenge lifetime.
func (s *Service) Validity() time.Duration {
	return s.validity
}

// Prepare generates a verifier and builds the challenge row without
// persisting it, for callers that upsert inside a wider transaction. The
// verifier is hashed with the same memory-hard primitive as passwords since
// it is a short, attacker-guessable-length secret.
func (s *Service) Prepare(userID uuid.UUID, flow Flow, newEmail string) (string, Challenge, error) {
	verifier, err := token.NewVerifier()
	if err != nil {
		return "", Challenge{}, fmt.Errorf("challenge: prepare %s: %w", flow, err)
	}

	codeChallenge, err := s.hasher.Hash(verifier)
	if err != nil {
		return "", Challenge{}, fmt.Errorf("challenge: prepare %s: %w", flow, err)
	}

	now := s.now()
	ch := Challenge{
		UserID:        userID,
		Flow:          flow,
		CodeChallenge: codeChallenge,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.validity),
		NewEmail:      newEmail,
	}
	return verifier, ch, nil
}

// Issue creates a challenge for the user and flow, replacing any pending one
// (last request wins, invalidating codes already sent). The returned verifier
// goes to the email collaborator and is never persisted.
func (s *Service) Issue(ctx context.Context, userID uuid.UUID, flow Flow, newEmail string) (string, Challenge, error) {
	verifier, ch, err := s.Prepare(userID, flow, newEmail)
	if err != nil {
		return "", Challenge{}, err
	}
	if err := s.repo.Upsert(ctx, ch); err != nil {
		return "", Challenge{}, fmt.Errorf("challenge: issue %s: %w", flow, err)
	}
	return verifier, ch, nil
}

// Check looks up the pending challenge and verifies the presented code.
// Outcomes: shared.ErrNotFound (no row), shared.ErrExpired (row deleted
// best-effort), shared.ErrInvalidCode (row retained, retry allowed until
// expiry). On success the challenge is returned untouched; the caller applies
// the flow effect and deletes the row in one transaction.
func (s *Service) Check(ctx context.Context, userID uuid.UUID, flow Flow, code string) (*Challenge, error) {
	ch, err := s.repo.Find(ctx, userID, flow)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("challenge: check %s: %w", flow, err)
	}

	if !s.now().Before(ch.ExpiresAt) {
		if err := s.repo.Delete(ctx, userID, flow); err != nil {
			s.logger.Warn("failed to delete expired challenge",
				slog.String("flow", string(flow)), slog.Any("error", err))
		}
		return nil, shared.ErrExpired
	}

	ok, err := s.hasher.Verify(ch.CodeChallenge, code)
	if err != nil {
		return nil, fmt.Errorf("challenge: check %s: %w", flow, err)
	}
	if !ok {
		return nil, shared.ErrInvalidCode
	}

	return ch, nil
}

// Peek returns the pending challenge without checking any code. Outcomes
// mirror Check for missing and expired rows; an expired row is deleted
// best-effort before shared.ErrExpired is returned.
func (s *Service) Peek(ctx context.Context, userID uuid.UUID, flow Flow) (*Challenge, error) {
	ch, err := s.repo.Find(ctx, userID, flow)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("challenge: peek %s: %w", flow, err)
	}

	if !s.now().Before(ch.ExpiresAt) {
		if err := s.repo.Delete(ctx, userID, flow); err != nil {
			s.logger.Warn("failed to delete expired challenge",
				slog.String("flow", string(flow)), slog.Any("error", err))
		}
		return nil, shared.ErrExpired
	}

	return ch, nil
}

// MarkValidated records the first phase of the two-phase password reset.
func (s *Service) MarkValidated(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.MarkValidated(ctx, userID, FlowPasswordReset, s.now()); err != nil {
		return fmt.Errorf("challenge: mark validated: %w", err)
	}
	return nil
}
