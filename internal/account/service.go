// Package account coordinates the atomic cross-entity transitions that
// couple users, sessions, and verification challenges: sign-up, sign-in,
// password change, email verification and change, and the two-phase password
// reset.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-auth/gatehouse/internal/challenge"
	"github.com/gatehouse-auth/gatehouse/internal/credentials"
	"github.com/gatehouse-auth/gatehouse/internal/mail"
	"github.com/gatehouse-auth/gatehouse/internal/session"
	"github.com/gatehouse-auth/gatehouse/internal/shared"
	"github.com/gatehouse-auth/gatehouse/internal/token"
	"github.com/gatehouse-auth/gatehouse/internal/user"
)

// Credential is a freshly issued bearer token plus its expiration, for the
// transport layer to encode as the session cookie.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Profile is the caller-visible slice of the user record.
type Profile struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	Username      string    `json:"username,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
}

// PendingEmailUpdate reports an in-flight email change.
type PendingEmailUpdate struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service wraps the account transition rules. Every multi-row effect runs
// inside a single repository transaction; readers never observe a
// half-applied transition.
type Service struct {
	repo            Repository
	challenges      *challenge.Service
	hasher          *credentials.Hasher
	mailer          mail.Enqueuer
	logger          *slog.Logger
	sessionValidity time.Duration
	now             func() time.Time
}

// NewService constructs a Service. A nil mailer disables delivery; issued
// codes then exist only in the recipient-less challenge rows, which suits
// tests and local development.
func NewService(
	repo Repository,
	challenges *challenge.Service,
	hasher *credentials.Hasher,
	mailer mail.Enqueuer,
	logger *slog.Logger,
	sessionValidity time.Duration,
) *Service {
	if sessionValidity <= 0 {
		sessionValidity = session.DefaultValidity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:            repo,
		challenges:      challenges,
		hasher:          hasher,
		mailer:          mailer,
		logger:          logger,
		sessionValidity: sessionValidity,
		now:             time.Now,
	}
}

// SignUpInput carries the sign-up form after schema validation.
type SignUpInput struct {
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
}

// SignUp registers a new account and opens its first session. A taken
// (normalized) email fails with shared.ErrConflict; a weak or unconfirmed
// password with shared.ErrWeakSecret.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (Credential, error) {
	email, err := user.NormalizeEmail(in.Email)
	if err != nil {
		return Credential{}, err
	}

	password, err := s.checkNewPassword(in.Password, in.ConfirmPassword)
	if err != nil {
		return Credential{}, err
	}

	// Hashing is expensive; keep it outside the transaction.
	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return Credential{}, fmt.Errorf("account: sign up: %w", err)
	}

	var cred Credential
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		newUser := user.User{
			ID:           uuid.New(),
			Email:        email,
			Username:     strings.TrimSpace(in.Username),
			PasswordHash: passwordHash,
		}
		if err := tx.CreateUser(ctx, newUser); err != nil {
			return err
		}

		cred, err = s.openSession(ctx, tx, newUser.ID, session.ScopeAuth)
		return err
	})
	if err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// SignIn opens a session for an existing account. An unknown email fails
// with shared.ErrNotFound, a wrong password with shared.ErrInvalidCredentials.
func (s *Service) SignIn(ctx context.Context, rawEmail, password string) (Credential, error) {
	email, err := user.NormalizeEmail(rawEmail)
	if err != nil {
		return Credential{}, err
	}

	u, err := s.repo.FindUserByEmail(ctx, email)
	if err != nil {
		return Credential{}, err
	}

	ok, err := s.hasher.Verify(u.PasswordHash, strings.TrimSpace(password))
	if err != nil {
		return Credential{}, fmt.Errorf("account: sign in: %w", err)
	}
	if !ok {
		return Credential{}, shared.ErrInvalidCredentials
	}

	var cred Credential
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cred, err = s.openSession(ctx, tx, u.ID, session.ScopeAuth)
		return err
	})
	if err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// ChangePassword rotates an authenticated, verified user's password and
// revokes every session, issuing a replacement for the caller.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword, confirmPassword string) (Credential, error) {
	u, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return Credential{}, err
	}

	ok, err := s.hasher.Verify(u.PasswordHash, strings.TrimSpace(oldPassword))
	if err != nil {
		return Credential{}, fmt.Errorf("account: change password: %w", err)
	}
	if !ok {
		return Credential{}, shared.ErrInvalidCredentials
	}

	password, err := s.checkNewPassword(newPassword, confirmPassword)
	if err != nil {
		return Credential{}, err
	}
	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return Credential{}, fmt.Errorf("account: change password: %w", err)
	}

	var cred Credential
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdatePasswordHash(ctx, userID, passwordHash); err != nil {
			return err
		}
		if err := tx.DeleteSessionsForUser(ctx, userID); err != nil {
			return err
		}
		cred, err = s.openSession(ctx, tx, userID, session.ScopeAuth)
		return err
	})
	if err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// RequestPasswordReset issues a reset challenge and a limited-scope session
// whose lifetime matches the challenge. The verifier is emailed; the session
// token is returned for the cookie.
func (s *Service) RequestPasswordReset(ctx context.Context, rawEmail string) (Credential, error) {
	email, err := user.NormalizeEmail(rawEmail)
	if err != nil {
		return Credential{}, err
	}

	u, err := s.repo.FindUserByEmail(ctx, email)
	if err != nil {
		return Credential{}, err
	}

	verifier, ch, err := s.challenges.Prepare(u.ID, challenge.FlowPasswordReset, "")
	if err != nil {
		return Credential{}, err
	}

	var cred Credential
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.DeleteExpiredChallenge(ctx, u.ID, challenge.FlowPasswordReset, s.now()); err != nil {
			return err
		}

		opaque, err := token.NewOpaque()
		if err != nil {
			return fmt.Errorf("account: request password reset: %w", err)
		}
		if err := tx.InsertSession(ctx, session.Session{
			ID:        credentials.Fingerprint(opaque),
			UserID:    u.ID,
			ExpiresAt: ch.ExpiresAt,
			Scope:     session.ScopeForgotPassword,
		}); err != nil {
			return err
		}

		if err := tx.UpsertChallenge(ctx, ch); err != nil {
			return err
		}

		cred = Credential{Token: opaque, ExpiresAt: ch.ExpiresAt}
		return nil
	})
	if err != nil {
		return Credential{}, err
	}

	s.deliver(ctx, u.Email, challenge.FlowPasswordReset, verifier)
	return cred, nil
}

// VerifyPasswordReset checks the emailed code and marks the challenge
// validated without consuming it; the actual reset happens in FinalizeReset.
// The split lets the code holder carry a fresh limited session into the
// password form.
func (s *Service) VerifyPasswordReset(ctx context.Context, userID uuid.UUID, code string) error {
	if _, err := s.challenges.Check(ctx, userID, challenge.FlowPasswordReset, code); err != nil {
		return err
	}
	return s.challenges.MarkValidated(ctx, userID)
}

// FinalizeReset sets the new password once the challenge was validated,
// deleting the reset and any email-update challenge, revoking every session,
// and opening a fresh AUTH session. Calling it before VerifyPasswordReset
// succeeded fails with shared.ErrForbidden.
func (s *Service) FinalizeReset(ctx context.Context, userID uuid.UUID, newPassword, confirmPassword string) (Credential, error) {
	ch, err := s.challenges.Peek(ctx, userID, challenge.FlowPasswordReset)
	if err != nil {
		return Credential{}, err
	}
	if ch.ValidatedAt == nil {
		return Credential{}, fmt.Errorf("account: reset code not validated: %w", shared.ErrForbidden)
	}

	password, err := s.checkNewPassword(newPassword, confirmPassword)
	if err != nil {
		return Credential{}, err
	}
	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return Credential{}, fmt.Errorf("account: finalize reset: %w", err)
	}

	var cred Credential
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdatePasswordHash(ctx, userID, passwordHash); err != nil {
			return err
		}
		if err := tx.DeleteChallenge(ctx, userID, challenge.FlowEmailUpdate); err != nil {
			return err
		}
		if err := tx.DeleteChallenge(ctx, userID, challenge.FlowPasswordReset); err != nil {
			return err
		}
		if err := tx.DeleteSessionsForUser(ctx, userID); err != nil {
			return err
		}
		cred, err = s.openSession(ctx, tx, userID, session.ScopeAuth)
		return err
	})
	if err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// RequestEmailVerification issues (or re-issues) the verification challenge
// for the caller's current address and emails the code.
func (s *Service) RequestEmailVerification(ctx context.Context, userID uuid.UUID) error {
	u, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return err
	}

	verifier, _, err := s.challenges.Issue(ctx, userID, challenge.FlowEmailVerification, "")
	if err != nil {
		return err
	}

	s.deliver(ctx, u.Email, challenge.FlowEmailVerification, verifier)
	return nil
}

// ConfirmEmailVerification redeems the code, flipping the verified flag and
// consuming the challenge in one transaction.
func (s *Service) ConfirmEmailVerification(ctx context.Context, userID uuid.UUID, code string) error {
	if _, err := s.challenges.Check(ctx, userID, challenge.FlowEmailVerification, code); err != nil {
		return err
	}

	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetEmailVerified(ctx, userID); err != nil {
			return err
		}
		return tx.DeleteChallenge(ctx, userID, challenge.FlowEmailVerification)
	})
}

// RequestEmailUpdate issues a challenge carrying the pending address and
// emails the code to that address, proving the caller controls it.
func (s *Service) RequestEmailUpdate(ctx context.Context, userID uuid.UUID, rawNewEmail string) error {
	newEmail, err := user.NormalizeEmail(rawNewEmail)
	if err != nil {
		return err
	}

	verifier, _, err := s.challenges.Issue(ctx, userID, challenge.FlowEmailUpdate, newEmail)
	if err != nil {
		return err
	}

	s.deliver(ctx, newEmail, challenge.FlowEmailUpdate, verifier)
	return nil
}

// EmailUpdateStatus reports the pending email change, expiring it on read.
func (s *Service) EmailUpdateStatus(ctx context.Context, userID uuid.UUID) (PendingEmailUpdate, error) {
	ch, err := s.challenges.Peek(ctx, userID, challenge.FlowEmailUpdate)
	if err != nil {
		if errors.Is(err, shared.ErrExpired) {
			// The original surfaced an expired pending change as absent.
			return PendingEmailUpdate{}, shared.ErrNotFound
		}
		return PendingEmailUpdate{}, err
	}
	return PendingEmailUpdate{ExpiresAt: ch.ExpiresAt}, nil
}

// AbandonEmailUpdate drops any pending email change for the caller.
func (s *Service) AbandonEmailUpdate(ctx context.Context, userID uuid.UUID) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteChallenge(ctx, userID, challenge.FlowEmailUpdate)
	})
}

// ConfirmEmailUpdate redeems the code: the pending address becomes the
// user's email, the challenge is consumed, and any in-flight password reset
// tied to the old address is invalidated, all in one transaction. A pending
// address that was registered meanwhile fails with shared.ErrConflict.
func (s *Service) ConfirmEmailUpdate(ctx context.Context, userID uuid.UUID, code string) error {
	ch, err := s.challenges.Check(ctx, userID, challenge.FlowEmailUpdate, code)
	if err != nil {
		return err
	}

	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateEmail(ctx, userID, ch.NewEmail); err != nil {
			return err
		}
		if err := tx.DeleteChallenge(ctx, userID, challenge.FlowEmailUpdate); err != nil {
			return err
		}
		return tx.DeleteChallenge(ctx, userID, challenge.FlowPasswordReset)
	})
}

// SignOut deletes the caller's current session row.
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteSession(ctx, sessionID)
	})
}

// GetProfile returns the caller's own account record.
func (s *Service) GetProfile(ctx context.Context, userID uuid.UUID) (Profile, error) {
	u, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		ID:            u.ID,
		Email:         u.Email,
		Username:      u.Username,
		EmailVerified: u.EmailVerified,
	}, nil
}

// SweepExpired removes expired sessions and challenges, complementing the
// opportunistic deletes done on read.
func (s *Service) SweepExpired(ctx context.Context) error {
	now := s.now()
	sessions, err := s.repo.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return err
	}
	challenges, err := s.repo.DeleteExpiredChallenges(ctx, now)
	if err != nil {
		return err
	}
	if sessions > 0 || challenges > 0 {
		s.logger.Info("swept expired rows",
			slog.Int64("sessions", sessions), slog.Int64("challenges", challenges))
	}
	return nil
}

// openSession issues a fresh opaque token and stores its digest.
func (s *Service) openSession(ctx context.Context, tx TxRepository, userID uuid.UUID, scope session.Scope) (Credential, error) {
	opaque, err := token.NewOpaque()
	if err != nil {
		return Credential{}, fmt.Errorf("account: open session: %w", err)
	}
	expiresAt := s.now().Add(s.sessionValidity)
	if err := tx.InsertSession(ctx, session.Session{
		ID:        credentials.Fingerprint(opaque),
		UserID:    userID,
		ExpiresAt: expiresAt,
		Scope:     scope,
	}); err != nil {
		return Credential{}, err
	}
	return Credential{Token: opaque, ExpiresAt: expiresAt}, nil
}

// checkNewPassword enforces confirmation equality and the strength policy.
func (s *Service) checkNewPassword(password, confirm string) (string, error) {
	password = strings.TrimSpace(password)
	if password != strings.TrimSpace(confirm) {
		return "", fmt.Errorf("account: password confirmation mismatch: %w", shared.ErrWeakSecret)
	}
	if credentials.IsGuessable(password) {
		return "", fmt.Errorf("account: weak password: %w", shared.ErrWeakSecret)
	}
	return password, nil
}

// deliver enqueues the verification email. Delivery is a collaborator
// concern; enqueue failures are logged, never surfaced to the caller whose
// challenge row already committed.
func (s *Service) deliver(ctx context.Context, to string, flow challenge.Flow, code string) {
	if s.mailer == nil {
		s.logger.Debug("mailer disabled, skipping delivery", slog.String("flow", string(flow)))
		return
	}
	if err := s.mailer.Enqueue(ctx, mail.Request{To: to, Flow: flow, Code: code}); err != nil {
		s.logger.Error("failed to enqueue verification email",
			slog.String("flow", string(flow)), slog.Any("error", err))
	}
}
