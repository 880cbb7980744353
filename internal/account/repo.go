package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-auth/gatehouse/internal/challenge"
	"github.com/gatehouse-auth/gatehouse/internal/session"
	"github.com/gatehouse-auth/gatehouse/internal/shared"
	"github.com/gatehouse-auth/gatehouse/internal/user"
)

// Repository defines persistence operations for account transitions. Reads
// happen outside transactions; every multi-row mutation goes through WithTx
// so partial application is never observable.
type Repository interface {
	// WithTx executes fn inside a single transaction with atomic commit.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// FindUserByEmail returns the user with the normalized email or shared.ErrNotFound.
	FindUserByEmail(ctx context.Context, email string) (*user.User, error)
	// FindUserByID returns the user or shared.ErrNotFound.
	FindUserByID(ctx context.Context, id uuid.UUID) (*user.User, error)
	// DeleteExpiredSessions removes all session rows past cutoff.
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteExpiredChallenges removes all challenge rows past cutoff.
	DeleteExpiredChallenges(ctx context.Context, cutoff time.Time) (int64, error)
}

// TxRepository is the mutation surface available inside a transaction.
type TxRepository interface {
	// CreateUser inserts the user; a duplicate email fails with shared.ErrConflict.
	CreateUser(ctx context.Context, u user.User) error
	UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string) error
	// UpdateEmail sets the user's email; a duplicate fails with shared.ErrConflict.
	UpdateEmail(ctx context.Context, userID uuid.UUID, email string) error
	SetEmailVerified(ctx context.Context, userID uuid.UUID) error
	InsertSession(ctx context.Context, sess session.Session) error
	DeleteSession(ctx context.Context, id string) error
	DeleteSessionsForUser(ctx context.Context, userID uuid.UUID) error
	UpsertChallenge(ctx context.Context, ch challenge.Challenge) error
	DeleteChallenge(ctx context.Context, userID uuid.UUID, flow challenge.Flow) error
	DeleteExpiredChallenge(ctx context.Context, userID uuid.UUID, flow challenge.Flow, cutoff time.Time) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// WithTx runs fn inside a transaction. Read-committed isolation plus atomic
// unique-key upserts is all the coordination the transitions need.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("account: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const userColumns = `id, email, COALESCE(username, ''), password_hash, email_verified, created_at, updated_at`

// FindUserByEmail fetches a user by normalized email.
func (r *PGRepository) FindUserByEmail(ctx context.Context, email string) (*user.User, error) {
	return r.findUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// FindUserByID fetches a user by id.
func (r *PGRepository) FindUserByID(ctx context.Context, id uuid.UUID) (*user.User, error) {
	return r.findUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *PGRepository) findUser(ctx context.Context, query string, arg any) (*user.User, error) {
	var u user.User
	err := r.pool.QueryRow(ctx, query, arg).
		Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("account: find user: %w", err)
	}
	return &u, nil
}

// DeleteExpiredSessions sweeps session rows past cutoff.
func (r *PGRepository) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_sessions WHERE expires_at <= $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("account: sweep sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredChallenges sweeps challenge rows past cutoff.
func (r *PGRepository) DeleteExpiredChallenges(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM verification_challenges WHERE expires_at <= $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("account: sweep challenges: %w", err)
	}
	return tag.RowsAffected(), nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateUser(ctx context.Context, u user.User) error {
	const query = `INSERT INTO users (id, email, username, password_hash, email_verified, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, FALSE, NOW(), NOW())`
	if _, err := t.tx.Exec(ctx, query, u.ID, u.Email, u.Username, u.PasswordHash); err != nil {
		if isUniqueViolation(err) {
			return shared.ErrConflict
		}
		return fmt.Errorf("account: create user: %w", err)
	}
	return nil
}

func (t *pgTx) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, userID, hash)
	if err != nil {
		return fmt.Errorf("account: update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *pgTx) UpdateEmail(ctx context.Context, userID uuid.UUID, email string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET email = $2, updated_at = NOW() WHERE id = $1`, userID, email)
	if err != nil {
		if isUniqueViolation(err) {
			return shared.ErrConflict
		}
		return fmt.Errorf("account: update email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *pgTx) SetEmailVerified(ctx context.Context, userID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET email_verified = TRUE, updated_at = NOW() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("account: set email verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertSession(ctx context.Context, sess session.Session) error {
	const query = `INSERT INTO user_sessions (id, user_id, expires_at, scope, created_at)
VALUES ($1, $2, $3, $4, NOW())`
	if _, err := t.tx.Exec(ctx, query, sess.ID, sess.UserID, sess.ExpiresAt.UTC(), string(sess.Scope)); err != nil {
		return fmt.Errorf("account: insert session: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteSession(ctx context.Context, id string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM user_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("account: delete session: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteSessionsForUser(ctx context.Context, userID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM user_sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("account: delete user sessions: %w", err)
	}
	return nil
}

func (t *pgTx) UpsertChallenge(ctx context.Context, ch challenge.Challenge) error {
	const query = `INSERT INTO verification_challenges (user_id, flow, code_challenge, created_at, expires_at, new_email, validated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULL)
ON CONFLICT (user_id, flow) DO UPDATE
SET code_challenge = EXCLUDED.code_challenge,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at,
    new_email = EXCLUDED.new_email,
    validated_at = NULL`
	_, err := t.tx.Exec(ctx, query,
		ch.UserID, string(ch.Flow), ch.CodeChallenge, ch.CreatedAt.UTC(), ch.ExpiresAt.UTC(), ch.NewEmail)
	if err != nil {
		return fmt.Errorf("account: upsert challenge: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteChallenge(ctx context.Context, userID uuid.UUID, flow challenge.Flow) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM verification_challenges WHERE user_id = $1 AND flow = $2`, userID, string(flow))
	if err != nil {
		return fmt.Errorf("account: delete challenge: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteExpiredChallenge(ctx context.Context, userID uuid.UUID, flow challenge.Flow, cutoff time.Time) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM verification_challenges WHERE user_id = $1 AND flow = $2 AND expires_at <= $3`,
		userID, string(flow), cutoff.UTC())
	if err != nil {
		return fmt.Errorf("account: delete expired challenge: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var (
	_ Repository   = (*PGRepository)(nil)
	_ TxRepository = (*pgTx)(nil)
)
