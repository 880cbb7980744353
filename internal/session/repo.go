package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-auth/gatehouse/internal/shared"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindWithUser fetches a session joined with the owner's verified flag.
func (r *PGRepository) FindWithUser(ctx context.Context, id string) (*Record, error) {
	const query = `SELECT s.id, s.user_id, s.expires_at, s.scope, u.email_verified
FROM user_sessions s
JOIN users u ON u.id = s.user_id
WHERE s.id = $1`

	var (
		record Record
		scope  string
	)
	err := r.pool.QueryRow(ctx, query, id).
		Scan(&record.ID, &record.UserID, &record.ExpiresAt, &scope, &record.EmailVerified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("session: find: %w", err)
	}
	record.Scope = Scope(scope)
	return &record, nil
}

// Insert persists a new session row.
func (r *PGRepository) Insert(ctx context.Context, sess Session) error {
	const query = `INSERT INTO user_sessions (id, user_id, expires_at, scope, created_at)
VALUES ($1, $2, $3, $4, NOW())`
	if _, err := r.pool.Exec(ctx, query, sess.ID, sess.UserID, sess.ExpiresAt.UTC(), string(sess.Scope)); err != nil {
		return fmt.Errorf("session: insert: %w", err)
	}
	return nil
}

// Extend pushes a session's expiration forward.
func (r *PGRepository) Extend(ctx context.Context, id string, expiresAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE user_sessions SET expires_at = $2 WHERE id = $1`, id, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("session: extend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Delete removes a session row.
func (r *PGRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM user_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
