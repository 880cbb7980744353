package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-auth/gatehouse/internal/shared"
)

// PGRepository implements Repository using PostgreSQL. The unique constraint
// on (user_id, flow) plus upsert-on-conflict enforces the single active
// challenge invariant under concurrent issue calls.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Upsert inserts the challenge, overwriting any pending row for the same
// user and flow.
func (r *PGRepository) Upsert(ctx context.Context, ch Challenge) error {
	const query = `INSERT INTO verification_challenges (user_id, flow, code_challenge, created_at, expires_at, new_email, validated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULL)
ON CONFLICT (user_id, flow) DO UPDATE
SET code_challenge = EXCLUDED.code_challenge,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at,
    new_email = EXCLUDED.new_email,
    validated_at = NULL`
	_, err := r.pool.Exec(ctx, query,
		ch.UserID, string(ch.Flow), ch.CodeChallenge, ch.CreatedAt.UTC(), ch.ExpiresAt.UTC(), ch.NewEmail)
	if err != nil {
		return fmt.Errorf("challenge: upsert: %w", err)
	}
	return nil
}

// Find fetches the pending challenge for a user and flow.
func (r *PGRepository) Find(ctx context.Context, userID uuid.UUID, flow Flow) (*Challenge, error) {
	const query = `SELECT user_id, flow, code_challenge, created_at, expires_at, COALESCE(new_email, ''), validated_at
FROM verification_challenges
WHERE user_id = $1 AND flow = $2`

	var (
		ch      Challenge
		flowRaw string
	)
	err := r.pool.QueryRow(ctx, query, userID, string(flow)).
		Scan(&ch.UserID, &flowRaw, &ch.CodeChallenge, &ch.CreatedAt, &ch.ExpiresAt, &ch.NewEmail, &ch.ValidatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("challenge: find: %w", err)
	}
	ch.Flow = Flow(flowRaw)
	return &ch, nil
}

// Delete removes the challenge row for a user and flow.
func (r *PGRepository) Delete(ctx context.Context, userID uuid.UUID, flow Flow) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM verification_challenges WHERE user_id = $1 AND flow = $2`, userID, string(flow))
	if err != nil {
		return fmt.Errorf("challenge: delete: %w", err)
	}
	return nil
}

// MarkValidated stamps the row's validated_at, gating the second reset phase.
func (r *PGRepository) MarkValidated(ctx context.Context, userID uuid.UUID, flow Flow, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE verification_challenges SET validated_at = $3 WHERE user_id = $1 AND flow = $2`,
		userID, string(flow), at.UTC())
	if err != nil {
		return fmt.Errorf("challenge: mark validated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
