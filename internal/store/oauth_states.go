package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type oauthStateRepo struct {
	db DB
}

func (r *oauthStateRepo) Create(ctx context.Context, state OAuthState) error {
	defer observeDB(ctx, "oauth_states.create")()

	_, err := r.db.Exec(ctx, `INSERT INTO oauth_states (state, user_id, provider, expires_at) VALUES ($1, $2, $3, $4)`,
		state.State, state.UserID, state.Provider, state.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create oauth state: %w", err)
	}
	return nil
}

func (r *oauthStateRepo) Get(ctx context.Context, state string) (*OAuthState, error) {
	defer observeDB(ctx, "oauth_states.get")()

	var s OAuthState
	err := r.db.QueryRow(ctx, `SELECT state, user_id, provider, expires_at, created_at FROM oauth_states WHERE state=$1`, state).
		Scan(&s.State, &s.UserID, &s.Provider, &s.ExpiresAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth state: %w", err)
	}
	return &s, nil
}

func (r *oauthStateRepo) Delete(ctx context.Context, state string) (bool, error) {
	defer observeDB(ctx, "oauth_states.delete")()

	tag, err := r.db.Exec(ctx, `DELETE FROM oauth_states WHERE state=$1`, state)
	if err != nil {
		return false, fmt.Errorf("delete oauth state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *oauthStateRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	defer observeDB(ctx, "oauth_states.purge_expired")()

	tag, err := r.db.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge oauth states: %w", err)
	}
	return tag.RowsAffected(), nil
}
