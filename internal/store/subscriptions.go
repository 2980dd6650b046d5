package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type subscriptionRepo struct {
	db DB
}

const subscriptionColumns = `id, calendar_id, provider, resource_id, resource_uri, client_state, expires_at, created_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	if err := row.Scan(&s.ID, &s.CalendarID, &s.Provider, &s.ResourceID, &s.ResourceURI, &s.ClientState, &s.ExpiresAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *subscriptionRepo) Create(ctx context.Context, sub Subscription) error {
	defer observeDB(ctx, "subscriptions.create")()

	_, err := r.db.Exec(ctx, `INSERT INTO webhook_subscriptions (id, calendar_id, provider, resource_id, resource_uri, client_state, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.CalendarID, sub.Provider, sub.ResourceID, sub.ResourceURI, sub.ClientState, sub.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepo) GetByID(ctx context.Context, id string) (*Subscription, error) {
	defer observeDB(ctx, "subscriptions.get_by_id")()

	s, err := scanSubscription(r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

func (r *subscriptionRepo) ListByCalendar(ctx context.Context, calendarID int64) ([]Subscription, error) {
	defer observeDB(ctx, "subscriptions.list_by_calendar")()
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE calendar_id=$1 ORDER BY created_at`, calendarID)
}

func (r *subscriptionRepo) ListExpiringBefore(ctx context.Context, before time.Time) ([]Subscription, error) {
	defer observeDB(ctx, "subscriptions.list_expiring")()
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE expires_at < $1 ORDER BY expires_at`, before)
}

func (r *subscriptionRepo) list(ctx context.Context, query string, arg any) ([]Subscription, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *subscriptionRepo) Delete(ctx context.Context, id string) error {
	defer observeDB(ctx, "subscriptions.delete")()

	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
