package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// DB is the subset of pgxpool.Pool used by the repositories.
type DB interface {
	PgxPool
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	db DB

	Accounts      AccountRepository
	Calendars     CalendarRepository
	Events        EventRepository
	OAuthStates   OAuthStateRepository
	Subscriptions SubscriptionRepository
}

// New wires concrete repository implementations with shared connection pool.
func New(db DB) *Store {
	return &Store{
		db:            db,
		Accounts:      &accountRepo{db: db},
		Calendars:     &calendarRepo{db: db},
		Events:        &eventRepo{db: db},
		OAuthStates:   &oauthStateRepo{db: db},
		Subscriptions: &subscriptionRepo{db: db},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.db.Ping(ctx)
}
