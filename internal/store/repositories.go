package store

import (
	"context"
	"time"
)

// AccountRepository persists connected provider accounts.
type AccountRepository interface {
	Create(ctx context.Context, account Account) (*Account, error)
	GetByID(ctx context.Context, id int64) (*Account, error)
	GetByProviderAccount(ctx context.Context, provider, providerAccountID string) (*Account, error)
	ListByUser(ctx context.Context, userID string) ([]Account, error)
	ListByProvider(ctx context.Context, provider string) ([]Account, error)
	// UpdateTokens stores new credentials and reactivates the account.
	UpdateTokens(ctx context.Context, id int64, update TokenUpdate) error
	MarkReauthRequired(ctx context.Context, id int64, message string) error
	// WithRefreshLock serializes token refreshes for one account across
	// every process sharing the database.
	WithRefreshLock(ctx context.Context, id int64, fn func(ctx context.Context) error) error
	Delete(ctx context.Context, userID string, id int64) error
}

// CalendarRepository persists synced calendars, their cursors and leases.
type CalendarRepository interface {
	Upsert(ctx context.Context, cal SyncedCalendar) (*SyncedCalendar, error)
	GetByID(ctx context.Context, id int64) (*SyncedCalendar, error)
	ListByAccount(ctx context.Context, accountID int64) ([]SyncedCalendar, error)
	// AcquireLease moves the calendar to syncing unless another run holds a
	// lease started after staleBefore.
	AcquireLease(ctx context.Context, id int64, staleBefore time.Time) (bool, error)
	// CompleteSync releases the lease to idle and stores syncToken when it is
	// non-empty.
	CompleteSync(ctx context.Context, id int64, syncToken string) error
	FailSync(ctx context.Context, id int64, message string) error
	// ReleaseStaleLeases fails every lease started before staleBefore and
	// reports how many were released.
	ReleaseStaleLeases(ctx context.Context, staleBefore time.Time) (int64, error)
	ClearSyncToken(ctx context.Context, id int64) error
}

// EventRepository persists canonical events.
type EventRepository interface {
	// Upsert inserts or merges by (external id, calendar id) and reports
	// whether a new row was created. Local-only fields are never overwritten.
	Upsert(ctx context.Context, event Event) (bool, error)
	DeleteByExternalID(ctx context.Context, calendarID int64, externalID string) (bool, error)
	GetByExternalID(ctx context.Context, calendarID int64, externalID string) (*Event, error)
	ListInRange(ctx context.Context, calendarID int64, from, to time.Time) ([]Event, error)
}

// OAuthStateRepository persists pending authorization requests.
type OAuthStateRepository interface {
	Create(ctx context.Context, state OAuthState) error
	Get(ctx context.Context, state string) (*OAuthState, error)
	// Delete reports whether a record was removed.
	Delete(ctx context.Context, state string) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// SubscriptionRepository persists provider push channels.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub Subscription) error
	GetByID(ctx context.Context, id string) (*Subscription, error)
	ListByCalendar(ctx context.Context, calendarID int64) ([]Subscription, error)
	ListExpiringBefore(ctx context.Context, before time.Time) ([]Subscription, error)
	Delete(ctx context.Context, id string) error
}
