package store

import (
	"encoding/json"
	"time"
)

// AccountStatus tracks whether an account's credentials are usable.
type AccountStatus string

const (
	AccountActive         AccountStatus = "active"
	AccountReauthRequired AccountStatus = "reauth_required"
)

// Account is a provider account connected by a user. Tokens are stored
// encrypted by the vault.
type Account struct {
	ID                    int64
	UserID                string
	Provider              string
	ProviderAccountID     string
	Email                 string
	EncryptedAccessToken  string
	EncryptedRefreshToken *string
	TokenExpiresAt        *time.Time
	Scope                 *string
	Status                AccountStatus
	StatusMessage         *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TokenUpdate carries refreshed credentials. A nil refresh token keeps the
// stored one.
type TokenUpdate struct {
	EncryptedAccessToken  string
	EncryptedRefreshToken *string
	TokenExpiresAt        *time.Time
	Scope                 *string
}

// SyncStatus is the lease state of a calendar.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// SyncedCalendar is a provider calendar bound to an account. It carries the
// incremental sync cursor and the sync lease.
type SyncedCalendar struct {
	ID            int64
	AccountID     int64
	ExternalID    string
	Name          string
	TimeZone      *string
	IsPrimary     bool
	SyncToken     *string
	SyncStatus    SyncStatus
	SyncStartedAt *time.Time
	LastSyncedAt  *time.Time
	LastError     *string
	CreatedAt     time.Time
}

// Event is the canonical local copy of a provider event.
type Event struct {
	ID                int64
	ExternalID        string
	CalendarID        int64
	Title             string
	Description       *string
	StartTime         time.Time
	EndTime           time.Time
	IsAllDay          bool
	TimeZone          *string
	Location          *string
	Status            string
	Privacy           string
	RecurrenceRule    *string
	RecurringEventID  *string
	Attendees         json.RawMessage
	Reminders         json.RawMessage
	HTMLLink          *string
	ProviderCreatedAt *time.Time
	ProviderUpdatedAt *time.Time
	LastSyncedAt      time.Time
	SyncStatus        string

	// Local-only.
	Notes *string
	Color *string

	CreatedAt time.Time
}

// OAuthState is a pending authorization request.
type OAuthState struct {
	State     string
	UserID    string
	Provider  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Subscription is an open provider push channel for a calendar.
type Subscription struct {
	ID          string
	CalendarID  int64
	Provider    string
	ResourceID  *string
	ResourceURI *string
	ClientState string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}
