package api

import (
	"time"

	"github.com/jw6ventures/calsync/internal/store"
)

// accountView never carries token material.
type accountView struct {
	ID             int64      `json:"id"`
	Provider       string     `json:"provider"`
	Email          string     `json:"email"`
	Status         string     `json:"status"`
	StatusMessage  *string    `json:"statusMessage,omitempty"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func newAccountView(a store.Account) accountView {
	return accountView{
		ID:             a.ID,
		Provider:       a.Provider,
		Email:          a.Email,
		Status:         string(a.Status),
		StatusMessage:  a.StatusMessage,
		TokenExpiresAt: a.TokenExpiresAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

type calendarView struct {
	ID           int64      `json:"id"`
	AccountID    int64      `json:"accountId"`
	ExternalID   string     `json:"externalId"`
	Name         string     `json:"name"`
	TimeZone     *string    `json:"timeZone,omitempty"`
	IsPrimary    bool       `json:"isPrimary"`
	SyncStatus   string     `json:"syncStatus"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	LastError    *string    `json:"lastError,omitempty"`
}

func newCalendarView(c store.SyncedCalendar) calendarView {
	return calendarView{
		ID:           c.ID,
		AccountID:    c.AccountID,
		ExternalID:   c.ExternalID,
		Name:         c.Name,
		TimeZone:     c.TimeZone,
		IsPrimary:    c.IsPrimary,
		SyncStatus:   string(c.SyncStatus),
		LastSyncedAt: c.LastSyncedAt,
		LastError:    c.LastError,
	}
}

type subscriptionView struct {
	ID         string    `json:"id"`
	CalendarID int64     `json:"calendarId"`
	Provider   string    `json:"provider"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
