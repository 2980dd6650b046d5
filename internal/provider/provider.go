// Package provider defines the capability contract every calendar provider
// implements, the canonical event model shared by all of them, and the error
// taxonomy adapters translate provider responses into.
package provider

import (
	"context"
	"time"
)

// Name identifies a calendar provider.
type Name string

const (
	Google    Name = "google"
	Microsoft Name = "microsoft"
)

// Canonical event status values.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// Canonical privacy values.
const (
	PrivacyPublic       = "public"
	PrivacyPrivate      = "private"
	PrivacyConfidential = "confidential"
)

// Adapter is implemented once per provider. Adapters are stateless apart from
// their OAuth client configuration and transport; all user credentials are
// passed in per call.
type Adapter interface {
	Name() Name

	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*TokenResponse, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error)

	ListCalendars(ctx context.Context, accessToken string) ([]Calendar, error)
	ListEvents(ctx context.Context, accessToken, calendarID string, query EventQuery) (*EventPage, error)
	GetEvent(ctx context.Context, accessToken, calendarID, eventID string) (*Event, error)
	CreateEvent(ctx context.Context, accessToken, calendarID string, event Event) (*Event, error)
	UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, event Event) (*Event, error)
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error

	CreateWebhookSubscription(ctx context.Context, accessToken, calendarID string, req SubscriptionRequest) (*Subscription, error)
	DeleteWebhookSubscription(ctx context.Context, accessToken string, sub Subscription) error
}

// TokenResponse is the provider-neutral result of a code exchange or refresh.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scope        string
	IDToken      string

	// Populated on code exchange only.
	ProviderAccountID string
	Email             string
}

// Calendar is a provider calendar visible to the connected account.
type Calendar struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TimeZone    string `json:"timeZone,omitempty"`
	Color       string `json:"color,omitempty"`
	Primary     bool   `json:"primary"`
	ReadOnly    bool   `json:"readOnly"`
}

// EventQuery drives ListEvents. A full sync sets the time window and leaves
// SyncToken empty; an incremental sync sets SyncToken and nothing else.
type EventQuery struct {
	TimeMin     *time.Time
	TimeMax     *time.Time
	SyncToken   string
	PageToken   string
	MaxResults  int
	ShowDeleted bool
}

// Incremental reports whether the query resumes from a sync cursor.
func (q EventQuery) Incremental() bool {
	return q.SyncToken != ""
}

// EventPage is one page of ListEvents output. NextSyncToken is only present on
// the final page.
type EventPage struct {
	Events        []Event
	NextPageToken string
	NextSyncToken string
	// Errors lists items on this page that could not be converted to
	// canonical events. The rest of the page is still usable.
	Errors []string
}

// Event is the canonical, provider-independent event.
type Event struct {
	ID               string     `json:"id"`
	CalendarID       string     `json:"calendarId"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	StartTime        time.Time  `json:"startTime"`
	EndTime          time.Time  `json:"endTime"`
	IsAllDay         bool       `json:"isAllDay"`
	TimeZone         string     `json:"timeZone,omitempty"`
	Location         string     `json:"location,omitempty"`
	Privacy          string     `json:"privacy"`
	Status           string     `json:"status"`
	Attendees        []Attendee `json:"attendees"`
	Recurrence       []string   `json:"recurrence"`
	RecurringEventID string     `json:"recurringEventId,omitempty"`
	Reminders        []Reminder `json:"reminders"`
	Created          *time.Time `json:"created,omitempty"`
	Updated          *time.Time `json:"updated,omitempty"`
	HTMLLink         string     `json:"htmlLink,omitempty"`
}

// Attendee is an invited participant.
type Attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName,omitempty"`
	ResponseStatus string `json:"responseStatus"`
}

// Reminder is a notification rule attached to an event.
type Reminder struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

// SubscriptionRequest describes a push channel to open.
type SubscriptionRequest struct {
	CallbackURL string
	ClientState string
	TTL         time.Duration
}

// Subscription is an open push channel.
type Subscription struct {
	ID          string
	ResourceID  string
	ResourceURI string
	Expiration  time.Time
}
