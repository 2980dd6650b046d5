// Package api serves the JSON endpoints: OAuth connect, account management,
// manual sync, webhook channel management and provider callbacks.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/oauthflow"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/syncer"
	"github.com/jw6ventures/calsync/internal/webhook"
)

const maxWebhookBody = 1 << 20

type OAuth interface {
	GenerateAuthorizationURL(ctx context.Context, userID string, name provider.Name) (*oauthflow.AuthorizationRequest, error)
	ExchangeCode(ctx context.Context, name provider.Name, code, state string) (*oauthflow.ExchangeResult, error)
}

type Accounts interface {
	Connect(ctx context.Context, userID string, p provider.Name, tok *provider.TokenResponse) (*store.Account, error)
	List(ctx context.Context, userID string) ([]store.Account, error)
	Get(ctx context.Context, userID string, accountID int64) (*store.Account, error)
	Disconnect(ctx context.Context, userID string, accountID int64) error
}

type Calendars interface {
	GetByID(ctx context.Context, id int64) (*store.SyncedCalendar, error)
	ListByAccount(ctx context.Context, accountID int64) ([]store.SyncedCalendar, error)
}

type Syncer interface {
	SyncAccount(ctx context.Context, accountID int64) (*syncer.AccountResult, error)
}

type Webhooks interface {
	Subscribe(ctx context.Context, calendarID int64) (*store.Subscription, error)
	UnsubscribeCalendar(ctx context.Context, calendarID int64) error
	HandleNotification(ctx context.Context, n webhook.Notification) (bool, error)
}

// Handler serves the JSON API.
type Handler struct {
	oauth     OAuth
	accounts  Accounts
	calendars Calendars
	syncer    Syncer
	webhooks  Webhooks

	syncTimeout time.Duration
}

func NewHandler(oauth OAuth, accounts Accounts, calendars Calendars, s Syncer, webhooks Webhooks) *Handler {
	return &Handler{
		oauth:       oauth,
		accounts:    accounts,
		calendars:   calendars,
		syncer:      s,
		webhooks:    webhooks,
		syncTimeout: 5 * time.Minute,
	}
}

var errBadID = errors.New("invalid id")

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadID
	}
	return id, nil
}

// userID is always present behind RequireSession.
func userID(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

// ownedCalendar loads a calendar and checks that the caller owns the account
// it belongs to. Someone else's calendar reads as not found.
func (h *Handler) ownedCalendar(r *http.Request, calendarID int64) (*store.SyncedCalendar, error) {
	cal, err := h.calendars.GetByID(r.Context(), calendarID)
	if err != nil {
		return nil, err
	}
	if _, err := h.accounts.Get(r.Context(), userID(r), cal.AccountID); err != nil {
		return nil, err
	}
	return cal, nil
}
