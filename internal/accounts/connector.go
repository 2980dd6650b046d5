// Package accounts persists connected provider accounts once an OAuth
// exchange succeeds and tears them down on disconnect.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

type Repository interface {
	Create(ctx context.Context, account store.Account) (*store.Account, error)
	GetByID(ctx context.Context, id int64) (*store.Account, error)
	GetByProviderAccount(ctx context.Context, provider, providerAccountID string) (*store.Account, error)
	ListByUser(ctx context.Context, userID string) ([]store.Account, error)
	UpdateTokens(ctx context.Context, id int64, update store.TokenUpdate) error
	Delete(ctx context.Context, userID string, id int64) error
}

type Calendars interface {
	ListByAccount(ctx context.Context, accountID int64) ([]store.SyncedCalendar, error)
}

// Webhooks stops push channels before their calendars disappear.
type Webhooks interface {
	UnsubscribeCalendar(ctx context.Context, calendarID int64) error
}

type Cipher interface {
	Encrypt(plaintext string) (string, error)
	EncryptOptional(value string) (*string, error)
}

// Connector links provider accounts to users.
type Connector struct {
	accounts  Repository
	calendars Calendars
	webhooks  Webhooks
	cipher    Cipher
}

func NewConnector(accounts Repository, calendars Calendars, webhooks Webhooks, cipher Cipher) *Connector {
	return &Connector{accounts: accounts, calendars: calendars, webhooks: webhooks, cipher: cipher}
}

// Connect stores the account behind tok for userID. Reconnecting an account
// the user already owns replaces its tokens and clears any re-authorization
// flag. An account owned by another user yields store.ErrConflict.
func (c *Connector) Connect(ctx context.Context, userID string, p provider.Name, tok *provider.TokenResponse) (*store.Account, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, fmt.Errorf("connect %s account: empty token response", p)
	}
	if tok.ProviderAccountID == "" {
		return nil, fmt.Errorf("connect %s account: provider did not identify the account", p)
	}

	access, err := c.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := c.cipher.EncryptOptional(tok.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	scope := optional(tok.Scope)

	existing, err := c.accounts.GetByProviderAccount(ctx, string(p), tok.ProviderAccountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	case existing.UserID != userID:
		log.Printf("[WARN] user %s tried to connect %s account %s owned by another user", userID, p, tok.ProviderAccountID)
		return nil, store.ErrConflict
	default:
		if err := c.accounts.UpdateTokens(ctx, existing.ID, store.TokenUpdate{
			EncryptedAccessToken:  access,
			EncryptedRefreshToken: refresh,
			TokenExpiresAt:        tok.ExpiresAt,
			Scope:                 scope,
		}); err != nil {
			return nil, err
		}
		log.Printf("[INFO] user %s reconnected %s account %d", userID, p, existing.ID)
		return c.accounts.GetByID(ctx, existing.ID)
	}

	account, err := c.accounts.Create(ctx, store.Account{
		UserID:                userID,
		Provider:              string(p),
		ProviderAccountID:     tok.ProviderAccountID,
		Email:                 tok.Email,
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		TokenExpiresAt:        tok.ExpiresAt,
		Scope:                 scope,
		Status:                store.AccountActive,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] user %s connected %s account %d", userID, p, account.ID)
	return account, nil
}

// List returns the user's connected accounts.
func (c *Connector) List(ctx context.Context, userID string) ([]store.Account, error) {
	return c.accounts.ListByUser(ctx, userID)
}

// Get returns one of the user's accounts, or store.ErrNotFound when the
// account belongs to someone else.
func (c *Connector) Get(ctx context.Context, userID string, accountID int64) (*store.Account, error) {
	account, err := c.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.UserID != userID {
		return nil, store.ErrNotFound
	}
	return account, nil
}

// Disconnect stops the account's push channels and deletes it. Calendars,
// events and subscription records go with it.
func (c *Connector) Disconnect(ctx context.Context, userID string, accountID int64) error {
	account, err := c.Get(ctx, userID, accountID)
	if err != nil {
		return err
	}
	cals, err := c.calendars.ListByAccount(ctx, account.ID)
	if err != nil {
		return err
	}
	for _, cal := range cals {
		if err := c.webhooks.UnsubscribeCalendar(ctx, cal.ID); err != nil {
			log.Printf("[WARN] failed to stop channels for calendar %d during disconnect: %v", cal.ID, err)
		}
	}
	if err := c.accounts.Delete(ctx, userID, account.ID); err != nil {
		return err
	}
	log.Printf("[INFO] user %s disconnected %s account %d", userID, account.Provider, account.ID)
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
