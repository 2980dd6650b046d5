// Package token keeps provider access tokens usable. Refreshes for one account
// are serialized, in process and across instances, because providers may
// rotate the refresh token on every use.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

// ErrReauthRequired means the account's refresh token was rejected or is
// missing and the user has to connect the account again.
var ErrReauthRequired = errors.New("token: account requires re-authorization")

// DefaultMargin is how long before expiry a token is refreshed proactively.
const DefaultMargin = 5 * time.Minute

// Accounts is the account persistence the manager needs.
type Accounts interface {
	GetByID(ctx context.Context, id int64) (*store.Account, error)
	UpdateTokens(ctx context.Context, id int64, update store.TokenUpdate) error
	MarkReauthRequired(ctx context.Context, id int64, message string) error
	// WithRefreshLock runs fn while holding a database lock for the account.
	WithRefreshLock(ctx context.Context, id int64, fn func(ctx context.Context) error) error
}

// reuse decides whether the stored token can be handed out instead of
// redeeming the refresh token.
type reuse func(current *store.Account, access string) bool

// Cipher encrypts tokens at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	EncryptOptional(value string) (*string, error)
}

// Providers resolves adapters by name.
type Providers interface {
	Get(name provider.Name) (provider.Adapter, error)
}

// Options tunes a Manager.
type Options struct {
	Margin time.Duration
	Now    func() time.Time
}

// Manager hands out access tokens and refreshes them.
type Manager struct {
	accounts  Accounts
	providers Providers
	cipher    Cipher
	margin    time.Duration
	now       func() time.Time
	locks     *keyedMutex
}

func NewManager(accounts Accounts, providers Providers, cipher Cipher, opts Options) *Manager {
	margin := opts.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		accounts:  accounts,
		providers: providers,
		cipher:    cipher,
		margin:    margin,
		now:       now,
		locks:     newKeyedMutex(),
	}
}

// AccessToken returns a plaintext access token for account, refreshing first
// when it expires within the safety margin.
func (m *Manager) AccessToken(ctx context.Context, account *store.Account) (string, error) {
	if account.Status == store.AccountReauthRequired {
		return "", ErrReauthRequired
	}
	if !m.needsRefresh(account) {
		token, err := m.cipher.Decrypt(account.EncryptedAccessToken)
		if err != nil {
			return "", fmt.Errorf("decrypt access token for account %d: %w", account.ID, err)
		}
		return token, nil
	}
	resp, err := m.refresh(ctx, account, func(current *store.Account, _ string) bool {
		return !m.needsRefresh(current)
	})
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// ForceRefresh refreshes after the provider rejected the access token
// rejected. If another caller already replaced that token, the new one is
// reused.
func (m *Manager) ForceRefresh(ctx context.Context, account *store.Account, rejected string) (string, error) {
	resp, err := m.refresh(ctx, account, func(current *store.Account, access string) bool {
		return access != rejected && !m.needsRefresh(current)
	})
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// Refresh redeems the account's refresh token and persists the result.
func (m *Manager) Refresh(ctx context.Context, account *store.Account) (*provider.TokenResponse, error) {
	return m.refresh(ctx, account, func(*store.Account, string) bool { return false })
}

func (m *Manager) needsRefresh(account *store.Account) bool {
	if account.TokenExpiresAt == nil {
		return false
	}
	return !m.now().Add(m.margin).Before(*account.TokenExpiresAt)
}

func (m *Manager) refresh(ctx context.Context, seen *store.Account, canReuse reuse) (*provider.TokenResponse, error) {
	unlock := m.locks.Lock(seen.ID)
	defer unlock()

	var resp *provider.TokenResponse
	err := m.accounts.WithRefreshLock(ctx, seen.ID, func(ctx context.Context) error {
		var err error
		resp, err = m.refreshLocked(ctx, seen.ID, canReuse)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *Manager) refreshLocked(ctx context.Context, id int64, canReuse reuse) (*provider.TokenResponse, error) {
	// Re-read under the lock: another caller may have refreshed already, and
	// replaying its (possibly rotated) refresh token would fail.
	current, err := m.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload account %d: %w", id, err)
	}
	if current.Status == store.AccountReauthRequired {
		return nil, ErrReauthRequired
	}
	// An unreadable stored token is replaced rather than reported.
	if access, err := m.cipher.Decrypt(current.EncryptedAccessToken); err == nil && canReuse(current, access) {
		return &provider.TokenResponse{AccessToken: access, ExpiresAt: current.TokenExpiresAt}, nil
	}

	name := provider.Name(current.Provider)
	if current.EncryptedRefreshToken == nil || *current.EncryptedRefreshToken == "" {
		return nil, m.requireReauth(ctx, current, "no refresh token stored")
	}
	adapter, err := m.providers.Get(name)
	if err != nil {
		return nil, err
	}
	refreshToken, err := m.cipher.Decrypt(*current.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token for account %d: %w", current.ID, err)
	}

	resp, err := adapter.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		if provider.IsKind(err, provider.KindUnauthorized) || provider.IsKind(err, provider.KindForbidden) {
			metrics.ObserveTokenRefresh(string(name), "reauth_required")
			return nil, fmt.Errorf("%w: %v", m.requireReauth(ctx, current, err.Error()), err)
		}
		metrics.ObserveTokenRefresh(string(name), "error")
		return nil, fmt.Errorf("refresh account %d: %w", current.ID, err)
	}

	update := store.TokenUpdate{TokenExpiresAt: resp.ExpiresAt}
	if update.EncryptedAccessToken, err = m.cipher.Encrypt(resp.AccessToken); err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	if update.EncryptedRefreshToken, err = m.cipher.EncryptOptional(resp.RefreshToken); err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	if resp.Scope != "" {
		scope := resp.Scope
		update.Scope = &scope
	}
	if err := m.accounts.UpdateTokens(ctx, current.ID, update); err != nil {
		return nil, fmt.Errorf("store refreshed tokens: %w", err)
	}
	metrics.ObserveTokenRefresh(string(name), "ok")
	return resp, nil
}

func (m *Manager) requireReauth(ctx context.Context, account *store.Account, reason string) error {
	if err := m.accounts.MarkReauthRequired(ctx, account.ID, reason); err != nil {
		log.Printf("[ERROR] failed to mark account %d for re-authorization: %v", account.ID, err)
	}
	log.Printf("[WARN] account %d (%s) requires re-authorization: %s", account.ID, account.Provider, reason)
	return ErrReauthRequired
}
