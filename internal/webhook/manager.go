// Package webhook manages provider push channels and turns their
// notifications into queued incremental syncs. A notification is only a hint
// that something changed; the sync pulls the actual state.
package webhook

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/token"
)

var (
	// ErrUnknownChannel means the notification names no subscription we hold.
	ErrUnknownChannel = errors.New("webhook: unknown channel")
	// ErrClientState means the notification's secret did not match.
	ErrClientState = errors.New("webhook: client state mismatch")
)

// DefaultRenewWindow is how far ahead the daily job renews subscriptions.
const DefaultRenewWindow = 48 * time.Hour

type Subscriptions interface {
	Create(ctx context.Context, sub store.Subscription) error
	GetByID(ctx context.Context, id string) (*store.Subscription, error)
	ListByCalendar(ctx context.Context, calendarID int64) ([]store.Subscription, error)
	ListExpiringBefore(ctx context.Context, before time.Time) ([]store.Subscription, error)
	Delete(ctx context.Context, id string) error
}

type Calendars interface {
	GetByID(ctx context.Context, id int64) (*store.SyncedCalendar, error)
}

type Accounts interface {
	GetByID(ctx context.Context, id int64) (*store.Account, error)
}

type Tokens interface {
	AccessToken(ctx context.Context, account *store.Account) (string, error)
}

type Providers interface {
	Get(name provider.Name) (provider.Adapter, error)
}

// Publisher enqueues sync jobs.
type Publisher interface {
	Publish(ctx context.Context, job queue.Job) (bool, error)
}

type Options struct {
	// CallbackBaseURL is the public origin providers post notifications to;
	// "/webhooks/{provider}" is appended.
	CallbackBaseURL string
	Now             func() time.Time
	Random          io.Reader
}

// Manager owns the subscription lifecycle.
type Manager struct {
	subs      Subscriptions
	calendars Calendars
	accounts  Accounts
	tokens    Tokens
	providers Providers
	jobs      Publisher

	baseURL string
	now     func() time.Time
	random  io.Reader
}

func NewManager(subs Subscriptions, calendars Calendars, accounts Accounts, tokens Tokens, providers Providers, jobs Publisher, opts Options) *Manager {
	m := &Manager{
		subs:      subs,
		calendars: calendars,
		accounts:  accounts,
		tokens:    tokens,
		providers: providers,
		jobs:      jobs,
		baseURL:   strings.TrimRight(opts.CallbackBaseURL, "/"),
		now:       opts.Now,
		random:    opts.Random,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.random == nil {
		m.random = rand.Reader
	}
	return m
}

// CallbackURL is where provider p delivers notifications.
func (m *Manager) CallbackURL(p provider.Name) string {
	return m.baseURL + "/webhooks/" + string(p)
}

type target struct {
	calendar *store.SyncedCalendar
	account  *store.Account
	adapter  provider.Adapter
}

func (m *Manager) resolve(ctx context.Context, calendarID int64) (*target, error) {
	cal, err := m.calendars.GetByID(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	account, err := m.accounts.GetByID(ctx, cal.AccountID)
	if err != nil {
		return nil, err
	}
	adapter, err := m.providers.Get(provider.Name(account.Provider))
	if err != nil {
		return nil, err
	}
	return &target{calendar: cal, account: account, adapter: adapter}, nil
}

// Subscribe opens a push channel for the calendar and records it.
func (m *Manager) Subscribe(ctx context.Context, calendarID int64) (*store.Subscription, error) {
	t, err := m.resolve(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	accessToken, err := m.tokens.AccessToken(ctx, t.account)
	if err != nil {
		return nil, err
	}
	secret := make([]byte, 32)
	if _, err := io.ReadFull(m.random, secret); err != nil {
		return nil, fmt.Errorf("generate client state: %w", err)
	}
	clientState := hex.EncodeToString(secret)

	name := t.adapter.Name()
	ps, err := t.adapter.CreateWebhookSubscription(ctx, accessToken, t.calendar.ExternalID, provider.SubscriptionRequest{
		CallbackURL: m.CallbackURL(name),
		ClientState: clientState,
	})
	if err != nil {
		return nil, err
	}
	sub := store.Subscription{
		ID:          ps.ID,
		CalendarID:  t.calendar.ID,
		Provider:    string(name),
		ResourceID:  optional(ps.ResourceID),
		ResourceURI: optional(ps.ResourceURI),
		ClientState: clientState,
		ExpiresAt:   ps.Expiration,
	}
	if err := m.subs.Create(ctx, sub); err != nil {
		// Do not leave an untracked channel running at the provider.
		if derr := t.adapter.DeleteWebhookSubscription(ctx, accessToken, *ps); derr != nil {
			log.Printf("[WARN] failed to stop untracked %s channel %s: %v", name, ps.ID, derr)
		}
		return nil, fmt.Errorf("record subscription: %w", err)
	}
	log.Printf("[INFO] subscribed calendar %d via %s channel %s until %s", t.calendar.ID, name, sub.ID, sub.ExpiresAt.Format(time.RFC3339))
	return &sub, nil
}

// Unsubscribe stops the channel at the provider and removes the record. A
// channel the provider no longer knows is treated as stopped, and so is one
// whose account can no longer be authorized.
func (m *Manager) Unsubscribe(ctx context.Context, subscriptionID string) error {
	sub, err := m.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if err := m.stop(ctx, sub); err != nil {
		return err
	}
	return m.subs.Delete(ctx, sub.ID)
}

// UnsubscribeCalendar stops every channel of a calendar.
func (m *Manager) UnsubscribeCalendar(ctx context.Context, calendarID int64) error {
	subs, err := m.subs.ListByCalendar(ctx, calendarID)
	if err != nil {
		return err
	}
	var errs []error
	for _, sub := range subs {
		if err := m.Unsubscribe(ctx, sub.ID); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) stop(ctx context.Context, sub *store.Subscription) error {
	t, err := m.resolve(ctx, sub.CalendarID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	accessToken, err := m.tokens.AccessToken(ctx, t.account)
	if errors.Is(err, token.ErrReauthRequired) {
		log.Printf("[WARN] cannot stop channel %s: account %d requires re-authorization; it will expire at %s",
			sub.ID, t.account.ID, sub.ExpiresAt.Format(time.RFC3339))
		return nil
	}
	if err != nil {
		return err
	}
	ps := provider.Subscription{ID: sub.ID, Expiration: sub.ExpiresAt}
	if sub.ResourceID != nil {
		ps.ResourceID = *sub.ResourceID
	}
	if sub.ResourceURI != nil {
		ps.ResourceURI = *sub.ResourceURI
	}
	err = t.adapter.DeleteWebhookSubscription(ctx, accessToken, ps)
	if err != nil && !provider.IsKind(err, provider.KindNotFound) {
		return err
	}
	return nil
}

// RenewResult counts the outcome of a renewal pass.
type RenewResult struct {
	Renewed int
	Failed  int
}

// RenewExpiring replaces every subscription expiring within window. The new
// channel is opened before the old one is stopped so no change goes unnoticed.
func (m *Manager) RenewExpiring(ctx context.Context, window time.Duration) (RenewResult, error) {
	var res RenewResult
	if window <= 0 {
		window = DefaultRenewWindow
	}
	subs, err := m.subs.ListExpiringBefore(ctx, m.now().Add(window))
	if err != nil {
		return res, fmt.Errorf("list expiring subscriptions: %w", err)
	}
	for _, old := range subs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := m.Subscribe(ctx, old.CalendarID); err != nil {
			res.Failed++
			log.Printf("[ERROR] failed to renew channel %s for calendar %d: %v", old.ID, old.CalendarID, err)
			continue
		}
		if err := m.Unsubscribe(ctx, old.ID); err != nil {
			log.Printf("[WARN] failed to stop replaced channel %s: %v", old.ID, err)
		}
		res.Renewed++
	}
	log.Printf("[INFO] webhook renewal finished: %d renewed, %d failed", res.Renewed, res.Failed)
	return res, nil
}

// Notification is what a provider callback carries once decoded.
type Notification struct {
	Provider       provider.Name
	SubscriptionID string
	ResourceID     string
	ClientState    string
	// ResourceState is Google's X-Goog-Resource-State ("sync", "exists",
	// "not_exists") or Microsoft's changeType.
	ResourceState string
}

// HandleNotification verifies n and queues an incremental sync of the one
// calendar bound to its channel. It reports whether a job was queued.
func (m *Manager) HandleNotification(ctx context.Context, n Notification) (bool, error) {
	if n.Provider == provider.Google && n.ResourceState == "sync" {
		metrics.ObserveWebhookNotification(string(n.Provider), "handshake")
		return false, nil
	}
	sub, err := m.subs.GetByID(ctx, n.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.ObserveWebhookNotification(string(n.Provider), "unknown")
		return false, ErrUnknownChannel
	}
	if err != nil {
		return false, err
	}
	if sub.Provider != string(n.Provider) {
		metrics.ObserveWebhookNotification(string(n.Provider), "unknown")
		return false, ErrUnknownChannel
	}
	if subtle.ConstantTimeCompare([]byte(n.ClientState), []byte(sub.ClientState)) != 1 {
		metrics.ObserveWebhookNotification(string(n.Provider), "rejected")
		return false, ErrClientState
	}
	if n.ResourceID != "" && sub.ResourceID != nil && *sub.ResourceID != n.ResourceID {
		metrics.ObserveWebhookNotification(string(n.Provider), "rejected")
		return false, ErrUnknownChannel
	}

	queued, err := m.jobs.Publish(ctx, queue.Job{CalendarID: sub.CalendarID, Reason: queue.ReasonWebhook})
	if err != nil {
		metrics.ObserveWebhookNotification(string(n.Provider), "error")
		return false, fmt.Errorf("enqueue sync for calendar %d: %w", sub.CalendarID, err)
	}
	if queued {
		metrics.ObserveWebhookNotification(string(n.Provider), "enqueued")
	} else {
		metrics.ObserveWebhookNotification(string(n.Provider), "coalesced")
	}
	return queued, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
