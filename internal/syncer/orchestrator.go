// Package syncer reconciles provider event streams into the local event store.
//
// Each synced calendar moves through NEEDS_FULL_SYNC (no cursor) -> SYNCING ->
// IDLE (cursor stored) -> SYNCING ... and to ERROR on failure. A provider
// reporting the cursor as invalid sends it back to NEEDS_FULL_SYNC.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/token"
)

// ErrLeaseHeld is returned when another run holds the calendar's sync lease.
var ErrLeaseHeld = errors.New("syncer: calendar sync already in progress")

const (
	DefaultWindow   = 30 * 24 * time.Hour
	DefaultLeaseTTL = 15 * time.Minute
	DefaultPageSize = 250

	// maxPages stops a provider that keeps returning page tokens.
	maxPages = 1000
)

type Accounts interface {
	GetByID(ctx context.Context, id int64) (*store.Account, error)
	ListByProvider(ctx context.Context, provider string) ([]store.Account, error)
}

type Calendars interface {
	Upsert(ctx context.Context, cal store.SyncedCalendar) (*store.SyncedCalendar, error)
	GetByID(ctx context.Context, id int64) (*store.SyncedCalendar, error)
	AcquireLease(ctx context.Context, id int64, staleBefore time.Time) (bool, error)
	CompleteSync(ctx context.Context, id int64, syncToken string) error
	FailSync(ctx context.Context, id int64, message string) error
	ClearSyncToken(ctx context.Context, id int64) error
}

type Events interface {
	Upsert(ctx context.Context, event store.Event) (bool, error)
	DeleteByExternalID(ctx context.Context, calendarID int64, externalID string) (bool, error)
}

// Tokens hands out usable access tokens.
type Tokens interface {
	AccessToken(ctx context.Context, account *store.Account) (string, error)
	// ForceRefresh replaces rejected, the token the provider refused.
	ForceRefresh(ctx context.Context, account *store.Account, rejected string) (string, error)
}

type Providers interface {
	Get(name provider.Name) (provider.Adapter, error)
}

type Options struct {
	// Window is how far before and after now a full sync reaches.
	Window time.Duration
	// LeaseTTL is the age after which a SYNCING lease counts as abandoned.
	LeaseTTL time.Duration
	PageSize int
	Now      func() time.Time
}

// Orchestrator runs calendar syncs.
type Orchestrator struct {
	accounts  Accounts
	calendars Calendars
	events    Events
	tokens    Tokens
	providers Providers

	window   time.Duration
	leaseTTL time.Duration
	pageSize int
	now      func() time.Time
}

func New(accounts Accounts, calendars Calendars, events Events, tokens Tokens, providers Providers, opts Options) *Orchestrator {
	o := &Orchestrator{
		accounts:  accounts,
		calendars: calendars,
		events:    events,
		tokens:    tokens,
		providers: providers,
		window:    opts.Window,
		leaseTTL:  opts.LeaseTTL,
		pageSize:  opts.PageSize,
		now:       opts.Now,
	}
	if o.window <= 0 {
		o.window = DefaultWindow
	}
	if o.leaseTTL <= 0 {
		o.leaseTTL = DefaultLeaseTTL
	}
	if o.pageSize <= 0 {
		o.pageSize = DefaultPageSize
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Result summarizes one calendar sync. Errors lists per-event failures that
// were skipped.
type Result struct {
	Processed int      `json:"processed"`
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Deleted   int      `json:"deleted"`
	Errors    []string `json:"errors"`
	FullSync  bool     `json:"fullSync"`
	Skipped   bool     `json:"skipped"`
}

func (r *Result) add(other Result) {
	r.Processed += other.Processed
	r.Created += other.Created
	r.Updated += other.Updated
	r.Deleted += other.Deleted
	r.Errors = append(r.Errors, other.Errors...)
}

// SyncCalendar runs one sync of cal under its lease. When the lease is held
// elsewhere a skipped result is returned with no error.
func (o *Orchestrator) SyncCalendar(ctx context.Context, account *store.Account, cal *store.SyncedCalendar) (*Result, error) {
	acquired, err := o.calendars.AcquireLease(ctx, cal.ID, o.now().Add(-o.leaseTTL))
	if err != nil {
		return nil, err
	}
	if !acquired {
		log.Printf("[INFO] calendar %d sync skipped: lease held", cal.ID)
		return &Result{Skipped: true, Errors: []string{}}, nil
	}

	start := time.Now()
	res, cursor, err := o.run(ctx, account, cal)
	mode := "incremental"
	if res.FullSync {
		mode = "full"
	}
	if err != nil {
		metrics.ObserveSyncRun(account.Provider, mode, "error", start)
		if ferr := o.calendars.FailSync(ctx, cal.ID, failureMessage(err)); ferr != nil {
			log.Printf("[ERROR] failed to record sync failure for calendar %d: %v", cal.ID, ferr)
		}
		return res, fmt.Errorf("sync calendar %d: %w", cal.ID, err)
	}
	if err := o.calendars.CompleteSync(ctx, cal.ID, cursor); err != nil {
		metrics.ObserveSyncRun(account.Provider, mode, "error", start)
		if ferr := o.calendars.FailSync(ctx, cal.ID, failureMessage(err)); ferr != nil {
			log.Printf("[ERROR] failed to release sync lease for calendar %d: %v", cal.ID, ferr)
		}
		return res, fmt.Errorf("complete sync for calendar %d: %w", cal.ID, err)
	}
	metrics.ObserveSyncRun(account.Provider, mode, "ok", start)
	metrics.AddSyncEvents(account.Provider, "created", res.Created)
	metrics.AddSyncEvents(account.Provider, "updated", res.Updated)
	metrics.AddSyncEvents(account.Provider, "deleted", res.Deleted)
	metrics.AddSyncEvents(account.Provider, "failed", len(res.Errors))
	return res, nil
}

// SyncCalendarByID loads the calendar and its account and syncs it. It
// returns ErrLeaseHeld when the calendar is already being synced.
func (o *Orchestrator) SyncCalendarByID(ctx context.Context, calendarID int64) (*Result, error) {
	cal, err := o.calendars.GetByID(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	account, err := o.accounts.GetByID(ctx, cal.AccountID)
	if err != nil {
		return nil, err
	}
	res, err := o.SyncCalendar(ctx, account, cal)
	if err == nil && res.Skipped {
		return res, ErrLeaseHeld
	}
	return res, err
}

// run performs the sync under an acquired lease and returns the cursor to
// store. An invalidated cursor is dropped and the run repeated once as a full
// sync.
func (o *Orchestrator) run(ctx context.Context, account *store.Account, cal *store.SyncedCalendar) (*Result, string, error) {
	res := &Result{Errors: []string{}}
	adapter, err := o.providers.Get(provider.Name(account.Provider))
	if err != nil {
		return res, "", err
	}
	accessToken, err := o.tokens.AccessToken(ctx, account)
	if err != nil {
		return res, "", err
	}

	cursor := ""
	if cal.SyncToken != nil {
		cursor = *cal.SyncToken
	}
	res.FullSync = cursor == ""

	pass, next, err := o.fetch(ctx, account, adapter, cal, &accessToken, cursor)
	res.add(pass)
	if errors.Is(err, provider.ErrSyncTokenInvalidated) && cursor != "" {
		log.Printf("[WARN] sync token for calendar %d invalidated, falling back to full sync", cal.ID)
		if err := o.calendars.ClearSyncToken(ctx, cal.ID); err != nil {
			return res, "", err
		}
		res.FullSync = true
		pass, next, err = o.fetch(ctx, account, adapter, cal, &accessToken, "")
		res.add(pass)
	}
	if err != nil {
		return res, "", err
	}
	return res, next, nil
}

// fetch pages through one ListEvents stream and applies every event. The
// returned cursor is the provider's NextSyncToken from the last page.
func (o *Orchestrator) fetch(ctx context.Context, account *store.Account, adapter provider.Adapter, cal *store.SyncedCalendar, accessToken *string, cursor string) (Result, string, error) {
	res := Result{}
	query := provider.EventQuery{MaxResults: o.pageSize}
	if cursor == "" {
		now := o.now().UTC()
		from, to := now.Add(-o.window), now.Add(o.window)
		query.TimeMin, query.TimeMax = &from, &to
		query.ShowDeleted = true
	} else {
		query.SyncToken = cursor
	}

	refreshed := false
	for pages := 0; ; pages++ {
		if pages >= maxPages {
			return res, "", fmt.Errorf("calendar %d: more than %d pages", cal.ID, maxPages)
		}
		page, err := adapter.ListEvents(ctx, *accessToken, cal.ExternalID, query)
		if provider.IsKind(err, provider.KindUnauthorized) && !refreshed {
			refreshed = true
			fresh, rerr := o.tokens.ForceRefresh(ctx, account, *accessToken)
			if rerr != nil {
				return res, "", rerr
			}
			*accessToken = fresh
			pages--
			continue
		}
		if err != nil {
			return res, "", err
		}

		for _, ev := range page.Events {
			o.apply(ctx, cal.ID, ev, &res)
		}
		if len(page.Errors) > 0 {
			res.Processed += len(page.Errors)
			res.Errors = append(res.Errors, page.Errors...)
			log.Printf("[WARN] calendar %d: skipped %d unreadable events", cal.ID, len(page.Errors))
		}
		if page.NextPageToken == "" {
			return res, page.NextSyncToken, nil
		}
		if page.NextPageToken == query.PageToken {
			return res, "", fmt.Errorf("calendar %d: provider repeated page token", cal.ID)
		}
		query.PageToken = page.NextPageToken
	}
}

// apply reconciles one provider event. Failures are recorded on res and do
// not stop the run.
func (o *Orchestrator) apply(ctx context.Context, calendarID int64, ev provider.Event, res *Result) {
	res.Processed++
	if ev.ID == "" {
		res.Errors = append(res.Errors, "event without id skipped")
		return
	}
	if ev.Status == provider.StatusCancelled {
		deleted, err := o.events.DeleteByExternalID(ctx, calendarID, ev.ID)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("delete event %s: %v", ev.ID, err))
			return
		}
		if deleted {
			res.Deleted++
		}
		return
	}

	row, err := toStoreEvent(calendarID, ev)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("event %s: %v", ev.ID, err))
		return
	}
	created, err := o.events.Upsert(ctx, row)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("upsert event %s: %v", ev.ID, err))
		return
	}
	if created {
		res.Created++
	} else {
		res.Updated++
	}
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, token.ErrReauthRequired):
		return "account requires re-authorization"
	case provider.KindOf(err) != "":
		return fmt.Sprintf("provider error: %s", provider.KindOf(err))
	default:
		return err.Error()
	}
}
