package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/token"
)

// CalendarResult is the outcome for one calendar of a manual account sync.
type CalendarResult struct {
	CalendarID int64   `json:"calendarId"`
	ExternalID string  `json:"externalId"`
	Name       string  `json:"name"`
	Result     *Result `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// AccountResult is returned to callers who triggered a sync.
type AccountResult struct {
	Success   bool             `json:"success"`
	Message   string           `json:"message"`
	Calendars []CalendarResult `json:"calendars"`
}

// SyncAccount binds any newly visible provider calendars to the account and
// syncs every one of them. Failures are reported in the result; the error is
// reserved for the account itself being unusable.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID int64) (*AccountResult, error) {
	account, err := o.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Status == store.AccountReauthRequired {
		return &AccountResult{Message: "account requires re-authorization", Calendars: []CalendarResult{}}, nil
	}

	cals, err := o.discover(ctx, account)
	if errors.Is(err, token.ErrReauthRequired) {
		return &AccountResult{Message: "account requires re-authorization", Calendars: []CalendarResult{}}, nil
	}
	if err != nil {
		return &AccountResult{Message: fmt.Sprintf("failed to list calendars: %v", failureMessage(err)), Calendars: []CalendarResult{}}, nil
	}

	out := &AccountResult{Calendars: make([]CalendarResult, 0, len(cals))}
	var total Result
	failed := 0
	for i := range cals {
		cal := &cals[i]
		cr := CalendarResult{CalendarID: cal.ID, ExternalID: cal.ExternalID, Name: cal.Name}
		res, err := o.SyncCalendar(ctx, account, cal)
		cr.Result = res
		if err != nil {
			failed++
			cr.Error = failureMessage(err)
			log.Printf("[WARN] account %d calendar %d sync failed: %v", account.ID, cal.ID, err)
		} else {
			total.add(*res)
		}
		out.Calendars = append(out.Calendars, cr)
	}

	out.Success = failed == 0
	if out.Success {
		out.Message = fmt.Sprintf("synced %d calendars: %d created, %d updated, %d deleted",
			len(cals), total.Created, total.Updated, total.Deleted)
	} else {
		out.Message = fmt.Sprintf("%d of %d calendars failed to sync", failed, len(cals))
	}
	return out, nil
}

// discover lists the account's provider calendars and upserts their bindings.
func (o *Orchestrator) discover(ctx context.Context, account *store.Account) ([]store.SyncedCalendar, error) {
	adapter, err := o.providers.Get(provider.Name(account.Provider))
	if err != nil {
		return nil, err
	}
	accessToken, err := o.tokens.AccessToken(ctx, account)
	if err != nil {
		return nil, err
	}
	remote, err := adapter.ListCalendars(ctx, accessToken)
	if provider.IsKind(err, provider.KindUnauthorized) {
		if accessToken, err = o.tokens.ForceRefresh(ctx, account, accessToken); err != nil {
			return nil, err
		}
		remote, err = adapter.ListCalendars(ctx, accessToken)
	}
	if err != nil {
		return nil, err
	}

	out := make([]store.SyncedCalendar, 0, len(remote))
	for _, rc := range remote {
		cal, err := o.calendars.Upsert(ctx, store.SyncedCalendar{
			AccountID:  account.ID,
			ExternalID: rc.ID,
			Name:       rc.Name,
			TimeZone:   optional(rc.TimeZone),
			IsPrimary:  rc.Primary,
		})
		if err != nil {
			return nil, fmt.Errorf("bind calendar %s: %w", rc.ID, err)
		}
		out = append(out, *cal)
	}
	return out, nil
}

// SweepSummary counts the accounts a sweep visited.
type SweepSummary struct {
	Accounts int
	Synced   int
	Failed   int
	Skipped  int
}

// SweepProvider syncs every account of a provider. One account failing is
// logged and counted without stopping the sweep.
func (o *Orchestrator) SweepProvider(ctx context.Context, name provider.Name) (SweepSummary, error) {
	var sum SweepSummary
	accounts, err := o.accounts.ListByProvider(ctx, string(name))
	if err != nil {
		return sum, fmt.Errorf("list %s accounts: %w", name, err)
	}
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Accounts++
		if account.Status == store.AccountReauthRequired {
			sum.Skipped++
			continue
		}
		res, err := o.SyncAccount(ctx, account.ID)
		switch {
		case err != nil:
			sum.Failed++
			log.Printf("[ERROR] scheduled sync of account %d failed: %v", account.ID, err)
		case !res.Success:
			sum.Failed++
			log.Printf("[WARN] scheduled sync of account %d: %s", account.ID, res.Message)
		default:
			sum.Synced++
		}
	}
	log.Printf("[INFO] %s sweep finished: %d accounts, %d synced, %d failed, %d skipped",
		name, sum.Accounts, sum.Synced, sum.Failed, sum.Skipped)
	return sum, nil
}
