package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type calendarRepo struct {
	db DB
}

const calendarColumns = `id, account_id, external_id, name, time_zone, is_primary, sync_token,
sync_status, sync_started_at, last_synced_at, last_error, created_at`

func scanCalendar(row pgx.Row) (*SyncedCalendar, error) {
	var c SyncedCalendar
	var status string
	if err := row.Scan(
		&c.ID, &c.AccountID, &c.ExternalID, &c.Name, &c.TimeZone, &c.IsPrimary, &c.SyncToken,
		&status, &c.SyncStartedAt, &c.LastSyncedAt, &c.LastError, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	c.SyncStatus = SyncStatus(status)
	return &c, nil
}

// Upsert binds a provider calendar to an account, refreshing its display
// metadata. The cursor and lease are left untouched.
func (r *calendarRepo) Upsert(ctx context.Context, cal SyncedCalendar) (*SyncedCalendar, error) {
	defer observeDB(ctx, "calendars.upsert")()

	row := r.db.QueryRow(ctx, `INSERT INTO synced_calendars (account_id, external_id, name, time_zone, is_primary)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (account_id, external_id) DO UPDATE SET
    name=EXCLUDED.name,
    time_zone=EXCLUDED.time_zone,
    is_primary=EXCLUDED.is_primary
RETURNING `+calendarColumns, cal.AccountID, cal.ExternalID, cal.Name, cal.TimeZone, cal.IsPrimary)
	out, err := scanCalendar(row)
	if err != nil {
		return nil, fmt.Errorf("upsert calendar: %w", err)
	}
	return out, nil
}

func (r *calendarRepo) GetByID(ctx context.Context, id int64) (*SyncedCalendar, error) {
	defer observeDB(ctx, "calendars.get_by_id")()

	c, err := scanCalendar(r.db.QueryRow(ctx, `SELECT `+calendarColumns+` FROM synced_calendars WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get calendar %d: %w", id, err)
	}
	return c, nil
}

func (r *calendarRepo) ListByAccount(ctx context.Context, accountID int64) ([]SyncedCalendar, error) {
	defer observeDB(ctx, "calendars.list_by_account")()

	rows, err := r.db.Query(ctx, `SELECT `+calendarColumns+` FROM synced_calendars WHERE account_id=$1 ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	defer rows.Close()

	var out []SyncedCalendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// AcquireLease is a compare-and-set on sync_status. A lease whose holder
// started before staleBefore is treated as abandoned and taken over.
func (r *calendarRepo) AcquireLease(ctx context.Context, id int64, staleBefore time.Time) (bool, error) {
	defer observeDB(ctx, "calendars.acquire_lease")()

	tag, err := r.db.Exec(ctx, `UPDATE synced_calendars SET sync_status='syncing', sync_started_at=NOW()
WHERE id=$1 AND (sync_status <> 'syncing' OR sync_started_at IS NULL OR sync_started_at < $2)`, id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("acquire sync lease %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *calendarRepo) CompleteSync(ctx context.Context, id int64, syncToken string) error {
	defer observeDB(ctx, "calendars.complete_sync")()

	_, err := r.db.Exec(ctx, `UPDATE synced_calendars SET
sync_status='idle',
sync_token=COALESCE(NULLIF($2, ''), sync_token),
sync_started_at=NULL,
last_synced_at=NOW(),
last_error=NULL
WHERE id=$1`, id, syncToken)
	if err != nil {
		return fmt.Errorf("complete sync %d: %w", id, err)
	}
	return nil
}

func (r *calendarRepo) FailSync(ctx context.Context, id int64, message string) error {
	defer observeDB(ctx, "calendars.fail_sync")()

	_, err := r.db.Exec(ctx, `UPDATE synced_calendars SET sync_status='error', sync_started_at=NULL, last_error=$2 WHERE id=$1`, id, message)
	if err != nil {
		return fmt.Errorf("fail sync %d: %w", id, err)
	}
	return nil
}

const staleLeaseMessage = "sync lease expired"

// ReleaseStaleLeases moves calendars whose holder started before staleBefore
// to error so they show up as failed instead of syncing forever.
func (r *calendarRepo) ReleaseStaleLeases(ctx context.Context, staleBefore time.Time) (int64, error) {
	defer observeDB(ctx, "calendars.release_stale_leases")()

	tag, err := r.db.Exec(ctx, `UPDATE synced_calendars SET sync_status='error', sync_started_at=NULL, last_error=$2 WHERE sync_status='syncing' AND sync_started_at < $1`, staleBefore, staleLeaseMessage)
	if err != nil {
		return 0, fmt.Errorf("release stale sync leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *calendarRepo) ClearSyncToken(ctx context.Context, id int64) error {
	defer observeDB(ctx, "calendars.clear_sync_token")()

	_, err := r.db.Exec(ctx, `UPDATE synced_calendars SET sync_token=NULL WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("clear sync token %d: %w", id, err)
	}
	return nil
}
