package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type eventRepo struct {
	db DB
}

const eventColumns = `id, external_id, calendar_id, title, description, start_time, end_time, is_all_day,
time_zone, location, status, privacy, recurrence_rule, recurring_event_id, attendees, reminders, html_link,
provider_created_at, provider_updated_at, last_synced_at, sync_status, notes, color, created_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	if err := row.Scan(
		&e.ID, &e.ExternalID, &e.CalendarID, &e.Title, &e.Description, &e.StartTime, &e.EndTime, &e.IsAllDay,
		&e.TimeZone, &e.Location, &e.Status, &e.Privacy, &e.RecurrenceRule, &e.RecurringEventID, &e.Attendees, &e.Reminders, &e.HTMLLink,
		&e.ProviderCreatedAt, &e.ProviderUpdatedAt, &e.LastSyncedAt, &e.SyncStatus, &e.Notes, &e.Color, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

// Upsert merges provider-authoritative columns only; notes and color survive.
// xmax is zero for a freshly inserted row, which distinguishes create from
// update in a single round trip.
func (r *eventRepo) Upsert(ctx context.Context, event Event) (bool, error) {
	defer observeDB(ctx, "events.upsert")()

	attendees := event.Attendees
	if len(attendees) == 0 {
		attendees = []byte("[]")
	}
	reminders := event.Reminders
	if len(reminders) == 0 {
		reminders = []byte("[]")
	}
	syncStatus := event.SyncStatus
	if syncStatus == "" {
		syncStatus = "synced"
	}

	var created bool
	err := r.db.QueryRow(ctx, `INSERT INTO events (
    external_id, calendar_id, title, description, start_time, end_time, is_all_day, time_zone, location,
    status, privacy, recurrence_rule, recurring_event_id, attendees, reminders, html_link,
    provider_created_at, provider_updated_at, last_synced_at, sync_status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW(), $19)
ON CONFLICT (external_id, calendar_id) DO UPDATE SET
    title=EXCLUDED.title,
    description=EXCLUDED.description,
    start_time=EXCLUDED.start_time,
    end_time=EXCLUDED.end_time,
    is_all_day=EXCLUDED.is_all_day,
    time_zone=EXCLUDED.time_zone,
    location=EXCLUDED.location,
    status=EXCLUDED.status,
    privacy=EXCLUDED.privacy,
    recurrence_rule=EXCLUDED.recurrence_rule,
    recurring_event_id=EXCLUDED.recurring_event_id,
    attendees=EXCLUDED.attendees,
    reminders=EXCLUDED.reminders,
    html_link=EXCLUDED.html_link,
    provider_created_at=EXCLUDED.provider_created_at,
    provider_updated_at=EXCLUDED.provider_updated_at,
    last_synced_at=NOW(),
    sync_status=EXCLUDED.sync_status
RETURNING (xmax = 0)`,
		event.ExternalID, event.CalendarID, event.Title, event.Description, event.StartTime, event.EndTime, event.IsAllDay,
		event.TimeZone, event.Location, event.Status, event.Privacy, event.RecurrenceRule, event.RecurringEventID,
		string(attendees), string(reminders), event.HTMLLink, event.ProviderCreatedAt, event.ProviderUpdatedAt, syncStatus,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert event %s: %w", event.ExternalID, err)
	}
	return created, nil
}

func (r *eventRepo) DeleteByExternalID(ctx context.Context, calendarID int64, externalID string) (bool, error) {
	defer observeDB(ctx, "events.delete_by_external_id")()

	tag, err := r.db.Exec(ctx, `DELETE FROM events WHERE calendar_id=$1 AND external_id=$2`, calendarID, externalID)
	if err != nil {
		return false, fmt.Errorf("delete event %s: %w", externalID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *eventRepo) GetByExternalID(ctx context.Context, calendarID int64, externalID string) (*Event, error) {
	defer observeDB(ctx, "events.get_by_external_id")()

	e, err := scanEvent(r.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE calendar_id=$1 AND external_id=$2`, calendarID, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", externalID, err)
	}
	return e, nil
}

// ListInRange returns events overlapping [from, to). An event ending exactly at
// from does not overlap; an instant event at from does.
func (r *eventRepo) ListInRange(ctx context.Context, calendarID int64, from, to time.Time) ([]Event, error) {
	defer observeDB(ctx, "events.list_in_range")()

	rows, err := r.db.Query(ctx, `SELECT `+eventColumns+` FROM events
WHERE calendar_id=$1 AND start_time < $3 AND (end_time > $2 OR start_time >= $2)
ORDER BY start_time, id`, calendarID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
