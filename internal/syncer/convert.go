package syncer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

// toStoreEvent maps a canonical provider event onto its local row. Local-only
// fields stay unset; the store never merges them.
func toStoreEvent(calendarID int64, ev provider.Event) (store.Event, error) {
	if ev.StartTime.IsZero() || ev.EndTime.IsZero() {
		return store.Event{}, fmt.Errorf("missing start or end time")
	}
	if ev.EndTime.Before(ev.StartTime) {
		return store.Event{}, fmt.Errorf("end %s before start %s", ev.EndTime, ev.StartTime)
	}

	attendees := ev.Attendees
	if attendees == nil {
		attendees = []provider.Attendee{}
	}
	attendeesJSON, err := json.Marshal(attendees)
	if err != nil {
		return store.Event{}, fmt.Errorf("encode attendees: %w", err)
	}
	reminders := ev.Reminders
	if reminders == nil {
		reminders = []provider.Reminder{}
	}
	remindersJSON, err := json.Marshal(reminders)
	if err != nil {
		return store.Event{}, fmt.Errorf("encode reminders: %w", err)
	}

	status := ev.Status
	if status == "" {
		status = provider.StatusConfirmed
	}
	privacy := ev.Privacy
	if privacy == "" {
		privacy = provider.PrivacyPublic
	}

	return store.Event{
		ExternalID:        ev.ID,
		CalendarID:        calendarID,
		Title:             ev.Title,
		Description:       optional(ev.Description),
		StartTime:         ev.StartTime.UTC(),
		EndTime:           ev.EndTime.UTC(),
		IsAllDay:          ev.IsAllDay,
		TimeZone:          optional(ev.TimeZone),
		Location:          optional(ev.Location),
		Status:            status,
		Privacy:           privacy,
		RecurrenceRule:    optional(strings.Join(ev.Recurrence, "\n")),
		RecurringEventID:  optional(ev.RecurringEventID),
		Attendees:         attendeesJSON,
		Reminders:         remindersJSON,
		HTMLLink:          optional(ev.HTMLLink),
		ProviderCreatedAt: ev.Created,
		ProviderUpdatedAt: ev.Updated,
		SyncStatus:        "synced",
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
