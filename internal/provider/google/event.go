package google

import (
	"fmt"
	"time"

	"github.com/jw6ventures/calsync/internal/provider"
)

type eventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

type reminder struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

type reminders struct {
	UseDefault bool       `json:"useDefault"`
	Overrides  []reminder `json:"overrides,omitempty"`
}

type event struct {
	ID               string     `json:"id,omitempty"`
	Status           string     `json:"status,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	Description      string     `json:"description,omitempty"`
	Location         string     `json:"location,omitempty"`
	Visibility       string     `json:"visibility,omitempty"`
	Start            *eventTime `json:"start,omitempty"`
	End              *eventTime `json:"end,omitempty"`
	Attendees        []attendee `json:"attendees,omitempty"`
	Recurrence       []string   `json:"recurrence,omitempty"`
	RecurringEventID string     `json:"recurringEventId,omitempty"`
	Reminders        *reminders `json:"reminders,omitempty"`
	Created          string     `json:"created,omitempty"`
	Updated          string     `json:"updated,omitempty"`
	HTMLLink         string     `json:"htmlLink,omitempty"`
}

// MapStatus converts a Google event status to the canonical status.
func MapStatus(status string) string {
	switch status {
	case "tentative":
		return provider.StatusTentative
	case "cancelled":
		return provider.StatusCancelled
	default:
		return provider.StatusConfirmed
	}
}

// MapVisibility converts a Google visibility to the canonical privacy.
func MapVisibility(visibility string) string {
	switch visibility {
	case "private":
		return provider.PrivacyPrivate
	case "confidential":
		return provider.PrivacyConfidential
	default:
		return provider.PrivacyPublic
	}
}

func visibilityFromPrivacy(privacy string) string {
	switch privacy {
	case provider.PrivacyPrivate:
		return "private"
	case provider.PrivacyConfidential:
		return "confidential"
	case provider.PrivacyPublic:
		return "public"
	default:
		return "default"
	}
}

func (e event) canonicalPtr(calendarID string) (*provider.Event, error) {
	ev, err := e.canonical(calendarID)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// canonical maps a Google event. Cancelled events returned by incremental
// syncs may carry only id and status, so missing times are tolerated there.
func (e event) canonical(calendarID string) (provider.Event, error) {
	out := provider.Event{
		ID:               e.ID,
		CalendarID:       calendarID,
		Title:            e.Summary,
		Description:      e.Description,
		Location:         e.Location,
		Privacy:          MapVisibility(e.Visibility),
		Status:           MapStatus(e.Status),
		Attendees:        []provider.Attendee{},
		Recurrence:       []string{},
		RecurringEventID: e.RecurringEventID,
		Reminders:        []provider.Reminder{},
		HTMLLink:         e.HTMLLink,
	}
	if e.Recurrence != nil {
		out.Recurrence = append(out.Recurrence, e.Recurrence...)
	}
	for _, a := range e.Attendees {
		status := a.ResponseStatus
		if status == "" {
			status = "needsAction"
		}
		out.Attendees = append(out.Attendees, provider.Attendee{Email: a.Email, DisplayName: a.DisplayName, ResponseStatus: status})
	}
	if e.Reminders != nil {
		for _, r := range e.Reminders.Overrides {
			out.Reminders = append(out.Reminders, provider.Reminder{Method: r.Method, Minutes: r.Minutes})
		}
	}
	out.Created = parseTimestamp(e.Created)
	out.Updated = parseTimestamp(e.Updated)

	if e.Start == nil {
		if out.Status == provider.StatusCancelled {
			return out, nil
		}
		return out, fmt.Errorf("google event %s: missing start", e.ID)
	}
	out.TimeZone = e.Start.TimeZone

	if e.Start.Date != "" {
		start, err := provider.ParseDate(e.Start.Date)
		if err != nil {
			return out, fmt.Errorf("google event %s: %w", e.ID, err)
		}
		var end time.Time
		if e.End != nil && e.End.Date != "" {
			if end, err = provider.ParseDate(e.End.Date); err != nil {
				return out, fmt.Errorf("google event %s: %w", e.ID, err)
			}
		}
		out.IsAllDay = true
		out.StartTime, out.EndTime = provider.AllDayBounds(start, end)
		return out, nil
	}

	start, err := time.Parse(time.RFC3339, e.Start.DateTime)
	if err != nil {
		return out, fmt.Errorf("google event %s: parse start: %w", e.ID, err)
	}
	out.StartTime = start.UTC()
	out.EndTime = out.StartTime
	if e.End != nil && e.End.DateTime != "" {
		end, err := time.Parse(time.RFC3339, e.End.DateTime)
		if err != nil {
			return out, fmt.Errorf("google event %s: parse end: %w", e.ID, err)
		}
		out.EndTime = end.UTC()
	}
	return out, nil
}

func fromCanonical(ev provider.Event) event {
	out := event{
		Summary:          ev.Title,
		Description:      ev.Description,
		Location:         ev.Location,
		Visibility:       visibilityFromPrivacy(ev.Privacy),
		Recurrence:       ev.Recurrence,
		RecurringEventID: ev.RecurringEventID,
	}
	if ev.Status != "" {
		out.Status = ev.Status
	}
	if ev.IsAllDay {
		out.Start = &eventTime{Date: provider.FormatDate(ev.StartTime)}
		out.End = &eventTime{Date: provider.FormatDate(provider.ExclusiveEndDate(ev.EndTime))}
	} else {
		out.Start = &eventTime{DateTime: ev.StartTime.UTC().Format(time.RFC3339), TimeZone: ev.TimeZone}
		out.End = &eventTime{DateTime: ev.EndTime.UTC().Format(time.RFC3339), TimeZone: ev.TimeZone}
	}
	for _, a := range ev.Attendees {
		out.Attendees = append(out.Attendees, attendee{Email: a.Email, DisplayName: a.DisplayName, ResponseStatus: a.ResponseStatus})
	}
	if len(ev.Reminders) > 0 {
		r := &reminders{}
		for _, rem := range ev.Reminders {
			r.Overrides = append(r.Overrides, reminder{Method: rem.Method, Minutes: rem.Minutes})
		}
		out.Reminders = r
	} else {
		out.Reminders = &reminders{UseDefault: true}
	}
	return out
}

func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
