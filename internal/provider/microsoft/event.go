package microsoft

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jw6ventures/calsync/internal/provider"
)

type dateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type location struct {
	DisplayName string `json:"displayName"`
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type responseStatus struct {
	Response string `json:"response,omitempty"`
}

type attendee struct {
	EmailAddress emailAddress    `json:"emailAddress"`
	Type         string          `json:"type,omitempty"`
	Status       *responseStatus `json:"status,omitempty"`
}

type recurrencePattern struct {
	Type       string   `json:"type"`
	Interval   int      `json:"interval"`
	DaysOfWeek []string `json:"daysOfWeek,omitempty"`
	DayOfMonth int      `json:"dayOfMonth,omitempty"`
	Month      int      `json:"month,omitempty"`
	Index      string   `json:"index,omitempty"`
}

type recurrenceRange struct {
	Type                string `json:"type"`
	StartDate           string `json:"startDate,omitempty"`
	EndDate             string `json:"endDate,omitempty"`
	NumberOfOccurrences int    `json:"numberOfOccurrences,omitempty"`
}

type patternedRecurrence struct {
	Pattern recurrencePattern `json:"pattern"`
	Range   recurrenceRange   `json:"range"`
}

type removed struct {
	Reason string `json:"reason"`
}

type event struct {
	ID                         string               `json:"id,omitempty"`
	Subject                    string               `json:"subject,omitempty"`
	Body                       *itemBody            `json:"body,omitempty"`
	BodyPreview                string               `json:"bodyPreview,omitempty"`
	Start                      *dateTimeTimeZone    `json:"start,omitempty"`
	End                        *dateTimeTimeZone    `json:"end,omitempty"`
	IsAllDay                   bool                 `json:"isAllDay"`
	IsCancelled                bool                 `json:"isCancelled,omitempty"`
	Location                   *location            `json:"location,omitempty"`
	ShowAs                     string               `json:"showAs,omitempty"`
	Sensitivity                string               `json:"sensitivity,omitempty"`
	Attendees                  []attendee           `json:"attendees,omitempty"`
	Recurrence                 *patternedRecurrence `json:"recurrence,omitempty"`
	SeriesMasterID             string               `json:"seriesMasterId,omitempty"`
	IsReminderOn               bool                 `json:"isReminderOn"`
	ReminderMinutesBeforeStart int                  `json:"reminderMinutesBeforeStart"`
	OriginalStartTimeZone      string               `json:"originalStartTimeZone,omitempty"`
	CreatedDateTime            string               `json:"createdDateTime,omitempty"`
	LastModifiedDateTime       string               `json:"lastModifiedDateTime,omitempty"`
	WebLink                    string               `json:"webLink,omitempty"`
	Removed                    *removed             `json:"@removed,omitempty"`
}

// MapShowAs converts a Graph showAs value to the canonical status using the
// fixed table: free is reported as cancelled.
func MapShowAs(showAs string) string {
	switch showAs {
	case "free":
		return provider.StatusCancelled
	case "tentative":
		return provider.StatusTentative
	default:
		return provider.StatusConfirmed
	}
}

// MapSensitivity converts a Graph sensitivity value to the canonical privacy.
func MapSensitivity(sensitivity string) string {
	switch sensitivity {
	case "personal", "private":
		return provider.PrivacyPrivate
	case "confidential":
		return provider.PrivacyConfidential
	default:
		return provider.PrivacyPublic
	}
}

func showAsFromStatus(status string) string {
	switch status {
	case provider.StatusTentative:
		return "tentative"
	case provider.StatusCancelled:
		return "free"
	default:
		return "busy"
	}
}

func sensitivityFromPrivacy(privacy string) string {
	switch privacy {
	case provider.PrivacyPrivate:
		return "private"
	case provider.PrivacyConfidential:
		return "confidential"
	default:
		return "normal"
	}
}

func mapResponse(response string) string {
	switch response {
	case "accepted", "organizer":
		return "accepted"
	case "tentativelyAccepted":
		return "tentative"
	case "declined":
		return "declined"
	default:
		return "needsAction"
	}
}

func responseFromCanonical(status string) string {
	switch status {
	case "accepted":
		return "accepted"
	case "tentative":
		return "tentativelyAccepted"
	case "declined":
		return "declined"
	default:
		return "none"
	}
}

func (e event) canonicalPtr(calendarID string, freeAsConfirmed bool) (*provider.Event, error) {
	ev, err := e.canonical(calendarID, freeAsConfirmed)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (e event) canonical(calendarID string, freeAsConfirmed bool) (provider.Event, error) {
	out := provider.Event{
		ID:               e.ID,
		CalendarID:       calendarID,
		Title:            e.Subject,
		Description:      e.BodyPreview,
		Privacy:          MapSensitivity(e.Sensitivity),
		Status:           MapShowAs(e.ShowAs),
		TimeZone:         e.OriginalStartTimeZone,
		Attendees:        []provider.Attendee{},
		Recurrence:       []string{},
		RecurringEventID: e.SeriesMasterID,
		Reminders:        []provider.Reminder{},
		HTMLLink:         e.WebLink,
	}
	if freeAsConfirmed && e.ShowAs == "free" {
		out.Status = provider.StatusConfirmed
	}
	if e.IsCancelled || e.Removed != nil {
		out.Status = provider.StatusCancelled
	}
	if e.Body != nil && e.Body.ContentType == "text" && e.Body.Content != "" {
		out.Description = e.Body.Content
	}
	if e.Location != nil {
		out.Location = e.Location.DisplayName
	}
	for _, a := range e.Attendees {
		status := "needsAction"
		if a.Status != nil {
			status = mapResponse(a.Status.Response)
		}
		out.Attendees = append(out.Attendees, provider.Attendee{Email: a.EmailAddress.Address, DisplayName: a.EmailAddress.Name, ResponseStatus: status})
	}
	if e.Recurrence != nil {
		if rule := toRRule(*e.Recurrence); rule != "" {
			out.Recurrence = append(out.Recurrence, rule)
		}
	}
	if e.IsReminderOn {
		out.Reminders = append(out.Reminders, provider.Reminder{Method: "popup", Minutes: e.ReminderMinutesBeforeStart})
	}
	out.Created = parseTimestamp(e.CreatedDateTime)
	out.Updated = parseTimestamp(e.LastModifiedDateTime)

	if e.Start == nil {
		if out.Status == provider.StatusCancelled {
			return out, nil
		}
		return out, fmt.Errorf("microsoft event %s: missing start", e.ID)
	}
	parse := parseGraphTime
	if e.IsAllDay {
		out.IsAllDay = true
		parse = parseGraphDate
	}
	start, err := parse(*e.Start)
	if err != nil {
		return out, fmt.Errorf("microsoft event %s: parse start: %w", e.ID, err)
	}
	end := start
	if e.End != nil {
		if end, err = parse(*e.End); err != nil {
			return out, fmt.Errorf("microsoft event %s: parse end: %w", e.ID, err)
		}
	}
	if e.IsAllDay {
		// Graph reports all-day spans as local midnights with an exclusive end.
		exclusiveEnd := time.Time{}
		if e.End != nil {
			exclusiveEnd = end
		}
		out.StartTime, out.EndTime = provider.AllDayBounds(start, exclusiveEnd)
		return out, nil
	}
	out.StartTime, out.EndTime = start, end
	return out, nil
}

// parseGraphDate reads the calendar date of an all-day boundary. The zone is
// ignored: converting a local midnight east of UTC would land on the day before.
func parseGraphDate(v dateTimeTimeZone) (time.Time, error) {
	if len(v.DateTime) < len("2006-01-02") {
		return time.Time{}, fmt.Errorf("invalid all-day date %q", v.DateTime)
	}
	return provider.ParseDate(v.DateTime[:len("2006-01-02")])
}

// parseGraphTime reads a dateTimeTimeZone. Requests ask for UTC, but a zone
// Go can resolve is honored when Graph ignores the preference.
func parseGraphTime(v dateTimeTimeZone) (time.Time, error) {
	loc := time.UTC
	if v.TimeZone != "" && !strings.EqualFold(v.TimeZone, "UTC") {
		if l, err := time.LoadLocation(v.TimeZone); err == nil {
			loc = l
		}
	}
	value := strings.TrimSuffix(v.DateTime, "Z")
	t, err := time.ParseInLocation(graphTimeLayout, value, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func fromCanonical(ev provider.Event) event {
	out := event{
		Subject:     ev.Title,
		Body:        &itemBody{ContentType: "text", Content: ev.Description},
		IsAllDay:    ev.IsAllDay,
		ShowAs:      showAsFromStatus(ev.Status),
		Sensitivity: sensitivityFromPrivacy(ev.Privacy),
	}
	if ev.Location != "" {
		out.Location = &location{DisplayName: ev.Location}
	}
	if ev.IsAllDay {
		start := provider.StartOfDayUTC(ev.StartTime)
		end := provider.ExclusiveEndDate(ev.EndTime)
		out.Start = &dateTimeTimeZone{DateTime: start.Format(graphTimeLayout), TimeZone: "UTC"}
		out.End = &dateTimeTimeZone{DateTime: end.Format(graphTimeLayout), TimeZone: "UTC"}
	} else {
		out.Start = &dateTimeTimeZone{DateTime: ev.StartTime.UTC().Format(graphTimeLayout), TimeZone: "UTC"}
		out.End = &dateTimeTimeZone{DateTime: ev.EndTime.UTC().Format(graphTimeLayout), TimeZone: "UTC"}
	}
	for _, a := range ev.Attendees {
		out.Attendees = append(out.Attendees, attendee{
			EmailAddress: emailAddress{Address: a.Email, Name: a.DisplayName},
			Type:         "required",
			Status:       &responseStatus{Response: responseFromCanonical(a.ResponseStatus)},
		})
	}
	if len(ev.Reminders) > 0 {
		out.IsReminderOn = true
		out.ReminderMinutesBeforeStart = ev.Reminders[0].Minutes
	}
	if len(ev.Recurrence) > 0 {
		if rec, ok := fromRRule(ev.Recurrence[0], ev.StartTime); ok {
			out.Recurrence = &rec
		}
	}
	return out
}

var weekdayCodes = map[string]string{
	"sunday":    "SU",
	"monday":    "MO",
	"tuesday":   "TU",
	"wednesday": "WE",
	"thursday":  "TH",
	"friday":    "FR",
	"saturday":  "SA",
}

var indexOrdinals = map[string]string{
	"first":  "1",
	"second": "2",
	"third":  "3",
	"fourth": "4",
	"last":   "-1",
}

// toRRule renders a Graph recurrence as an RFC 5545 RRULE line.
func toRRule(r patternedRecurrence) string {
	p := r.Pattern
	parts := []string{}
	byDay := func(prefix string) string {
		codes := make([]string, 0, len(p.DaysOfWeek))
		for _, d := range p.DaysOfWeek {
			if code, ok := weekdayCodes[strings.ToLower(d)]; ok {
				codes = append(codes, prefix+code)
			}
		}
		return strings.Join(codes, ",")
	}
	switch p.Type {
	case "daily":
		parts = append(parts, "FREQ=DAILY")
	case "weekly":
		parts = append(parts, "FREQ=WEEKLY")
		if days := byDay(""); days != "" {
			parts = append(parts, "BYDAY="+days)
		}
	case "absoluteMonthly":
		parts = append(parts, "FREQ=MONTHLY", "BYMONTHDAY="+strconv.Itoa(p.DayOfMonth))
	case "relativeMonthly":
		parts = append(parts, "FREQ=MONTHLY")
		if days := byDay(indexOrdinals[p.Index]); days != "" {
			parts = append(parts, "BYDAY="+days)
		}
	case "absoluteYearly":
		parts = append(parts, "FREQ=YEARLY", "BYMONTH="+strconv.Itoa(p.Month), "BYMONTHDAY="+strconv.Itoa(p.DayOfMonth))
	case "relativeYearly":
		parts = append(parts, "FREQ=YEARLY", "BYMONTH="+strconv.Itoa(p.Month))
		if days := byDay(indexOrdinals[p.Index]); days != "" {
			parts = append(parts, "BYDAY="+days)
		}
	default:
		return ""
	}
	if p.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(p.Interval))
	}
	switch r.Range.Type {
	case "endDate":
		if d, err := provider.ParseDate(r.Range.EndDate); err == nil {
			parts = append(parts, "UNTIL="+d.Format("20060102"))
		}
	case "numbered":
		if r.Range.NumberOfOccurrences > 0 {
			parts = append(parts, "COUNT="+strconv.Itoa(r.Range.NumberOfOccurrences))
		}
	}
	return "RRULE:" + strings.Join(parts, ";")
}

// fromRRule handles the subset of RRULE that toRRule produces for simple
// daily and weekly series.
func fromRRule(rule string, start time.Time) (patternedRecurrence, bool) {
	rule = strings.TrimPrefix(rule, "RRULE:")
	fields := map[string]string{}
	for _, part := range strings.Split(rule, ";") {
		k, v, ok := strings.Cut(part, "=")
		if ok {
			fields[strings.ToUpper(k)] = v
		}
	}
	out := patternedRecurrence{
		Pattern: recurrencePattern{Interval: 1},
		Range:   recurrenceRange{Type: "noEnd", StartDate: provider.FormatDate(start)},
	}
	switch fields["FREQ"] {
	case "DAILY":
		out.Pattern.Type = "daily"
	case "WEEKLY":
		out.Pattern.Type = "weekly"
		for _, code := range strings.Split(fields["BYDAY"], ",") {
			for name, c := range weekdayCodes {
				if c == code {
					out.Pattern.DaysOfWeek = append(out.Pattern.DaysOfWeek, name)
				}
			}
		}
		if len(out.Pattern.DaysOfWeek) == 0 {
			out.Pattern.DaysOfWeek = []string{strings.ToLower(start.Weekday().String())}
		}
	default:
		return out, false
	}
	if n, err := strconv.Atoi(fields["INTERVAL"]); err == nil && n > 0 {
		out.Pattern.Interval = n
	}
	if n, err := strconv.Atoi(fields["COUNT"]); err == nil && n > 0 {
		out.Range.Type = "numbered"
		out.Range.NumberOfOccurrences = n
	} else if until := fields["UNTIL"]; len(until) >= 8 {
		if d, err := time.Parse("20060102", until[:8]); err == nil {
			out.Range.Type = "endDate"
			out.Range.EndDate = provider.FormatDate(d)
		}
	}
	return out, true
}

func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
