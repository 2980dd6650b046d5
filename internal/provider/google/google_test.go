package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/retry"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://calsync.test/auth/google/callback",
		APIBaseURL:   srv.URL,
		UserInfoURL:  srv.URL + "/userinfo",
		Endpoint: &oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Retry: retry.Options{
			MaxAttempts: 1,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	})
}

func TestMapStatusAndVisibility(t *testing.T) {
	statuses := map[string]string{
		"confirmed": provider.StatusConfirmed,
		"tentative": provider.StatusTentative,
		"cancelled": provider.StatusCancelled,
		"":          provider.StatusConfirmed,
		"bogus":     provider.StatusConfirmed,
	}
	for in, want := range statuses {
		for i := 0; i < 2; i++ {
			if got := MapStatus(in); got != want {
				t.Errorf("MapStatus(%q) = %q, want %q", in, got, want)
			}
		}
	}
	visibilities := map[string]string{
		"default":      provider.PrivacyPublic,
		"public":       provider.PrivacyPublic,
		"private":      provider.PrivacyPrivate,
		"confidential": provider.PrivacyConfidential,
		"":             provider.PrivacyPublic,
	}
	for in, want := range visibilities {
		if got := MapVisibility(in); got != want {
			t.Errorf("MapVisibility(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAuthorizationURLRequestsOfflineAccess(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})
	u, err := url.Parse(a.AuthorizationURL("state-123"))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	if q.Get("state") != "state-123" || q.Get("access_type") != "offline" || q.Get("prompt") != "consent" {
		t.Fatalf("unexpected auth query %v", q)
	}
}

func TestListEventsFullSyncSendsWindow(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/primary/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("timeMin") == "" || q.Get("timeMax") == "" || q.Get("showDeleted") != "true" {
			t.Errorf("full sync missing window: %v", q)
		}
		if q.Has("syncToken") {
			t.Errorf("full sync must not carry a sync token")
		}
		_, _ = w.Write([]byte(`{
			"items": [
				{"id":"a","status":"confirmed","summary":"Holiday","visibility":"private",
				 "start":{"date":"2024-03-10"},"end":{"date":"2024-03-12"}},
				{"id":"b","status":"tentative","summary":"Call",
				 "start":{"dateTime":"2024-03-10T09:00:00-05:00","timeZone":"America/New_York"},
				 "end":{"dateTime":"2024-03-10T10:00:00-05:00"},
				 "attendees":[{"email":"x@example.com"}],
				 "reminders":{"useDefault":false,"overrides":[{"method":"popup","minutes":10}]}},
				{"id":"c","status":"cancelled"}
			],
			"nextSyncToken":"abc123"
		}`))
	})

	from := time.Date(2024, 2, 9, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 4, 9, 0, 0, 0, 0, time.UTC)
	page, err := a.ListEvents(context.Background(), "tok", "primary", provider.EventQuery{TimeMin: &from, TimeMax: &to, ShowDeleted: true})
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if page.NextSyncToken != "abc123" || len(page.Events) != 3 {
		t.Fatalf("unexpected page %+v", page)
	}

	allDay := page.Events[0]
	if !allDay.IsAllDay || allDay.Privacy != provider.PrivacyPrivate {
		t.Fatalf("unexpected all-day event %+v", allDay)
	}
	if want := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC); !allDay.StartTime.Equal(want) {
		t.Errorf("all-day start = %v", allDay.StartTime)
	}
	if want := time.Date(2024, 3, 11, 23, 59, 59, int(999*time.Millisecond), time.UTC); !allDay.EndTime.Equal(want) {
		t.Errorf("all-day end = %v", allDay.EndTime)
	}

	timed := page.Events[1]
	if timed.Status != provider.StatusTentative || timed.TimeZone != "America/New_York" {
		t.Fatalf("unexpected timed event %+v", timed)
	}
	if want := time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC); !timed.StartTime.Equal(want) {
		t.Errorf("timed start = %v", timed.StartTime)
	}
	if len(timed.Attendees) != 1 || timed.Attendees[0].ResponseStatus != "needsAction" {
		t.Errorf("unexpected attendees %+v", timed.Attendees)
	}
	if len(timed.Reminders) != 1 || timed.Reminders[0].Minutes != 10 {
		t.Errorf("unexpected reminders %+v", timed.Reminders)
	}

	if page.Events[2].Status != provider.StatusCancelled {
		t.Errorf("expected cancelled tombstone, got %+v", page.Events[2])
	}
}

func TestListEventsIncrementalSendsOnlySyncToken(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("syncToken") != "abc123" {
			t.Errorf("expected sync token, got %v", q)
		}
		for _, key := range []string{"timeMin", "timeMax", "showDeleted"} {
			if q.Has(key) {
				t.Errorf("incremental sync must not carry %s", key)
			}
		}
		_, _ = w.Write([]byte(`{"items":[],"nextSyncToken":"def456"}`))
	})
	from := time.Now()
	page, err := a.ListEvents(context.Background(), "tok", "primary", provider.EventQuery{SyncToken: "abc123", TimeMin: &from, ShowDeleted: true})
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if page.NextSyncToken != "def456" {
		t.Fatalf("unexpected next sync token %q", page.NextSyncToken)
	}
}

func TestListEventsSkipsUnreadableItems(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"items": [
				{"id":"good","status":"confirmed","summary":"Standup",
				 "start":{"dateTime":"2024-03-10T09:00:00Z"},"end":{"dateTime":"2024-03-10T09:15:00Z"}},
				{"id":"bad","status":"confirmed","summary":"Broken",
				 "start":{"dateTime":"not-a-time"},"end":{"dateTime":"2024-03-10T10:00:00Z"}}
			],
			"nextPageToken":"p2"
		}`))
	})
	page, err := a.ListEvents(context.Background(), "tok", "primary", provider.EventQuery{SyncToken: "abc123"})
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].ID != "good" {
		t.Fatalf("expected the readable event only, got %+v", page.Events)
	}
	if len(page.Errors) != 1 || !strings.Contains(page.Errors[0], "bad") {
		t.Fatalf("expected one error naming the unreadable event, got %v", page.Errors)
	}
	if page.NextPageToken != "p2" {
		t.Fatalf("page token should survive unreadable items, got %q", page.NextPageToken)
	}
}

func TestListEventsGoneInvalidatesSyncToken(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":{"code":410,"message":"Sync token is no longer valid","errors":[{"reason":"fullSyncRequired"}]}}`))
	})
	_, err := a.ListEvents(context.Background(), "tok", "primary", provider.EventQuery{SyncToken: "stale"})
	if !errors.Is(err, provider.ErrSyncTokenInvalidated) {
		t.Fatalf("expected ErrSyncTokenInvalidated, got %v", err)
	}
}

func TestQuotaForbiddenIsRateLimited(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Rate Limit Exceeded","errors":[{"reason":"rateLimitExceeded"}]}}`))
	})
	_, err := a.GetEvent(context.Background(), "tok", "primary", "a")
	if !provider.IsKind(err, provider.KindRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

func TestExchangeCodeIdentifiesAccount(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if r.Form.Get("code") != "the-code" {
				t.Errorf("unexpected code %q", r.Form.Get("code"))
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":3600,"token_type":"Bearer","scope":"openid email"}`))
		case "/userinfo":
			if r.Header.Get("Authorization") != "Bearer at" {
				t.Errorf("userinfo called without access token")
			}
			_, _ = w.Write([]byte(`{"sub":"1234","email":"user@example.com"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	tok, err := a.ExchangeCode(context.Background(), "the-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.ProviderAccountID != "1234" || tok.Email != "user@example.com" {
		t.Fatalf("unexpected token response %+v", tok)
	}
	if tok.ExpiresAt == nil || time.Until(*tok.ExpiresAt) < 50*time.Minute {
		t.Fatalf("unexpected expiry %v", tok.ExpiresAt)
	}
}

func TestCreateWebhookSubscription(t *testing.T) {
	expires := time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC)
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/events/watch") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body channel
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Type != "web_hook" || body.Token != "client-state" || body.Address != "https://calsync.test/webhooks/google" || body.ID == "" {
			t.Errorf("unexpected watch body %+v", body)
		}
		_ = json.NewEncoder(w).Encode(channel{
			ID:          body.ID,
			ResourceID:  "res-1",
			ResourceURI: "https://www.googleapis.com/calendar/v3/calendars/primary/events",
			Expiration:  "1710633600000",
		})
	})
	sub, err := a.CreateWebhookSubscription(context.Background(), "tok", "primary", provider.SubscriptionRequest{
		CallbackURL: "https://calsync.test/webhooks/google",
		ClientState: "client-state",
	})
	if err != nil {
		t.Fatalf("CreateWebhookSubscription() error: %v", err)
	}
	if sub.ID == "" || sub.ResourceID != "res-1" || !sub.Expiration.Equal(expires) {
		t.Fatalf("unexpected subscription %+v", sub)
	}
}

func TestFromCanonicalAllDayUsesExclusiveEnd(t *testing.T) {
	start, end := provider.AllDayBounds(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC))
	out := fromCanonical(provider.Event{Title: "Trip", IsAllDay: true, StartTime: start, EndTime: end, Privacy: provider.PrivacyConfidential})
	if out.Start.Date != "2024-03-10" || out.End.Date != "2024-03-12" {
		t.Fatalf("unexpected dates %+v %+v", out.Start, out.End)
	}
	if out.Visibility != "confidential" || out.Reminders == nil || !out.Reminders.UseDefault {
		t.Fatalf("unexpected mapping %+v", out)
	}
}
