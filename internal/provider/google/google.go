// Package google implements the provider contract against the Google Calendar
// v3 REST API.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/retry"
)

const (
	defaultAPIBaseURL  = "https://www.googleapis.com/calendar/v3"
	defaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	issuer             = "https://accounts.google.com"
	jwksURL            = "https://www.googleapis.com/oauth2/v3/certs"

	// Google caps channel lifetimes at 30 days; a week keeps renewal cheap.
	defaultChannelTTL = 7 * 24 * time.Hour
)

var defaultScopes = []string{
	"openid",
	"email",
	"https://www.googleapis.com/auth/calendar",
}

// Config holds the OAuth client registration and optional endpoint overrides.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	APIBaseURL  string
	UserInfoURL string
	Endpoint    *oauth2.Endpoint

	HTTPClient *http.Client
	Retry      retry.Options
	// VerifyIDToken enables id_token signature checks against Google's JWKS.
	// When disabled the userinfo endpoint identifies the account.
	VerifyIDToken bool
}

// Adapter talks to Google Calendar.
type Adapter struct {
	oauth       *oauth2.Config
	client      *provider.Client
	userInfoURL string
	verifier    *provider.IDTokenVerifier
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds a Google adapter.
func New(cfg Config) *Adapter {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	endpoint := endpoints.Google
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	userInfo := cfg.UserInfoURL
	if userInfo == "" {
		userInfo = defaultUserInfoURL
	}

	a := &Adapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		client: provider.NewClient(provider.ClientOptions{
			Provider:    provider.Google,
			BaseURL:     baseURL,
			HTTPClient:  cfg.HTTPClient,
			UserAgent:   "calsync",
			Retry:       cfg.Retry,
			DecodeError: decodeError,
			Classify:    classify,
		}),
		userInfoURL: userInfo,
	}
	if cfg.VerifyIDToken {
		a.verifier = provider.NewIDTokenVerifier(issuer, jwksURL, cfg.ClientID, false)
	}
	return a
}

func (a *Adapter) Name() provider.Name { return provider.Google }

// AuthorizationURL requests offline access and forces the consent screen so
// Google always returns a refresh token.
func (a *Adapter) AuthorizationURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (a *Adapter) ExchangeCode(ctx context.Context, code string) (*provider.TokenResponse, error) {
	tok, err := provider.ExchangeToken(ctx, provider.Google, a.oauth, a.client.HTTPClient(), code)
	if err != nil {
		return nil, err
	}
	if err := a.identify(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func (a *Adapter) identify(ctx context.Context, tok *provider.TokenResponse) error {
	if a.verifier != nil && tok.IDToken != "" {
		claims, err := a.verifier.Verify(ctx, tok.IDToken)
		if err != nil {
			return &provider.ExternalServiceError{Provider: provider.Google, Kind: provider.KindUnauthorized, Message: "invalid id_token", Err: err}
		}
		tok.ProviderAccountID = claims.Subject
		tok.Email = claims.Email
	} else {
		var info struct {
			Sub   string `json:"sub"`
			Email string `json:"email"`
		}
		if err := a.client.Do(ctx, provider.Request{Method: http.MethodGet, Path: a.userInfoURL, Token: tok.AccessToken}, &info); err != nil {
			return fmt.Errorf("google userinfo: %w", err)
		}
		tok.ProviderAccountID = info.Sub
		tok.Email = info.Email
	}
	if tok.ProviderAccountID == "" {
		return &provider.ExternalServiceError{Provider: provider.Google, Kind: provider.KindUnknown, Message: "account identity missing from token response"}
	}
	return nil
}

func (a *Adapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.TokenResponse, error) {
	return provider.RefreshToken(ctx, provider.Google, a.oauth, a.client.HTTPClient(), refreshToken)
}

type calendarListEntry struct {
	ID              string `json:"id"`
	Summary         string `json:"summary"`
	SummaryOverride string `json:"summaryOverride"`
	Description     string `json:"description"`
	TimeZone        string `json:"timeZone"`
	BackgroundColor string `json:"backgroundColor"`
	Primary         bool   `json:"primary"`
	AccessRole      string `json:"accessRole"`
}

func (a *Adapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.Calendar, error) {
	var calendars []provider.Calendar
	pageToken := ""
	for {
		q := url.Values{}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var resp struct {
			Items         []calendarListEntry `json:"items"`
			NextPageToken string              `json:"nextPageToken"`
		}
		if err := a.client.Do(ctx, provider.Request{Method: http.MethodGet, Path: "/users/me/calendarList", Query: q, Token: accessToken}, &resp); err != nil {
			return nil, fmt.Errorf("list google calendars: %w", err)
		}
		for _, item := range resp.Items {
			name := item.Summary
			if item.SummaryOverride != "" {
				name = item.SummaryOverride
			}
			calendars = append(calendars, provider.Calendar{
				ID:          item.ID,
				Name:        name,
				Description: item.Description,
				TimeZone:    item.TimeZone,
				Color:       item.BackgroundColor,
				Primary:     item.Primary,
				ReadOnly:    item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
			})
		}
		if resp.NextPageToken == "" {
			return calendars, nil
		}
		pageToken = resp.NextPageToken
	}
}

// ListEvents fetches one page. Incremental queries send only the sync token;
// Google rejects a sync token combined with a time window.
func (a *Adapter) ListEvents(ctx context.Context, accessToken, calendarID string, query provider.EventQuery) (*provider.EventPage, error) {
	q := url.Values{}
	if query.Incremental() {
		q.Set("syncToken", query.SyncToken)
	} else {
		if query.TimeMin != nil {
			q.Set("timeMin", query.TimeMin.UTC().Format(time.RFC3339))
		}
		if query.TimeMax != nil {
			q.Set("timeMax", query.TimeMax.UTC().Format(time.RFC3339))
		}
		if query.ShowDeleted {
			q.Set("showDeleted", "true")
		}
	}
	if query.PageToken != "" {
		q.Set("pageToken", query.PageToken)
	}
	if query.MaxResults > 0 {
		q.Set("maxResults", strconv.Itoa(query.MaxResults))
	}

	var resp struct {
		Items         []event `json:"items"`
		NextPageToken string  `json:"nextPageToken"`
		NextSyncToken string  `json:"nextSyncToken"`
	}
	err := a.client.Do(ctx, provider.Request{Method: http.MethodGet, Path: eventsPath(calendarID), Query: q, Token: accessToken}, &resp)
	if err != nil {
		if provider.StatusCodeOf(err) == http.StatusGone {
			return nil, fmt.Errorf("%w: %v", provider.ErrSyncTokenInvalidated, err)
		}
		return nil, fmt.Errorf("list google events: %w", err)
	}

	page := &provider.EventPage{
		Events:        make([]provider.Event, 0, len(resp.Items)),
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}
	for _, item := range resp.Items {
		ev, err := item.canonical(calendarID)
		if err != nil {
			page.Errors = append(page.Errors, err.Error())
			continue
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

func (a *Adapter) GetEvent(ctx context.Context, accessToken, calendarID, eventID string) (*provider.Event, error) {
	var item event
	if err := a.client.Do(ctx, provider.Request{Method: http.MethodGet, Path: eventPath(calendarID, eventID), Token: accessToken}, &item); err != nil {
		return nil, fmt.Errorf("get google event: %w", err)
	}
	return item.canonicalPtr(calendarID)
}

func (a *Adapter) CreateEvent(ctx context.Context, accessToken, calendarID string, ev provider.Event) (*provider.Event, error) {
	var item event
	if err := a.client.Do(ctx, provider.Request{Method: http.MethodPost, Path: eventsPath(calendarID), Token: accessToken, Body: fromCanonical(ev)}, &item); err != nil {
		return nil, fmt.Errorf("create google event: %w", err)
	}
	return item.canonicalPtr(calendarID)
}

func (a *Adapter) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev provider.Event) (*provider.Event, error) {
	var item event
	if err := a.client.Do(ctx, provider.Request{Method: http.MethodPut, Path: eventPath(calendarID, eventID), Token: accessToken, Body: fromCanonical(ev)}, &item); err != nil {
		return nil, fmt.Errorf("update google event: %w", err)
	}
	return item.canonicalPtr(calendarID)
}

func (a *Adapter) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	if err := a.client.Do(ctx, provider.Request{Method: http.MethodDelete, Path: eventPath(calendarID, eventID), Token: accessToken}, nil); err != nil {
		return fmt.Errorf("delete google event: %w", err)
	}
	return nil
}

type channel struct {
	ID          string            `json:"id"`
	Type        string            `json:"type,omitempty"`
	Address     string            `json:"address,omitempty"`
	Token       string            `json:"token,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	ResourceID  string            `json:"resourceId,omitempty"`
	ResourceURI string            `json:"resourceUri,omitempty"`
	Expiration  string            `json:"expiration,omitempty"`
}

// CreateWebhookSubscription opens an events.watch channel. The client state
// is echoed back by Google in X-Goog-Channel-Token.
func (a *Adapter) CreateWebhookSubscription(ctx context.Context, accessToken, calendarID string, req provider.SubscriptionRequest) (*provider.Subscription, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultChannelTTL
	}
	body := channel{
		ID:      uuid.NewString(),
		Type:    "web_hook",
		Address: req.CallbackURL,
		Token:   req.ClientState,
		Params:  map[string]string{"ttl": strconv.FormatInt(int64(ttl/time.Second), 10)},
	}
	var resp channel
	if err := a.client.Do(ctx, provider.Request{Method: http.MethodPost, Path: eventsPath(calendarID) + "/watch", Token: accessToken, Body: body}, &resp); err != nil {
		return nil, fmt.Errorf("watch google calendar: %w", err)
	}
	sub := &provider.Subscription{
		ID:          resp.ID,
		ResourceID:  resp.ResourceID,
		ResourceURI: resp.ResourceURI,
	}
	if sub.ID == "" {
		sub.ID = body.ID
	}
	if ms, err := strconv.ParseInt(resp.Expiration, 10, 64); err == nil {
		sub.Expiration = time.UnixMilli(ms).UTC()
	} else {
		sub.Expiration = time.Now().Add(ttl).UTC()
	}
	return sub, nil
}

func (a *Adapter) DeleteWebhookSubscription(ctx context.Context, accessToken string, sub provider.Subscription) error {
	body := channel{ID: sub.ID, ResourceID: sub.ResourceID}
	if err := a.client.Do(ctx, provider.Request{Method: http.MethodPost, Path: "/channels/stop", Token: accessToken, Body: body}, nil); err != nil {
		return fmt.Errorf("stop google channel: %w", err)
	}
	return nil
}

func eventsPath(calendarID string) string {
	return "/calendars/" + url.PathEscape(calendarID) + "/events"
}

func eventPath(calendarID, eventID string) string {
	return eventsPath(calendarID) + "/" + url.PathEscape(eventID)
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

func decodeError(body []byte) (string, string) {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil {
		return "", ""
	}
	code := e.Error.Status
	if len(e.Error.Errors) > 0 && e.Error.Errors[0].Reason != "" {
		code = e.Error.Errors[0].Reason
	}
	return code, e.Error.Message
}

// classify treats Google's quota errors, which arrive as 403, as rate limits.
func classify(err *provider.ExternalServiceError) {
	if err.StatusCode != http.StatusForbidden {
		return
	}
	switch err.Code {
	case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
		err.Kind = provider.KindRateLimited
	}
}
