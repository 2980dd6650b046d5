// Package microsoft implements the provider contract against Microsoft Graph
// calendars.
package microsoft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/retry"
)

const (
	defaultAPIBaseURL = "https://graph.microsoft.com/v1.0"
	defaultTenant     = "common"
	jwksURL           = "https://login.microsoftonline.com/common/discovery/v2.0/keys"

	// Graph limits calendar event subscriptions to just under three days.
	defaultSubscriptionTTL = 4230 * time.Minute

	graphTimeLayout = "2006-01-02T15:04:05.9999999"
)

var defaultScopes = []string{
	"openid",
	"email",
	"offline_access",
	"User.Read",
	"Calendars.ReadWrite",
}

// Config holds the Azure AD app registration and optional endpoint overrides.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Tenant       string
	Scopes       []string

	APIBaseURL string
	Endpoint   *oauth2.Endpoint

	HTTPClient *http.Client
	Retry      retry.Options

	VerifyIDToken bool
	// FreeAsConfirmed maps showAs=free to confirmed instead of cancelled.
	FreeAsConfirmed bool
}

// Adapter talks to Microsoft Graph.
type Adapter struct {
	oauth           *oauth2.Config
	client          *provider.Client
	verifier        *provider.IDTokenVerifier
	freeAsConfirmed bool
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds a Microsoft adapter.
func New(cfg Config) *Adapter {
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = defaultTenant
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	endpoint := endpoints.AzureAD(tenant)
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
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
			Provider:    provider.Microsoft,
			BaseURL:     baseURL,
			HTTPClient:  cfg.HTTPClient,
			UserAgent:   "calsync",
			Retry:       cfg.Retry,
			DecodeError: decodeError,
		}),
		freeAsConfirmed: cfg.FreeAsConfirmed,
	}
	if cfg.VerifyIDToken {
		// Multi-tenant tokens carry a per-tenant issuer.
		issuer := "https://login.microsoftonline.com/" + tenant + "/v2.0"
		a.verifier = provider.NewIDTokenVerifier(issuer, jwksURL, cfg.ClientID, tenant == defaultTenant || tenant == "organizations" || tenant == "consumers")
	}
	return a
}

func (a *Adapter) Name() provider.Name { return provider.Microsoft }

func (a *Adapter) AuthorizationURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("response_mode", "query"), oauth2.SetAuthURLParam("prompt", "select_account"))
}

func (a *Adapter) ExchangeCode(ctx context.Context, code string) (*provider.TokenResponse, error) {
	tok, err := provider.ExchangeToken(ctx, provider.Microsoft, a.oauth, a.client.HTTPClient(), code)
	if err != nil {
		return nil, err
	}
	if a.verifier != nil && tok.IDToken != "" {
		claims, err := a.verifier.Verify(ctx, tok.IDToken)
		if err != nil {
			return nil, &provider.ExternalServiceError{Provider: provider.Microsoft, Kind: provider.KindUnauthorized, Message: "invalid id_token", Err: err}
		}
		tok.ProviderAccountID = claims.ObjectID
		tok.Email = claims.Email
		if tok.Email == "" {
			tok.Email = claims.PreferredUsername
		}
	}
	if tok.ProviderAccountID == "" {
		var me struct {
			ID                string `json:"id"`
			Mail              string `json:"mail"`
			UserPrincipalName string `json:"userPrincipalName"`
		}
		if err := a.client.Do(ctx, provider.Request{Method: http.MethodGet, Path: "/me", Token: tok.AccessToken}, &me); err != nil {
			return nil, fmt.Errorf("microsoft profile: %w", err)
		}
		tok.ProviderAccountID = me.ID
		tok.Email = me.Mail
		if tok.Email == "" {
			tok.Email = me.UserPrincipalName
		}
	}
	if tok.ProviderAccountID == "" {
		return nil, &provider.ExternalServiceError{Provider: provider.Microsoft, Kind: provider.KindUnknown, Message: "account identity missing from token response"}
	}
	return tok, nil
}

func (a *Adapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.TokenResponse, error) {
	return provider.RefreshToken(ctx, provider.Microsoft, a.oauth, a.client.HTTPClient(), refreshToken)
}

type calendar struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	HexColor          string `json:"hexColor"`
	IsDefaultCalendar bool   `json:"isDefaultCalendar"`
	CanEdit           bool   `json:"canEdit"`
}

func (a *Adapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.Calendar, error) {
	var calendars []provider.Calendar
	next := "/me/calendars"
	for next != "" {
		var resp struct {
			Value    []calendar `json:"value"`
			NextLink string     `json:"@odata.nextLink"`
		}
		if err := a.client.Do(ctx, provider.Request{Method: http.MethodGet, Path: next, Token: accessToken}, &resp); err != nil {
			return nil, fmt.Errorf("list microsoft calendars: %w", err)
		}
		for _, c := range resp.Value {
			calendars = append(calendars, provider.Calendar{
				ID:       c.ID,
				Name:     c.Name,
				Color:    c.HexColor,
				Primary:  c.IsDefaultCalendar,
				ReadOnly: !c.CanEdit,
			})
		}
		next = resp.NextLink
	}
	return calendars, nil
}

// ListEvents walks calendarView/delta. Graph pagination and cursors are full
// URLs; only their $skiptoken and $deltatoken values are handed out so the
// cursor stays opaque and the request is rebuilt against the configured base.
func (a *Adapter) ListEvents(ctx context.Context, accessToken, calendarID string, query provider.EventQuery) (*provider.EventPage, error) {
	q := url.Values{}
	switch {
	case query.PageToken != "":
		q.Set("$skiptoken", query.PageToken)
	case query.Incremental():
		q.Set("$deltatoken", query.SyncToken)
	default:
		if query.TimeMin != nil {
			q.Set("startDateTime", query.TimeMin.UTC().Format(time.RFC3339))
		}
		if query.TimeMax != nil {
			q.Set("endDateTime", query.TimeMax.UTC().Format(time.RFC3339))
		}
	}
	header := http.Header{}
	header.Add("Prefer", `outlook.timezone="UTC"`)
	if query.MaxResults > 0 {
		header.Add("Prefer", "odata.maxpagesize="+strconv.Itoa(query.MaxResults))
	}

	var resp struct {
		Value     []event `json:"value"`
		NextLink  string  `json:"@odata.nextLink"`
		DeltaLink string  `json:"@odata.deltaLink"`
	}
	path := "/me/calendars/" + url.PathEscape(calendarID) + "/calendarView/delta"
	err := a.client.Do(ctx, provider.Request{Method: http.MethodGet, Path: path, Query: q, Header: header, Token: accessToken}, &resp)
	if err != nil {
		if isSyncStateLost(err) {
			return nil, fmt.Errorf("%w: %v", provider.ErrSyncTokenInvalidated, err)
		}
		return nil, fmt.Errorf("list microsoft events: %w", err)
	}

	page := &provider.EventPage{
		Events:        make([]provider.Event, 0, len(resp.Value)),
		NextPageToken: linkToken(resp.NextLink, "$skiptoken"),
		NextSyncToken: linkToken(resp.DeltaLink, "$deltatoken"),
	}
	for _, item := range resp.Value {
		ev, err := item.canonical(calendarID, a.freeAsConfirmed)
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
	header := http.Header{"Prefer": []string{`outlook.timezone="UTC"`}}
	if err := a.client.Do(ctx, provider.Request{Method: http.MethodGet, Path: "/me/events/" + url.PathEscape(eventID), Header: header, Token: accessToken}, &item); err != nil {
		return nil, fmt.Errorf("get microsoft event: %w", err)
	}
	return item.canonicalPtr(calendarID, a.freeAsConfirmed)
}

func (a *Adapter) CreateEvent(ctx context.Context, accessToken, calendarID string, ev provider.Event) (*provider.Event, error) {
	var item event
	header := http.Header{"Prefer": []string{`outlook.timezone="UTC"`}}
	path := "/me/calendars/" + url.PathEscape(calendarID) + "/events"
	if err := a.client.Do(ctx, provider.Request{Method: http.MethodPost, Path: path, Header: header, Token: accessToken, Body: fromCanonical(ev)}, &item); err != nil {
		return nil, fmt.Errorf("create microsoft event: %w", err)
	}
	return item.canonicalPtr(calendarID, a.freeAsConfirmed)
}

func (a *Adapter) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev provider.Event) (*provider.Event, error) {
	var item event
	header := http.Header{"Prefer": []string{`outlook.timezone="UTC"`}}
	if err := a.client.Do(ctx, provider.Request{Method: http.MethodPatch, Path: "/me/events/" + url.PathEscape(eventID), Header: header, Token: accessToken, Body: fromCanonical(ev)}, &item); err != nil {
		return nil, fmt.Errorf("update microsoft event: %w", err)
	}
	return item.canonicalPtr(calendarID, a.freeAsConfirmed)
}

func (a *Adapter) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	if err := a.client.Do(ctx, provider.Request{Method: http.MethodDelete, Path: "/me/events/" + url.PathEscape(eventID), Token: accessToken}, nil); err != nil {
		return fmt.Errorf("delete microsoft event: %w", err)
	}
	return nil
}

type subscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

func (a *Adapter) CreateWebhookSubscription(ctx context.Context, accessToken, calendarID string, req provider.SubscriptionRequest) (*provider.Subscription, error) {
	ttl := req.TTL
	if ttl <= 0 || ttl > defaultSubscriptionTTL {
		ttl = defaultSubscriptionTTL
	}
	body := subscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    req.CallbackURL,
		Resource:           "me/calendars/" + calendarID + "/events",
		ExpirationDateTime: time.Now().Add(ttl).UTC().Format(time.RFC3339),
		ClientState:        req.ClientState,
	}
	var resp subscription
	if err := a.client.Do(ctx, provider.Request{Method: http.MethodPost, Path: "/subscriptions", Token: accessToken, Body: body}, &resp); err != nil {
		return nil, fmt.Errorf("create microsoft subscription: %w", err)
	}
	sub := &provider.Subscription{ID: resp.ID, ResourceURI: resp.Resource}
	if sub.ResourceURI == "" {
		sub.ResourceURI = body.Resource
	}
	if exp, err := time.Parse(time.RFC3339, resp.ExpirationDateTime); err == nil {
		sub.Expiration = exp.UTC()
	} else {
		sub.Expiration, _ = time.Parse(time.RFC3339, body.ExpirationDateTime)
	}
	return sub, nil
}

func (a *Adapter) DeleteWebhookSubscription(ctx context.Context, accessToken string, sub provider.Subscription) error {
	if err := a.client.Do(ctx, provider.Request{Method: http.MethodDelete, Path: "/subscriptions/" + url.PathEscape(sub.ID), Token: accessToken}, nil); err != nil {
		return fmt.Errorf("delete microsoft subscription: %w", err)
	}
	return nil
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(body []byte) (string, string) {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil {
		return "", ""
	}
	return e.Error.Code, e.Error.Message
}

func isSyncStateLost(err error) bool {
	if provider.StatusCodeOf(err) == http.StatusGone {
		return true
	}
	var ese *provider.ExternalServiceError
	if !errors.As(err, &ese) {
		return false
	}
	switch ese.Code {
	case "SyncStateNotFound", "SyncStateInvalid", "resyncRequired":
		return true
	}
	return false
}

func linkToken(link, param string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get(param)
}
