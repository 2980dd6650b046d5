// Package oauthflow issues and validates OAuth state values and drives the
// authorization-code exchange against a provider adapter.
package oauthflow

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

// ErrAuth is returned when an authorization callback carries an unknown,
// expired, replayed or mismatched state.
var ErrAuth = errors.New("oauthflow: invalid authorization state")

// DefaultStateTTL bounds how long a user has to complete consent.
const DefaultStateTTL = 10 * time.Minute

// StateStore persists pending authorization requests. Get returns
// store.ErrNotFound for unknown values; Delete reports whether this call
// removed the record.
type StateStore interface {
	Create(ctx context.Context, state store.OAuthState) error
	Get(ctx context.Context, state string) (*store.OAuthState, error)
	Delete(ctx context.Context, state string) (bool, error)
}

// Providers resolves adapters by name.
type Providers interface {
	Get(name provider.Name) (provider.Adapter, error)
}

// AuthorizationRequest is what the connect handler redirects to.
type AuthorizationRequest struct {
	URL   string
	State string
}

// ExchangeResult carries the raw provider tokens and the user who started the
// flow.
type ExchangeResult struct {
	Token  *provider.TokenResponse
	UserID string
}

type Options struct {
	TTL    time.Duration
	Now    func() time.Time
	Random io.Reader
}

// Coordinator runs the authorization-code flow.
type Coordinator struct {
	providers Providers
	states    StateStore
	ttl       time.Duration
	now       func() time.Time
	random    io.Reader
}

func NewCoordinator(providers Providers, states StateStore, opts Options) *Coordinator {
	c := &Coordinator{
		providers: providers,
		states:    states,
		ttl:       opts.TTL,
		now:       opts.Now,
		random:    opts.Random,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultStateTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.random == nil {
		c.random = rand.Reader
	}
	return c
}

// statePayload is the JSON embedded in the opaque state value.
type statePayload struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
	Random    string `json:"random"`
}

// GenerateAuthorizationURL creates a state bound to userID and returns the
// provider consent URL carrying it.
func (c *Coordinator) GenerateAuthorizationURL(ctx context.Context, userID string, name provider.Name) (*AuthorizationRequest, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: missing user", ErrAuth)
	}
	adapter, err := c.providers.Get(name)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, 16)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return nil, fmt.Errorf("generate state nonce: %w", err)
	}
	now := c.now()
	raw, err := json.Marshal(statePayload{
		UserID:    userID,
		Timestamp: now.UnixMilli(),
		Random:    base64.RawURLEncoding.EncodeToString(nonce),
	})
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(raw)

	if err := c.states.Create(ctx, store.OAuthState{
		State:     state,
		UserID:    userID,
		Provider:  string(name),
		ExpiresAt: now.Add(c.ttl),
	}); err != nil {
		return nil, fmt.Errorf("store oauth state: %w", err)
	}
	return &AuthorizationRequest{URL: adapter.AuthorizationURL(state), State: state}, nil
}

// ValidateState consumes state. It returns nil with no error when the state is
// unknown, expired, issued for another provider, carries a different user than
// the stored record, or was already consumed. Errors are storage failures.
func (c *Coordinator) ValidateState(ctx context.Context, state string, name provider.Name) (*store.OAuthState, error) {
	payload, ok := decodeState(state)
	if !ok {
		return nil, nil
	}
	rec, err := c.states.Get(ctx, state)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load oauth state: %w", err)
	}
	if !c.now().Before(rec.ExpiresAt) {
		if _, err := c.states.Delete(ctx, state); err != nil {
			log.Printf("[WARN] failed to remove expired oauth state: %v", err)
		}
		return nil, nil
	}
	if rec.Provider != string(name) {
		return nil, nil
	}
	if subtle.ConstantTimeCompare([]byte(payload.UserID), []byte(rec.UserID)) != 1 {
		return nil, nil
	}
	deleted, err := c.states.Delete(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	if !deleted {
		// A concurrent callback consumed it first.
		return nil, nil
	}
	return rec, nil
}

// ExchangeCode validates state and redeems code with the provider.
func (c *Coordinator) ExchangeCode(ctx context.Context, name provider.Name, code, state string) (*ExchangeResult, error) {
	adapter, err := c.providers.Get(name)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" || strings.TrimSpace(state) == "" {
		return nil, fmt.Errorf("%w: missing code or state", ErrAuth)
	}
	rec, err := c.ValidateState(ctx, state, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrAuth
	}
	tok, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code with %s: %w", name, err)
	}
	return &ExchangeResult{Token: tok, UserID: rec.UserID}, nil
}

func decodeState(state string) (statePayload, bool) {
	var p statePayload
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return p, false
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, false
	}
	return p, p.UserID != "" && p.Random != ""
}
