package oauthflow

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

type stubAdapter struct {
	provider.Adapter
	name      provider.Name
	exchanges int32
}

func (s *stubAdapter) Name() provider.Name { return s.name }

func (s *stubAdapter) AuthorizationURL(state string) string {
	return "https://consent.example/" + string(s.name) + "?state=" + state
}

func (s *stubAdapter) ExchangeCode(ctx context.Context, code string) (*provider.TokenResponse, error) {
	atomic.AddInt32(&s.exchanges, 1)
	return &provider.TokenResponse{AccessToken: "at-" + code, ProviderAccountID: "sub-1"}, nil
}

type memStates struct {
	mu      sync.Mutex
	records map[string]store.OAuthState
}

func newMemStates() *memStates { return &memStates{records: map[string]store.OAuthState{}} }

func (m *memStates) Create(ctx context.Context, s store.OAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[s.State] = s
	return nil
}

func (m *memStates) Get(ctx context.Context, state string) (*store.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[state]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (m *memStates) Delete(ctx context.Context, state string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[state]
	delete(m.records, state)
	return ok, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newCoordinator(t *testing.T, states StateStore) (*Coordinator, *stubAdapter, *clock) {
	t.Helper()
	google := &stubAdapter{name: provider.Google}
	reg, err := provider.NewRegistry(google, &stubAdapter{name: provider.Microsoft})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewCoordinator(reg, states, Options{Now: clk.now}), google, clk
}

func TestGenerateAuthorizationURLEmbedsState(t *testing.T) {
	states := newMemStates()
	c, _, clk := newCoordinator(t, states)

	req, err := c.GenerateAuthorizationURL(context.Background(), "user-1", provider.Google)
	if err != nil {
		t.Fatalf("GenerateAuthorizationURL() error: %v", err)
	}
	if !strings.HasSuffix(req.URL, "?state="+req.State) {
		t.Fatalf("URL %q does not carry state", req.URL)
	}
	raw, err := base64.RawURLEncoding.DecodeString(req.State)
	if err != nil {
		t.Fatalf("state is not base64url: %v", err)
	}
	var p statePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if p.UserID != "user-1" || p.Timestamp != clk.t.UnixMilli() || p.Random == "" {
		t.Fatalf("unexpected payload %+v", p)
	}
	rec := states.records[req.State]
	if rec.UserID != "user-1" || rec.Provider != "google" || !rec.ExpiresAt.Equal(clk.t.Add(10*time.Minute)) {
		t.Fatalf("unexpected stored record %+v", rec)
	}
}

func TestGenerateAuthorizationURLUnknownProvider(t *testing.T) {
	c, _, _ := newCoordinator(t, newMemStates())
	_, err := c.GenerateAuthorizationURL(context.Background(), "user-1", provider.Name("yahoo"))
	if !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestStatesAreUnique(t *testing.T) {
	c, _, _ := newCoordinator(t, newMemStates())
	a, _ := c.GenerateAuthorizationURL(context.Background(), "user-1", provider.Google)
	b, _ := c.GenerateAuthorizationURL(context.Background(), "user-1", provider.Google)
	if a.State == b.State {
		t.Fatal("two requests produced the same state")
	}
}

func TestValidateState(t *testing.T) {
	forge := func(userID string) string {
		raw, _ := json.Marshal(statePayload{UserID: userID, Timestamp: 1, Random: "r"})
		return base64.RawURLEncoding.EncodeToString(raw)
	}

	tests := []struct {
		name    string
		prepare func(c *Coordinator, states *memStates, clk *clock) (string, provider.Name)
		valid   bool
	}{
		{
			name: "valid",
			prepare: func(c *Coordinator, _ *memStates, _ *clock) (string, provider.Name) {
				req, _ := c.GenerateAuthorizationURL(context.Background(), "user-1", provider.Google)
				return req.State, provider.Google
			},
			valid: true,
		},
		{
			name: "unknown",
			prepare: func(*Coordinator, *memStates, *clock) (string, provider.Name) {
				return forge("user-1"), provider.Google
			},
		},
		{
			name: "garbage",
			prepare: func(*Coordinator, *memStates, *clock) (string, provider.Name) {
				return "not base64!", provider.Google
			},
		},
		{
			name: "expired",
			prepare: func(c *Coordinator, _ *memStates, clk *clock) (string, provider.Name) {
				req, _ := c.GenerateAuthorizationURL(context.Background(), "user-1", provider.Google)
				clk.t = clk.t.Add(10*time.Minute + time.Second)
				return req.State, provider.Google
			},
		},
		{
			name: "provider mismatch",
			prepare: func(c *Coordinator, _ *memStates, _ *clock) (string, provider.Name) {
				req, _ := c.GenerateAuthorizationURL(context.Background(), "user-1", provider.Google)
				return req.State, provider.Microsoft
			},
		},
		{
			name: "user mismatch",
			prepare: func(_ *Coordinator, states *memStates, clk *clock) (string, provider.Name) {
				s := forge("attacker")
				_ = states.Create(context.Background(), store.OAuthState{State: s, UserID: "victim", Provider: "google", ExpiresAt: clk.t.Add(time.Minute)})
				return s, provider.Google
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := newMemStates()
			c, _, clk := newCoordinator(t, states)
			state, name := tt.prepare(c, states, clk)
			rec, err := c.ValidateState(context.Background(), state, name)
			if err != nil {
				t.Fatalf("ValidateState() error: %v", err)
			}
			if (rec != nil) != tt.valid {
				t.Fatalf("ValidateState() = %+v, want valid=%v", rec, tt.valid)
			}
		})
	}
}

func TestValidateStateIsSingleUse(t *testing.T) {
	states := newMemStates()
	c, _, _ := newCoordinator(t, states)
	req, _ := c.GenerateAuthorizationURL(context.Background(), "user-1", provider.Google)

	first, err := c.ValidateState(context.Background(), req.State, provider.Google)
	if err != nil || first == nil {
		t.Fatalf("first ValidateState() = %v, %v", first, err)
	}
	second, err := c.ValidateState(context.Background(), req.State, provider.Google)
	if err != nil || second != nil {
		t.Fatalf("second ValidateState() = %v, %v; expected nil", second, err)
	}
	if len(states.records) != 0 {
		t.Fatal("record should be deleted after use")
	}
}

func TestExchangeCode(t *testing.T) {
	c, google, _ := newCoordinator(t, newMemStates())
	req, _ := c.GenerateAuthorizationURL(context.Background(), "user-1", provider.Google)

	res, err := c.ExchangeCode(context.Background(), provider.Google, "code-1", req.State)
	if err != nil {
		t.Fatalf("ExchangeCode() error: %v", err)
	}
	if res.UserID != "user-1" || res.Token.AccessToken != "at-code-1" {
		t.Fatalf("unexpected result %+v", res)
	}

	_, err = c.ExchangeCode(context.Background(), provider.Google, "code-1", req.State)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("replayed state: expected ErrAuth, got %v", err)
	}
	if google.exchanges != 1 {
		t.Fatalf("adapter must not be called for a rejected state, got %d calls", google.exchanges)
	}
}

func TestExchangeCodeMissingCode(t *testing.T) {
	c, _, _ := newCoordinator(t, newMemStates())
	req, _ := c.GenerateAuthorizationURL(context.Background(), "user-1", provider.Google)
	if _, err := c.ExchangeCode(context.Background(), provider.Google, "", req.State); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestConcurrentReplayHasOneWinner(t *testing.T) {
	c, _, _ := newCoordinator(t, newMemStates())
	req, _ := c.GenerateAuthorizationURL(context.Background(), "user-1", provider.Google)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rec, _ := c.ValidateState(context.Background(), req.State, provider.Google); rec != nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful validation, got %d", wins)
	}
}

func TestGenerateAuthorizationURLRandomFailure(t *testing.T) {
	reg, _ := provider.NewRegistry(&stubAdapter{name: provider.Google})
	c := NewCoordinator(reg, newMemStates(), Options{Random: bytes.NewReader(nil)})
	if _, err := c.GenerateAuthorizationURL(context.Background(), "user-1", provider.Google); err == nil {
		t.Fatal("expected error when randomness is unavailable")
	}
}

// fakeRedis emulates SET/GET/DEL over a map.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisStateStore(t *testing.T) {
	rdb := &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
	s := NewRedisStateStore(rdb, "test")
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	err := s.Create(context.Background(), store.OAuthState{State: "abc", UserID: "u1", Provider: "google", ExpiresAt: now.Add(10 * time.Minute)})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if rdb.ttls["test:oauth_state:abc"] != 10*time.Minute {
		t.Fatalf("expected key TTL to match expiry, got %v", rdb.ttls["test:oauth_state:abc"])
	}

	rec, err := s.Get(context.Background(), "abc")
	if err != nil || rec.UserID != "u1" || rec.Provider != "google" {
		t.Fatalf("Get() = %+v, %v", rec, err)
	}
	if ok, _ := s.Delete(context.Background(), "abc"); !ok {
		t.Fatal("first Delete() should win")
	}
	if ok, _ := s.Delete(context.Background(), "abc"); ok {
		t.Fatal("second Delete() should report nothing removed")
	}
	if _, err := s.Get(context.Background(), "abc"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRedisStateStoreRejectsExpired(t *testing.T) {
	s := NewRedisStateStore(&fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}, "")
	if err := s.Create(context.Background(), store.OAuthState{State: "x", ExpiresAt: time.Now().Add(-time.Second)}); err == nil {
		t.Fatal("expected error for an already expired state")
	}
}

func TestCoordinatorWithRedisStore(t *testing.T) {
	rdb := &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
	c, _, clk := newCoordinator(t, nil)
	rs := NewRedisStateStore(rdb, "calsync")
	rs.now = clk.now
	c.states = rs

	req, err := c.GenerateAuthorizationURL(context.Background(), "user-9", provider.Microsoft)
	if err != nil {
		t.Fatalf("GenerateAuthorizationURL() error: %v", err)
	}
	res, err := c.ExchangeCode(context.Background(), provider.Microsoft, "c", req.State)
	if err != nil || res.UserID != "user-9" {
		t.Fatalf("ExchangeCode() = %+v, %v", res, err)
	}
}
