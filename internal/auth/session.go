package auth

import (
	"crypto/sha256"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/jw6ventures/calsync/internal/config"
)

const sessionTTL = 7 * 24 * time.Hour

// SessionManager reads and writes the signed, encrypted cookie that carries
// the caller's user id. The host application issues it with the shared
// session secret; calsync only needs to trust it.
type SessionManager struct {
	cookieName string
	codec      *securecookie.SecureCookie
	secure     bool
	now        func() time.Time
}

type sessionValue struct {
	UserID    string `json:"user_id"`
	ExpiresAt int64  `json:"exp"`
}

func NewSessionManager(cfg *config.Config) *SessionManager {
	hash := sha256.Sum256([]byte(cfg.Session.Secret))
	hashKey := hash[:]

	// Derive an AES-256 sized block key to avoid invalid key length errors.
	blockKey := hash[:]
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	sc.SetSerializer(securecookie.JSONEncoder{})

	secure := true
	if base, err := url.Parse(cfg.BaseURL); err == nil && base.Scheme != "https" {
		secure = false
	}

	name := cfg.Session.CookieName
	if name == "" {
		name = "calsync_session"
	}
	return &SessionManager{
		cookieName: name,
		codec:      sc,
		secure:     secure,
		now:        time.Now,
	}
}

// Issue sets a session cookie for userID.
func (m *SessionManager) Issue(w http.ResponseWriter, userID string) error {
	expires := m.now().Add(sessionTTL)
	encoded, err := m.codec.Encode(m.cookieName, sessionValue{UserID: userID, ExpiresAt: expires.Unix()})
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    encoded,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear removes the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:    m.cookieName,
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
		Secure:  m.secure,
	})
}

// CurrentUserID extracts the user id from the request session if present.
func (m *SessionManager) CurrentUserID(r *http.Request) (string, bool) {
	c, err := r.Cookie(m.cookieName)
	if err != nil {
		return "", false
	}

	var value sessionValue
	if err := m.codec.Decode(m.cookieName, c.Value, &value); err != nil {
		return "", false
	}
	if value.UserID == "" || !time.Unix(value.ExpiresAt, 0).After(m.now()) {
		return "", false
	}
	return value.UserID, true
}

// RequireSession rejects requests without a valid session and puts the user
// id on the request context.
func (m *SessionManager) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := m.CurrentUserID(r)
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}
