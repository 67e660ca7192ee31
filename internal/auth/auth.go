// Package auth implements session issuance and validation for CopyPasta:
// username/password registration and login against the Store, and an
// opaque session cookie that the long-polling channel and every other
// authenticated endpoint ride on.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"

	"github.com/benstaniford/copypasta/internal/storage"
)

// ErrNoSession is returned by ValidateSession when the token is missing,
// unknown, or has been logged out.
var ErrNoSession = errors.New("no session")

const (
	cookieName = "copypasta_session"
	sessionKey = "token"
	// sessionMaxAge is a deployment maximum well above the "effectively
	// non-expiring until logout" requirement; sessions are only actually
	// removed by Logout.
	sessionMaxAge = 365 * 24 * time.Hour
)

type session struct {
	id     string
	userID int64
}

// Config configures a Manager.
type Config struct {
	// SecretKey seals the session cookie (HMAC+AES via gorilla/securecookie).
	// Required in production; a random key is generated if empty. The
	// session table itself lives in memory, so no session survives a
	// restart whether or not a key is set.
	SecretKey string
	// CookieSecure should be true when serving over TLS.
	CookieSecure bool
}

// Manager is the AuthGate: it defers credential checks to a storage.Store
// and owns an in-memory session table plus the cookie codec that seals a
// session's opaque token into the browser/client cookie.
type Manager struct {
	store        storage.Store
	cookieStore  *sessions.CookieStore
	cookieOption *sessions.Options

	mu       sync.RWMutex
	sessions map[string]session // token -> session
}

// NewManager builds an AuthGate backed by store.
func NewManager(store storage.Store, cfg Config) (*Manager, error) {
	masterKey, err := sessionSecret(cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	hashKey, blockKey := deriveCookieKeys(masterKey)
	cookieStore := sessions.NewCookieStore(hashKey, blockKey)
	options := &sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	cookieStore.Options = options
	cookieStore.MaxAge(options.MaxAge)

	return &Manager{
		store:        store,
		cookieStore:  cookieStore,
		cookieOption: options,
		sessions:     make(map[string]session),
	}, nil
}

// Register creates a new account and issues a session for it, the same way
// Login would for an existing one.
func (m *Manager) Register(ctx context.Context, w http.ResponseWriter, r *http.Request, username, password string) error {
	userID, err := m.store.CreateUser(ctx, username, password)
	if err != nil {
		return err
	}
	return m.issueSession(w, r, userID)
}

// Login verifies credentials and issues a session cookie on success.
func (m *Manager) Login(ctx context.Context, w http.ResponseWriter, r *http.Request, username, password string) error {
	userID, err := m.store.VerifyCredentials(ctx, username, password)
	if err != nil {
		return err
	}
	return m.issueSession(w, r, userID)
}

// Identity is what ValidateSession resolves a session cookie to: the user id
// it belongs to, and the session's own bookkeeping id (for correlating log
// lines across requests without leaking the session token itself).
type Identity struct {
	UserID    int64
	SessionID string
}

// ValidateSession resolves the session cookie on r to an Identity.
func (m *Manager) ValidateSession(r *http.Request) (Identity, error) {
	token, ok := m.tokenFromCookie(r)
	if !ok {
		return Identity{}, ErrNoSession
	}
	m.mu.RLock()
	sess, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return Identity{}, ErrNoSession
	}
	return Identity{UserID: sess.userID, SessionID: sess.id}, nil
}

// Logout invalidates the session carried by r and clears the cookie.
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) {
	if token, ok := m.tokenFromCookie(r); ok {
		m.mu.Lock()
		delete(m.sessions, token)
		m.mu.Unlock()
	}
	cookieSession, err := m.cookieStore.Get(r, cookieName)
	if err == nil {
		cookieSession.Options = cloneOptions(m.cookieOption)
		cookieSession.Options.MaxAge = -1
		_ = cookieSession.Save(r, w)
	}
}

func (m *Manager) issueSession(w http.ResponseWriter, r *http.Request, userID int64) error {
	token, err := newToken()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[token] = session{id: uuid.NewString(), userID: userID}
	m.mu.Unlock()

	cookieSession, err := m.cookieStore.New(r, cookieName)
	if err != nil {
		return err
	}
	cookieSession.Options = cloneOptions(m.cookieOption)
	cookieSession.Values[sessionKey] = token
	return cookieSession.Save(r, w)
}

func (m *Manager) tokenFromCookie(r *http.Request) (string, bool) {
	cookieSession, err := m.cookieStore.Get(r, cookieName)
	if err != nil {
		return "", false
	}
	value, ok := cookieSession.Values[sessionKey]
	if !ok {
		return "", false
	}
	token, ok := value.(string)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// newToken mints an opaque, base64-ish-encoded random token carrying at
// least 128 bits of entropy.
func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func sessionSecret(raw string) ([]byte, error) {
	if raw == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	if len(raw) < 32 {
		// pad deterministically rather than reject: gorilla/securecookie
		// only requires a 32- or 64-byte hash key, and deployments commonly
		// pass a shorter human-chosen secret.
		padded := make([]byte, 32)
		copy(padded, raw)
		return padded, nil
	}
	return []byte(raw)[:32], nil
}

func deriveCookieKeys(masterKey []byte) ([]byte, []byte) {
	hashKey := hmacSHA256(masterKey, []byte("auth"))
	blockKey := hmacSHA256(masterKey, []byte("enc"))
	return hashKey, blockKey
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func cloneOptions(opts *sessions.Options) *sessions.Options {
	if opts == nil {
		return &sessions.Options{}
	}
	clone := *opts
	return &clone
}
