package shared

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FlashMessage represents a one-time notification stored in session.
type FlashMessage struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AuthzPayload is the per-session authorization snapshot: the remembered
// upstream API cookie, the cached identity, and the resolved permission set.
// Version increases monotonically on every permission-set replacement so an
// asynchronous refresh can detect that it lost the race and discard its
// result.
type AuthzPayload struct {
	State       string          `json:"state,omitempty"`
	Upstream    string          `json:"upstream,omitempty"`
	Identity    json.RawMessage `json:"identity,omitempty"`
	Permissions []string        `json:"permissions,omitempty"`
	Version     uint64          `json:"version,omitempty"`
}

// SessionManager orchestrates cookie based console sessions backed by Redis.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
	secure     bool
	secret     []byte
}

// Session holds per-request session data.
type Session struct {
	ID        string
	values    map[string]string
	userID    string
	flashes   []FlashMessage
	authz     AuthzPayload
	manager   *SessionManager
	isNew     bool
	dirty     bool
	destroyed bool
}

type sessionPayload struct {
	Values  map[string]string `json:"values"`
	UserID  string            `json:"user_id"`
	Flashes []FlashMessage    `json:"flashes"`
	Authz   AuthzPayload      `json:"authz"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, secret string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		client:     client,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
		secret:     []byte(secret),
	}
}

// Load loads or creates a new session for request.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return sm.newSession(), nil
		}
		return nil, err
	}

	sess, err := sm.Get(ctx, cookie.Value)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Never adopt a cookie value Redis does not know; a fresh ID
			// keeps the client from fixating its own session identifier.
			return sm.newSession(), nil
		}
		return nil, err
	}
	return sess, nil
}

// Get fetches a stored session by ID. Returns redis.Nil when absent.
func (sm *SessionManager) Get(ctx context.Context, id string) (*Session, error) {
	payload, err := sm.client.Get(ctx, sm.redisKey(id)).Bytes()
	if err != nil {
		return nil, err
	}

	var stored sessionPayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, err
	}

	sess := sm.newSession()
	sess.ID = id
	sess.values = stored.Values
	sess.userID = stored.UserID
	sess.flashes = stored.Flashes
	sess.authz = stored.Authz
	sess.isNew = false
	sess.dirty = false
	return sess, nil
}

// Save persists the session payload without touching cookie headers. Used by
// background refreshes that operate outside a request cycle.
func (sm *SessionManager) Save(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session missing id")
	}
	data, err := json.Marshal(sm.payload(sess))
	if err != nil {
		return err
	}
	if err := sm.client.Set(ctx, sm.redisKey(sess.ID), data, sm.ttl).Err(); err != nil {
		return err
	}
	sess.dirty = false
	return nil
}

// Commit persists the session and writes cookie headers as needed.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *Session) error {
	if sess == nil {
		return nil
	}

	if sess.destroyed {
		if err := sm.client.Del(ctx, sm.redisKey(sess.ID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sm.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteStrictMode,
		})
		return nil
	}

	if sess.dirty || sess.isNew {
		if err := sm.Save(ctx, sess); err != nil {
			return err
		}
	}

	if sess.ID != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     sm.cookieName,
			Value:    sess.ID,
			Path:     "/",
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteStrictMode,
			Expires:  time.Now().Add(sm.ttl),
		})
	}

	// Clear flashes after they have been persisted once.
	if len(sess.flashes) > 0 {
		sess.flashes = nil
		sess.dirty = true
		_ = sm.Save(ctx, sess)
	}

	return nil
}

// ForEach walks every stored session. Errors from fn abort the walk.
func (sm *SessionManager) ForEach(ctx context.Context, fn func(*Session) error) error {
	iter := sm.client.Scan(ctx, 0, "session:*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), "session:")
		sess, err := sm.Get(ctx, id)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Destroy marks the session for deletion.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess == nil {
		return
	}
	sess.destroyed = true
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

// Session helpers

// Set stores a key-value pair.
func (s *Session) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.dirty = true
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	if s.values == nil {
		return ""
	}
	return s.values[key]
}

// Delete removes a value.
func (s *Session) Delete(key string) {
	if s.values == nil {
		return
	}
	delete(s.values, key)
	s.dirty = true
}

// SetUser associates the session with an operator ID.
func (s *Session) SetUser(id string) {
	s.userID = id
	s.dirty = true
}

// User returns the current operator ID.
func (s *Session) User() string {
	return s.userID
}

// Authz returns a copy of the stored authorization snapshot.
func (s *Session) Authz() AuthzPayload {
	return s.authz
}

// SetAuthzState records the authorization state machine position.
func (s *Session) SetAuthzState(state string) {
	s.authz.State = state
	s.dirty = true
}

// SetUpstream remembers the Cookie header used against the upstream API.
func (s *Session) SetUpstream(cookie string) {
	s.authz.Upstream = cookie
	s.dirty = true
}

// Upstream returns the remembered upstream Cookie header.
func (s *Session) Upstream() string {
	return s.authz.Upstream
}

// SetIdentity caches the serialized identity returned by the upstream API.
func (s *Session) SetIdentity(raw json.RawMessage) {
	s.authz.Identity = raw
	s.dirty = true
}

// ReplacePermissions swaps the resolved permission set wholesale and records
// the version the replacement is based on, plus one.
func (s *Session) ReplacePermissions(perms []string, basedOn uint64) {
	s.authz.Permissions = perms
	s.authz.Version = basedOn + 1
	s.dirty = true
}

// ClearAuthz drops identity, upstream cookie and permissions.
func (s *Session) ClearAuthz(state string) {
	s.authz = AuthzPayload{State: state, Version: s.authz.Version + 1}
	s.userID = ""
	s.dirty = true
}

// AddFlash queues a flash message.
func (s *Session) AddFlash(msg FlashMessage) {
	s.flashes = append(s.flashes, msg)
	s.dirty = true
}

// PopFlash retrieves and clears the oldest flash message.
func (s *Session) PopFlash() *FlashMessage {
	if len(s.flashes) == 0 {
		return nil
	}
	msg := s.flashes[0]
	s.flashes = s.flashes[1:]
	s.dirty = true
	return &msg
}

func (sm *SessionManager) payload(sess *Session) sessionPayload {
	return sessionPayload{
		Values:  sess.values,
		UserID:  sess.userID,
		Flashes: sess.flashes,
		Authz:   sess.authz,
	}
}

func (sm *SessionManager) newSession() *Session {
	return &Session{
		ID:      sm.generateSessionID(),
		values:  make(map[string]string),
		manager: sm,
		isNew:   true,
		dirty:   true,
	}
}

func (sm *SessionManager) redisKey(id string) string {
	return "session:" + id
}

func (sm *SessionManager) generateSessionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	if len(sm.secret) > 0 {
		for i := range b {
			b[i] ^= sm.secret[i%len(sm.secret)]
		}
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
