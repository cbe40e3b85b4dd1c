package shared_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-rbac/aegis-console/internal/shared"
	_ "github.com/aegis-rbac/aegis-console/testing"
)

func newManager(t *testing.T) *shared.SessionManager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)
}

func loadSession(t *testing.T, sm *shared.SessionManager) *shared.Session {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return sess
}

func TestSessionRoundTrip(t *testing.T) {
	sm := newManager(t)
	sess := loadSession(t, sm)

	sess.Set("theme", "dark")
	sess.SetUser("7")
	sess.SetUpstream("sid=token")
	sess.SetAuthzState("authenticated")
	sess.ReplacePermissions([]string{"user.read"}, 0)

	if err := sm.Save(context.Background(), sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := sm.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Get("theme") != "dark" {
		t.Fatalf("value lost on round trip")
	}
	if loaded.User() != "7" {
		t.Fatalf("user lost on round trip")
	}
	payload := loaded.Authz()
	if payload.State != "authenticated" || payload.Upstream != "sid=token" {
		t.Fatalf("authz payload lost: %+v", payload)
	}
	if len(payload.Permissions) != 1 || payload.Permissions[0] != "user.read" {
		t.Fatalf("permissions lost: %v", payload.Permissions)
	}
	if payload.Version != 1 {
		t.Fatalf("expected version 1, got %d", payload.Version)
	}
}

func TestReplacePermissionsAdvancesVersion(t *testing.T) {
	sm := newManager(t)
	sess := loadSession(t, sm)

	sess.ReplacePermissions([]string{"a"}, 0)
	sess.ReplacePermissions([]string{"b"}, sess.Authz().Version)

	if got := sess.Authz().Version; got != 2 {
		t.Fatalf("expected version 2, got %d", got)
	}
}

func TestClearAuthzDropsEverythingButKeepsVersionMoving(t *testing.T) {
	sm := newManager(t)
	sess := loadSession(t, sm)

	sess.SetUpstream("sid=token")
	sess.SetUser("7")
	sess.ReplacePermissions([]string{"user.read"}, 0)
	before := sess.Authz().Version

	sess.ClearAuthz("anonymous")

	payload := sess.Authz()
	if payload.Upstream != "" || len(payload.Permissions) != 0 || payload.Identity != nil {
		t.Fatalf("authz not cleared: %+v", payload)
	}
	if payload.State != "anonymous" {
		t.Fatalf("unexpected state %q", payload.State)
	}
	if sess.User() != "" {
		t.Fatalf("user id survived clear")
	}
	if payload.Version <= before {
		t.Fatalf("version must keep increasing across clears")
	}
}

func TestFlashIsOneShot(t *testing.T) {
	sm := newManager(t)
	sess := loadSession(t, sm)

	sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "done"})

	first := sess.PopFlash()
	if first == nil || first.Message != "done" {
		t.Fatalf("unexpected flash %+v", first)
	}
	if second := sess.PopFlash(); second != nil {
		t.Fatalf("flash replayed: %+v", second)
	}
}

func TestLoadUnknownCookieRegeneratesID(t *testing.T) {
	sm := newManager(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "test_session", Value: "attacker-chosen-id"})

	sess, err := sm.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sess.ID == "attacker-chosen-id" {
		t.Fatalf("client-supplied id adopted for an unknown session")
	}
	if sess.ID == "" {
		t.Fatalf("fresh session has no id")
	}
}

func TestForEachWalksStoredSessions(t *testing.T) {
	sm := newManager(t)
	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		sess := loadSession(t, sm)
		ids[sess.ID] = false
		if err := sm.Save(context.Background(), sess); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	err := sm.ForEach(context.Background(), func(sess *shared.Session) error {
		ids[sess.ID] = true
		return nil
	})
	if err != nil {
		t.Fatalf("foreach: %v", err)
	}
	for id, seen := range ids {
		if !seen {
			t.Fatalf("session %s not visited", id)
		}
	}
}

func TestCSRFTokenStableAndVerified(t *testing.T) {
	sm := newManager(t)
	sess := loadSession(t, sm)
	csrf := shared.NewCSRFManager("csrfsecret")

	token, err := csrf.EnsureToken(context.Background(), sess)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	again, err := csrf.EnsureToken(context.Background(), sess)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if token != again {
		t.Fatalf("token changed between calls")
	}
	if err := csrf.VerifyToken(context.Background(), sess, token); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := csrf.VerifyToken(context.Background(), sess, "forged"); err == nil {
		t.Fatalf("forged token accepted")
	}
}
