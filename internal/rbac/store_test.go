package rbac_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-rbac/aegis-console/internal/platform/apiclient"
	"github.com/aegis-rbac/aegis-console/internal/rbac"
	"github.com/aegis-rbac/aegis-console/internal/shared"
	_ "github.com/aegis-rbac/aegis-console/testing"
)

const upstreamCookie = "sid=token"

// fakeDirectory emulates the upstream directory API with one account.
type fakeDirectory struct {
	roleName      string
	permissions   []string
	failUserdata  atomic.Bool
	failPerms     atomic.Bool
	failLogout    atomic.Bool
	upstreamCalls atomic.Int64
}

func (f *fakeDirectory) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		f.upstreamCalls.Add(1)
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["email"] != "admin@test.local" || creds["password"] != "correct-horse" {
			writeEnvelope(w, map[string]any{"success": false, "route": "login", "message": "Incorrect password"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "token"})
		writeEnvelope(w, map[string]any{"success": true, "route": "login", "message": "Welcome back"})
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		f.upstreamCalls.Add(1)
		if f.failLogout.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeEnvelope(w, map[string]any{"success": true, "route": "logout", "message": "Goodbye"})
	})
	mux.HandleFunc("/userdata", func(w http.ResponseWriter, r *http.Request) {
		f.upstreamCalls.Add(1)
		if f.failUserdata.Load() || r.Header.Get("Cookie") != upstreamCookie {
			writeEnvelope(w, map[string]any{"success": false, "route": "userdata", "message": "Not signed in"})
			return
		}
		writeEnvelope(w, map[string]any{"success": true, "route": "userdata", "data": map[string]any{
			"id": 7, "name": "Ada", "email": "admin@test.local", "role_id": 3,
			"role": map[string]any{"id": 3, "name": f.roleName},
		}})
	})
	mux.HandleFunc("/rolepermissions/role/3", func(w http.ResponseWriter, r *http.Request) {
		f.upstreamCalls.Add(1)
		if f.failPerms.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assignments := make([]map[string]any, 0, len(f.permissions))
		for i, name := range f.permissions {
			assignments = append(assignments, map[string]any{
				"id": i + 1, "role_id": 3, "permission_id": i + 1,
				"permission": map[string]any{"id": i + 1, "name": name},
			})
		}
		writeEnvelope(w, map[string]any{"success": true, "route": "rolepermissions", "data": assignments})
	})
	return mux
}

func writeEnvelope(w http.ResponseWriter, env map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(env)
}

func newStore(t *testing.T, dir *fakeDirectory) (*rbac.Store, *shared.SessionManager) {
	t.Helper()
	srv := httptest.NewServer(dir.handler())
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := shared.NewSessionManager(redisClient, "test_session", "secret", time.Hour, false)

	api := apiclient.New(apiclient.Config{BaseURL: srv.URL}, nil, nil)
	return rbac.NewStore(rbac.NewService(api), nil), sessions
}

func newSession(t *testing.T, sessions *shared.SessionManager) *shared.Session {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sessions.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	return sess
}

func TestCurrentHydratesFromUpstreamCookie(t *testing.T) {
	dir := &fakeDirectory{roleName: "Manager", permissions: []string{"user.read", "role.read"}}
	store, sessions := newStore(t, dir)
	sess := newSession(t, sessions)
	sess.SetUpstream(upstreamCookie)

	authz := store.Current(context.Background(), sess)

	if authz.State != rbac.StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", authz.State)
	}
	if authz.Identity == nil || authz.Identity.ID != 7 {
		t.Fatalf("unexpected identity %+v", authz.Identity)
	}
	if !authz.HasPermission("user.read") || !authz.HasPermission("role.read") {
		t.Fatalf("resolved permissions missing: %v", authz.Permissions())
	}
	if authz.HasPermission("user.delete") {
		t.Fatalf("unexpected permission grant")
	}
	if authz.Version == 0 {
		t.Fatalf("expected version to advance on resolution")
	}
}

func TestCurrentWithoutUpstreamIsAnonymous(t *testing.T) {
	dir := &fakeDirectory{roleName: "Manager"}
	store, sessions := newStore(t, dir)
	sess := newSession(t, sessions)

	authz := store.Current(context.Background(), sess)

	if authz.State != rbac.StateAnonymous {
		t.Fatalf("expected anonymous, got %s", authz.State)
	}
	if calls := dir.upstreamCalls.Load(); calls != 0 {
		t.Fatalf("expected no upstream calls, got %d", calls)
	}
}

func TestCurrentRejectedCookieResolvesAnonymous(t *testing.T) {
	dir := &fakeDirectory{roleName: "Manager"}
	store, sessions := newStore(t, dir)
	sess := newSession(t, sessions)
	sess.SetUpstream("sid=expired")

	authz := store.Current(context.Background(), sess)

	if authz.State != rbac.StateAnonymous {
		t.Fatalf("expected anonymous, got %s", authz.State)
	}
	if authz.HasPermission("user.read") || authz.IsAdmin() {
		t.Fatalf("predicates must fail closed for anonymous")
	}
	// The decision is persisted; the next call must not re-hydrate.
	before := dir.upstreamCalls.Load()
	_ = store.Current(context.Background(), sess)
	if dir.upstreamCalls.Load() != before {
		t.Fatalf("anonymous decision was not remembered")
	}
}

func TestCurrentRetriesPersistedHydratingState(t *testing.T) {
	dir := &fakeDirectory{roleName: "Manager", permissions: []string{"user.read"}}
	store, sessions := newStore(t, dir)
	sess := newSession(t, sessions)
	sess.SetUpstream(upstreamCookie)

	// A crash between the hydrating mark and a terminal state leaves this
	// position behind in Redis; it must not trap the session.
	sess.SetAuthzState("hydrating")

	authz := store.Current(context.Background(), sess)

	if authz.State != rbac.StateAuthenticated {
		t.Fatalf("expected hydration retry to authenticate, got %s", authz.State)
	}
	if !authz.HasPermission("user.read") {
		t.Fatalf("permissions not resolved on retry: %v", authz.Permissions())
	}
	if dir.upstreamCalls.Load() == 0 {
		t.Fatalf("no upstream call was made for the retry")
	}
}

func TestCurrentHydratingWithoutCookieResolvesAnonymous(t *testing.T) {
	dir := &fakeDirectory{roleName: "Manager"}
	store, sessions := newStore(t, dir)
	sess := newSession(t, sessions)
	sess.SetAuthzState("hydrating")

	authz := store.Current(context.Background(), sess)

	if authz.State != rbac.StateAnonymous {
		t.Fatalf("expected anonymous, got %s", authz.State)
	}
	if calls := dir.upstreamCalls.Load(); calls != 0 {
		t.Fatalf("expected no upstream calls without a cookie, got %d", calls)
	}
}

func TestResolvePermissionsFailureClearsSet(t *testing.T) {
	dir := &fakeDirectory{roleName: "Manager", permissions: []string{"user.read"}}
	store, sessions := newStore(t, dir)
	sess := newSession(t, sessions)
	sess.SetUpstream(upstreamCookie)

	authz := store.Current(context.Background(), sess)
	if !authz.HasPermission("user.read") {
		t.Fatalf("setup: permission not resolved")
	}
	versionBefore := sess.Authz().Version

	dir.failPerms.Store(true)
	store.ResolvePermissions(context.Background(), sess)

	refreshed := store.Current(context.Background(), sess)
	if refreshed.HasPermission("user.read") {
		t.Fatalf("stale permission survived a failed resolution")
	}
	if sess.Authz().Version <= versionBefore {
		t.Fatalf("version must advance on replacement")
	}
}

func TestLoginSuccess(t *testing.T) {
	dir := &fakeDirectory{roleName: "Manager", permissions: []string{"user.read"}}
	store, sessions := newStore(t, dir)
	sess := newSession(t, sessions)

	ok, message := store.Login(context.Background(), sess, "admin@test.local", "correct-horse")
	if !ok {
		t.Fatalf("login failed: %s", message)
	}
	if message != "Welcome back" {
		t.Fatalf("unexpected message %q", message)
	}
	if sess.Upstream() != upstreamCookie {
		t.Fatalf("upstream cookie not remembered: %q", sess.Upstream())
	}
	if authz := store.Current(context.Background(), sess); authz.State != rbac.StateAuthenticated {
		t.Fatalf("expected authenticated after login, got %s", authz.State)
	}
}

func TestLoginRejected(t *testing.T) {
	dir := &fakeDirectory{roleName: "Manager"}
	store, sessions := newStore(t, dir)
	sess := newSession(t, sessions)

	ok, message := store.Login(context.Background(), sess, "admin@test.local", "wrong")
	if ok {
		t.Fatalf("expected rejection")
	}
	if message != "Incorrect password" {
		t.Fatalf("unexpected message %q", message)
	}
	if authz := store.Current(context.Background(), sess); authz.State != rbac.StateAnonymous {
		t.Fatalf("expected anonymous after rejection, got %s", authz.State)
	}
}

func TestLogoutClearsEvenWhenUpstreamFails(t *testing.T) {
	dir := &fakeDirectory{roleName: "Manager", permissions: []string{"user.read"}}
	store, sessions := newStore(t, dir)
	sess := newSession(t, sessions)

	if ok, _ := store.Login(context.Background(), sess, "admin@test.local", "correct-horse"); !ok {
		t.Fatalf("setup: login failed")
	}

	dir.failLogout.Store(true)
	store.Logout(context.Background(), sess)

	if sess.Upstream() != "" {
		t.Fatalf("upstream cookie survived logout")
	}
	if authz := store.Current(context.Background(), sess); authz.State != rbac.StateAnonymous {
		t.Fatalf("expected anonymous after logout, got %s", authz.State)
	}

	// Logging out twice is safe.
	store.Logout(context.Background(), sess)
}

func TestIsAdminByRoleName(t *testing.T) {
	cases := []struct {
		role string
		want bool
	}{
		{"Super Admin", true},
		{"Admin", true},
		{"Manager", false},
		{"admin", false},
	}
	for _, tc := range cases {
		t.Run(tc.role, func(t *testing.T) {
			dir := &fakeDirectory{roleName: tc.role}
			store, sessions := newStore(t, dir)
			sess := newSession(t, sessions)
			sess.SetUpstream(upstreamCookie)

			authz := store.Current(context.Background(), sess)
			if authz.State != rbac.StateAuthenticated {
				t.Fatalf("setup: expected authenticated, got %s", authz.State)
			}
			if got := authz.IsAdmin(); got != tc.want {
				t.Fatalf("IsAdmin for %q: got %v want %v", tc.role, got, tc.want)
			}
		})
	}
}

func TestPredicatesFailClosedOutsideAuthenticated(t *testing.T) {
	var nilAuthz *rbac.Authz
	if nilAuthz.HasPermission("user.read") || nilAuthz.HasRole("Admin") || nilAuthz.IsAdmin() {
		t.Fatalf("nil snapshot must deny everything")
	}
	anon := rbac.Anonymous()
	if anon.HasPermission("user.read") || anon.HasRole("Admin") || anon.IsAdmin() {
		t.Fatalf("anonymous snapshot must deny everything")
	}
	if anon.Permissions() != nil {
		t.Fatalf("anonymous snapshot must expose no permissions")
	}
}

func TestPermissionNamesSkipsBlanks(t *testing.T) {
	assignments := []rbac.RolePermission{
		{Permission: rbac.Permission{Name: "user.read"}},
		{Permission: rbac.Permission{}},
		{Permission: rbac.Permission{Name: "role.read"}},
	}
	names := rbac.PermissionNames(assignments)
	if fmt.Sprint(names) != "[user.read role.read]" {
		t.Fatalf("unexpected names %v", names)
	}
}
