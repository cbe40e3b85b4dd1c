package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-rbac/aegis-console/internal/auth"
	"github.com/aegis-rbac/aegis-console/internal/platform/apiclient"
	"github.com/aegis-rbac/aegis-console/internal/rbac"
	"github.com/aegis-rbac/aegis-console/internal/shared"
	"github.com/aegis-rbac/aegis-console/internal/view"
	_ "github.com/aegis-rbac/aegis-console/testing"
)

func fakeDirectory() http.Handler {
	write := func(w http.ResponseWriter, env map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(env)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["password"] != "correct-horse" {
			write(w, map[string]any{"success": false, "route": "login", "message": "Incorrect password"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "token"})
		write(w, map[string]any{"success": true, "route": "login", "message": "Welcome back"})
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		write(w, map[string]any{"success": true, "route": "logout"})
	})
	mux.HandleFunc("/userdata", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "sid=token" {
			write(w, map[string]any{"success": false, "route": "userdata", "message": "Not signed in"})
			return
		}
		write(w, map[string]any{"success": true, "route": "userdata", "data": map[string]any{
			"id": 7, "name": "Ada", "email": "ada@test.local", "role_id": 3,
			"role": map[string]any{"id": 3, "name": "Manager"},
		}})
	})
	mux.HandleFunc("/rolepermissions/role/3", func(w http.ResponseWriter, r *http.Request) {
		write(w, map[string]any{"success": true, "route": "rolepermissions", "data": []map[string]any{
			{"id": 1, "role_id": 3, "permission_id": 1, "permission": map[string]any{"id": 1, "name": "user.read"}},
		}})
	})
	return mux
}

func newAuthHandler(t *testing.T) (*auth.Handler, *shared.SessionManager) {
	t.Helper()
	srv := httptest.NewServer(fakeDirectory())
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessionManager := shared.NewSessionManager(redisClient, "test_session", "secret", time.Hour, false)
	csrfManager := shared.NewCSRFManager("csrfsecret")
	templates, err := view.NewEngine()
	if err != nil {
		t.Fatalf("templates: %v", err)
	}

	api := apiclient.New(apiclient.Config{BaseURL: srv.URL}, nil, nil)
	store := rbac.NewStore(rbac.NewService(api), nil)
	handler := auth.NewHandler(nil, store, templates, sessionManager, csrfManager)
	return handler, sessionManager
}

func TestLoginPage(t *testing.T) {
	handler, sessionManager := newAuthHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	sess, err := sessionManager.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	res := httptest.NewRecorder()
	handler.ShowLoginForTest(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "<form") {
		t.Fatalf("expected login form in body")
	}
}

func postLogin(t *testing.T, handler *auth.Handler, sess *shared.Session, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	res := httptest.NewRecorder()
	handler.HandleLoginForTest(res, req)
	return res
}

func TestLoginSuccessRedirects(t *testing.T) {
	handler, sessionManager := newAuthHandler(t)
	sess, err := sessionManager.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("load session: %v", err)
	}

	form := url.Values{}
	form.Set("email", "ada@test.local")
	form.Set("password", "correct-horse")
	form.Set("next", "/roles")
	res := postLogin(t, handler, sess, form)

	if res.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d: %s", res.Code, res.Body.String())
	}
	if loc := res.Header().Get("Location"); loc != "/roles" {
		t.Fatalf("unexpected redirect %q", loc)
	}
	if sess.Upstream() != "sid=token" {
		t.Fatalf("upstream cookie not captured: %q", sess.Upstream())
	}
	if sess.Authz().State != "authenticated" {
		t.Fatalf("session not authenticated: %q", sess.Authz().State)
	}
}

func TestLoginRejectedShowsMessage(t *testing.T) {
	handler, sessionManager := newAuthHandler(t)
	sess, err := sessionManager.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("load session: %v", err)
	}

	form := url.Values{}
	form.Set("email", "ada@test.local")
	form.Set("password", "wrong-password")
	res := postLogin(t, handler, sess, form)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "Incorrect password") {
		t.Fatalf("rejection message missing: %s", res.Body.String())
	}
	if sess.Authz().State != "anonymous" {
		t.Fatalf("session must stay anonymous, got %q", sess.Authz().State)
	}
}

func TestLoginOffsiteNextIsDropped(t *testing.T) {
	cases := []struct {
		name string
		next string
	}{
		{"protocol relative", "//evil.example/phish"},
		// Browsers normalize backslashes to slashes, so these are
		// protocol-relative too once they reach the address bar.
		{"backslash host", `/\evil.example/phish`},
		{"backslash inside", `/users\..\\evil.example`},
		{"absolute url", "https://evil.example/phish"},
		{"relative path", "users"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler, sessionManager := newAuthHandler(t)
			sess, err := sessionManager.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
			if err != nil {
				t.Fatalf("load session: %v", err)
			}

			form := url.Values{}
			form.Set("email", "ada@test.local")
			form.Set("password", "correct-horse")
			form.Set("next", tc.next)
			res := postLogin(t, handler, sess, form)

			if res.Code != http.StatusSeeOther {
				t.Fatalf("expected 303, got %d", res.Code)
			}
			if loc := res.Header().Get("Location"); loc != "/" {
				t.Fatalf("unsafe next %q not dropped, redirected to %q", tc.next, loc)
			}
		})
	}
}
