package rbac

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/aegis-rbac/aegis-console/internal/shared"
	"github.com/aegis-rbac/aegis-console/internal/view"
)

// Requirements parameterize the guard. Zero requirements still demand an
// authenticated session.
type Requirements struct {
	Admin      bool
	Role       string
	Permission string
}

// DenialObserver counts guard rejections for metrics.
type DenialObserver interface {
	AuthzDenial(reason string)
}

// Middleware gates protected views on the session's authorization snapshot.
// It is a rendering gate only; the upstream API re-enforces every check.
type Middleware struct {
	Store     *Store
	Templates *view.Engine
	Logger    *slog.Logger
	Metrics   DenialObserver
}

// Protect evaluates requirements in a fixed order, first match terminal:
// hydrating renders a neutral loading view, anonymous redirects to login
// remembering the requested location, then admin, role and permission
// denials render in place, in that order.
func (m Middleware) Protect(reqs Requirements) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := shared.SessionFromContext(r.Context())
			authz := m.Store.Current(r.Context(), sess)

			switch authz.State {
			case StateHydrating:
				m.renderLoading(w, r)
				return
			case StateAuthenticated:
			default:
				m.deny("unauthenticated")
				http.Redirect(w, r, "/auth/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
				return
			}

			if reqs.Admin && !authz.IsAdmin() {
				m.deny("admin")
				m.renderDenied(w, r, "")
				return
			}
			if reqs.Role != "" && !authz.HasRole(reqs.Role) {
				m.deny("role")
				m.renderDenied(w, r, "This page requires the "+reqs.Role+" role.")
				return
			}
			if reqs.Permission != "" && !authz.HasPermission(reqs.Permission) {
				m.deny("permission")
				m.renderDenied(w, r, "This page requires the "+reqs.Permission+" permission.")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithAuthz(r.Context(), authz)))
		})
	}
}

// RequirePermission is shorthand for a permission-only requirement.
func (m Middleware) RequirePermission(name string) func(http.Handler) http.Handler {
	return m.Protect(Requirements{Permission: name})
}

// RequireAdmin is shorthand for an admin-only requirement.
func (m Middleware) RequireAdmin() func(http.Handler) http.Handler {
	return m.Protect(Requirements{Admin: true})
}

func (m Middleware) renderDenied(w http.ResponseWriter, r *http.Request, detail string) {
	if m.Templates == nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	data := view.TemplateData{
		Title:       "Access denied",
		CurrentPath: r.URL.Path,
		Data:        map[string]any{"Detail": detail},
	}
	if err := m.Templates.RenderStatus(w, http.StatusForbidden, "pages/denied.html", data); err != nil && m.Logger != nil {
		m.Logger.Error("render denied", slog.Any("error", err))
	}
}

func (m Middleware) renderLoading(w http.ResponseWriter, r *http.Request) {
	if m.Templates == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	data := view.TemplateData{Title: "Loading", CurrentPath: r.URL.Path}
	if err := m.Templates.Render(w, "pages/loading.html", data); err != nil && m.Logger != nil {
		m.Logger.Error("render loading", slog.Any("error", err))
	}
}

func (m Middleware) deny(reason string) {
	if m.Metrics != nil {
		m.Metrics.AuthzDenial(reason)
	}
}
