package permissions

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/aegis-rbac/aegis-console/internal/platform/apiclient"
	"github.com/aegis-rbac/aegis-console/internal/rbac"
	"github.com/aegis-rbac/aegis-console/internal/shared"
	"github.com/aegis-rbac/aegis-console/internal/view"
)

// Handler manages the permission catalog screen.
type Handler struct {
	logger    *slog.Logger
	service   *rbac.Service
	templates *view.Engine
	csrf      *shared.CSRFManager
	sessions  *shared.SessionManager
	guard     rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *rbac.Service, templates *view.Engine, csrf *shared.CSRFManager, sessions *shared.SessionManager, guard rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, templates: templates, csrf: csrf, sessions: sessions, guard: guard}
}

// MountRoutes registers permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequirePermission(shared.PermPermissionRead))
		r.Get("/", h.listPermissions)
	})
}

type formErrors map[string]string

// Group bundles permissions sharing a category prefix.
type Group struct {
	Category    string
	Permissions []rbac.Permission
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	cookie := ""
	if sess != nil {
		cookie = sess.Upstream()
	}
	perms, err := h.service.Permissions(r.Context(), cookie)
	if err != nil {
		h.logger.Error("list permissions failed", slog.Any("error", err))
		h.render(w, r, map[string]any{"Errors": formErrors{"general": apiclient.UserMessage(err)}}, http.StatusInternalServerError)
		return
	}
	h.render(w, r, map[string]any{"Groups": GroupByCategory(perms)}, http.StatusOK)
}

// GroupByCategory buckets permissions on the text before the first dot,
// sorted by category then name. Purely a display derivation.
func GroupByCategory(perms []rbac.Permission) []Group {
	buckets := make(map[string][]rbac.Permission)
	for _, p := range perms {
		cat := p.Category()
		buckets[cat] = append(buckets[cat], p)
	}
	categories := make([]string, 0, len(buckets))
	for cat := range buckets {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	groups := make([]Group, 0, len(categories))
	for _, cat := range categories {
		members := buckets[cat]
		sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
		groups = append(groups, Group{Category: cat, Permissions: members})
	}
	return groups
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, data map[string]any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       "Permissions",
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Authz:       rbac.AuthzFromContext(r.Context()),
		Data:        data,
	}
	if err := h.templates.RenderStatus(w, status, "pages/permissions/list.html", viewData); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
	}
}
