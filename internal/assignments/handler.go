// Package assignments implements the role-permission editor: the one screen
// with read-modify-refetch mutation semantics. A toggle re-checks membership
// at toggle time, issues a single grant or revoke, and resynchronizes by
// refetching the role's assignments; there is no optimistic update.
package assignments

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/aegis-rbac/aegis-console/internal/platform/apiclient"
	"github.com/aegis-rbac/aegis-console/internal/rbac"
	"github.com/aegis-rbac/aegis-console/internal/shared"
	"github.com/aegis-rbac/aegis-console/internal/view"
)

// ResyncEnqueuer schedules a background permission refresh across live
// sessions. Optional; a nil enqueuer means other sessions converge on the
// next cron run instead.
type ResyncEnqueuer interface {
	EnqueueAuthzResync(ctx context.Context) (*asynq.TaskInfo, error)
}

// Handler manages the role-permission assignment screens.
type Handler struct {
	logger    *slog.Logger
	service   *rbac.Service
	store     *rbac.Store
	templates *view.Engine
	csrf      *shared.CSRFManager
	sessions  *shared.SessionManager
	guard     rbac.Middleware
	resync    ResyncEnqueuer
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *rbac.Service, store *rbac.Store, templates *view.Engine, csrf *shared.CSRFManager, sessions *shared.SessionManager, guard rbac.Middleware, resync ResyncEnqueuer) *Handler {
	return &Handler{logger: logger, service: service, store: store, templates: templates, csrf: csrf, sessions: sessions, guard: guard, resync: resync}
}

// MountRoutes registers assignment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequirePermission(shared.PermAssignmentRead))
		r.Get("/", h.showEditor)
		r.Post("/toggle", h.toggle)
	})
}

type formErrors map[string]string

// Row pairs a permission with its current membership for the selected role.
type Row struct {
	Permission rbac.Permission
	Assigned   bool
}

// Category groups rows for display.
type Category struct {
	Name string
	Rows []Row
}

func (h *Handler) showEditor(w http.ResponseWriter, r *http.Request) {
	cookie := h.upstream(r)

	roles, err := h.service.Roles(r.Context(), cookie)
	if err != nil {
		h.logger.Error("list roles for editor", slog.Any("error", err))
		h.render(w, r, map[string]any{"Roles": roles, "Errors": formErrors{"general": apiclient.UserMessage(err)}}, http.StatusInternalServerError)
		return
	}

	data := map[string]any{"Roles": roles, "Errors": formErrors{}}

	roleID, _ := strconv.ParseInt(r.URL.Query().Get("role"), 10, 64)
	if roleID > 0 {
		selected := findRole(roles, roleID)
		if selected == nil {
			h.render(w, r, map[string]any{"Roles": roles, "Errors": formErrors{"general": "Unknown role"}}, http.StatusNotFound)
			return
		}
		perms, err := h.service.Permissions(r.Context(), cookie)
		if err != nil {
			h.logger.Error("list permissions for editor", slog.Any("error", err))
			h.render(w, r, map[string]any{"Roles": roles, "Errors": formErrors{"general": apiclient.UserMessage(err)}}, http.StatusInternalServerError)
			return
		}
		// Selecting a role replaces the screen's view of its assignments
		// wholesale; nothing is merged with earlier selections.
		assigned, err := h.service.RolePermissions(r.Context(), cookie, roleID)
		if err != nil {
			h.logger.Error("list assignments for editor", slog.Any("error", err))
			h.render(w, r, map[string]any{"Roles": roles, "Errors": formErrors{"general": apiclient.UserMessage(err)}}, http.StatusInternalServerError)
			return
		}
		data["Selected"] = selected
		data["Categories"] = buildCategories(perms, assigned)
	}

	h.render(w, r, data, http.StatusOK)
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	roleID, _ := strconv.ParseInt(r.PostFormValue("role_id"), 10, 64)
	permissionID, _ := strconv.ParseInt(r.PostFormValue("permission_id"), 10, 64)
	if roleID <= 0 || permissionID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	back := "/assignments?role=" + strconv.FormatInt(roleID, 10)
	cookie := h.upstream(r)

	// Membership is re-checked now, not taken from the submitted form, so a
	// stale page cannot flip the direction of the mutation.
	current, err := h.service.RolePermissions(r.Context(), cookie, roleID)
	if err != nil {
		h.logger.Error("re-check assignments", slog.Any("error", err))
		h.redirectWithFlash(w, r, back, "error", apiclient.UserMessage(err))
		return
	}
	assigned := isAssigned(current, permissionID)

	authz := rbac.AuthzFromContext(r.Context())
	if assigned && !authz.HasPermission(shared.PermAssignmentDelete) {
		h.redirectWithFlash(w, r, back, "error", "You are not allowed to revoke permissions.")
		return
	}
	if !assigned && !authz.HasPermission(shared.PermAssignmentCreate) {
		h.redirectWithFlash(w, r, back, "error", "You are not allowed to grant permissions.")
		return
	}

	if assigned {
		err = h.service.Revoke(r.Context(), cookie, roleID, permissionID)
	} else {
		err = h.service.Grant(r.Context(), cookie, roleID, permissionID)
	}
	if err != nil {
		h.logger.Error("toggle assignment", slog.Int64("role_id", roleID), slog.Int64("permission_id", permissionID), slog.Any("error", err))
		h.redirectWithFlash(w, r, back, "error", apiclient.UserMessage(err))
		return
	}

	// Editing the operator's own role changes what the operator may do;
	// re-resolve before the next render instead of waiting for the resync.
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		if identity := authz.Identity; identity != nil && identity.RoleID == roleID {
			h.store.ResolvePermissions(r.Context(), sess)
		}
	}
	// Other sessions holding the edited role converge via a queued resync.
	if h.resync != nil {
		if _, err := h.resync.EnqueueAuthzResync(r.Context()); err != nil {
			h.logger.Warn("enqueue authz resync", slog.Any("error", err))
		}
	}

	kind := "granted"
	if assigned {
		kind = "revoked"
	}
	h.redirectWithFlash(w, r, back, "success", "Permission "+kind)
}

func (h *Handler) upstream(r *http.Request) string {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		return sess.Upstream()
	}
	return ""
}

func findRole(roles []rbac.Role, id int64) *rbac.Role {
	for i := range roles {
		if roles[i].ID == id {
			return &roles[i]
		}
	}
	return nil
}

func isAssigned(assignments []rbac.RolePermission, permissionID int64) bool {
	for _, a := range assignments {
		if a.PermissionID == permissionID {
			return true
		}
	}
	return false
}

func buildCategories(perms []rbac.Permission, assignments []rbac.RolePermission) []Category {
	member := make(map[int64]struct{}, len(assignments))
	for _, a := range assignments {
		member[a.PermissionID] = struct{}{}
	}

	buckets := make(map[string][]Row)
	for _, p := range perms {
		_, assigned := member[p.ID]
		buckets[p.Category()] = append(buckets[p.Category()], Row{Permission: p, Assigned: assigned})
	}

	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	categories := make([]Category, 0, len(names))
	for _, name := range names {
		rows := buckets[name]
		sort.Slice(rows, func(i, j int) bool { return rows[i].Permission.Name < rows[j].Permission.Name })
		categories = append(categories, Category{Name: name, Rows: rows})
	}
	return categories
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, data map[string]any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       "Role permissions",
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Authz:       rbac.AuthzFromContext(r.Context()),
		Data:        data,
	}
	if err := h.templates.RenderStatus(w, status, "pages/assignments/edit.html", viewData); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
	}
}

func (h *Handler) redirectWithFlash(w http.ResponseWriter, r *http.Request, location, kind, message string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}
