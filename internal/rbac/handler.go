package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aegis-rbac/aegis-console/internal/platform/httpx"
	"github.com/aegis-rbac/aegis-console/internal/shared"
)

// SnapshotHandler serves the caller's authorization snapshot as JSON, used by
// in-page scripts to gate controls without another full render.
type SnapshotHandler struct {
	logger *slog.Logger
	store  *Store
}

// NewSnapshotHandler builds a SnapshotHandler.
func NewSnapshotHandler(logger *slog.Logger, store *Store) *SnapshotHandler {
	return &SnapshotHandler{logger: logger, store: store}
}

// MountRoutes registers snapshot routes.
func (h *SnapshotHandler) MountRoutes(r chi.Router) {
	r.Get("/me", h.me)
}

type snapshotIdentity struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type snapshotResponse struct {
	Authenticated bool              `json:"authenticated"`
	State         string            `json:"state"`
	Identity      *snapshotIdentity `json:"identity,omitempty"`
	Permissions   []string          `json:"permissions"`
	Admin         bool              `json:"admin"`
}

// me responds with an anonymous snapshot rather than an error when the
// caller is not signed in.
func (h *SnapshotHandler) me(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	authz := h.store.Current(r.Context(), sess)

	res := snapshotResponse{
		Authenticated: authz.State == StateAuthenticated,
		State:         authz.State.String(),
		Permissions:   authz.Permissions(),
		Admin:         authz.IsAdmin(),
	}
	if res.Permissions == nil {
		res.Permissions = []string{}
	}
	if authz.Identity != nil {
		res.Identity = &snapshotIdentity{
			ID:    authz.Identity.ID,
			Name:  authz.Identity.Name,
			Email: authz.Identity.Email,
			Role:  authz.Identity.Role.Name,
		}
	}
	httpx.JSON(w, http.StatusOK, res)
}
