package rbac

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/aegis-rbac/aegis-console/internal/platform/apiclient"
	"github.com/aegis-rbac/aegis-console/internal/shared"
)

// State positions the per-session authorization machine.
type State uint8

const (
	StateUninitialized State = iota
	StateHydrating
	StateAuthenticated
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateHydrating:
		return "hydrating"
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return "uninitialized"
	}
}

func parseState(raw string) State {
	switch raw {
	case "hydrating":
		return StateHydrating
	case "authenticated":
		return StateAuthenticated
	case "anonymous":
		return StateAnonymous
	default:
		return StateUninitialized
	}
}

// Authz is an immutable snapshot of the operator's authorization: identity
// plus resolved permission set. Predicates answer false in every state but
// Authenticated, so an undecided session is indistinguishable from an
// unauthorized one.
type Authz struct {
	State    State
	Identity *User
	Version  uint64
	perms    map[string]struct{}
}

// Anonymous returns the empty snapshot.
func Anonymous() *Authz {
	return &Authz{State: StateAnonymous}
}

// HasPermission reports exact membership in the resolved permission set.
func (a *Authz) HasPermission(name string) bool {
	if a == nil || a.State != StateAuthenticated {
		return false
	}
	_, ok := a.perms[name]
	return ok
}

// HasRole reports an exact match against the identity's role name.
func (a *Authz) HasRole(name string) bool {
	if a == nil || a.State != StateAuthenticated || a.Identity == nil {
		return false
	}
	return a.Identity.Role.Name == name
}

// IsAdmin reports whether the identity holds one of the privileged role
// names. This mirrors the upstream convention of privileging by name rather
// than by a dedicated permission.
func (a *Authz) IsAdmin() bool {
	return a.HasRole(shared.RoleSuperAdmin) || a.HasRole(shared.RoleAdmin)
}

// Permissions returns the resolved permission names, sorted.
func (a *Authz) Permissions() []string {
	if a == nil || a.State != StateAuthenticated {
		return nil
	}
	names := make([]string, 0, len(a.perms))
	for name := range a.perms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store owns the session authorization lifecycle: hydration from the
// remembered upstream cookie, permission resolution, login and logout. All
// failures resolve toward Anonymous with an empty permission set; nothing
// here errors outward.
type Store struct {
	service *Service
	logger  *slog.Logger
	group   singleflight.Group
}

// NewStore constructs a Store.
func NewStore(service *Service, logger *slog.Logger) *Store {
	return &Store{service: service, logger: logger}
}

// Current returns the authorization snapshot for the session, hydrating from
// the upstream API when the session remembers a cookie but no identity yet.
func (st *Store) Current(ctx context.Context, sess *shared.Session) *Authz {
	if sess == nil {
		return Anonymous()
	}
	payload := sess.Authz()
	switch parseState(payload.State) {
	case StateAuthenticated:
		if authz := st.fromPayload(payload); authz != nil {
			return authz
		}
		// Cached identity is unreadable; treat the session as undecided.
		return st.hydrate(ctx, sess)
	case StateAnonymous:
		return Anonymous()
	case StateHydrating:
		// A crash or timeout mid-hydration can persist this position.
		// Retry instead of trapping the session on the loading page; the
		// singleflight group absorbs concurrent retries.
		if payload.Upstream == "" {
			sess.ClearAuthz(StateAnonymous.String())
			return Anonymous()
		}
		return st.hydrate(ctx, sess)
	default:
		if payload.Upstream == "" {
			sess.SetAuthzState(StateAnonymous.String())
			return Anonymous()
		}
		return st.hydrate(ctx, sess)
	}
}

// hydrate deduplicates concurrent hydrations of one session ID so a burst of
// requests costs a single round of upstream calls.
func (st *Store) hydrate(ctx context.Context, sess *shared.Session) *Authz {
	v, _, _ := st.group.Do(sess.ID, func() (any, error) {
		return st.doHydrate(ctx, sess), nil
	})
	authz, _ := v.(*Authz)
	if authz == nil {
		return Anonymous()
	}
	return authz
}

func (st *Store) doHydrate(ctx context.Context, sess *shared.Session) *Authz {
	sess.SetAuthzState(StateHydrating.String())

	user, err := st.service.Userdata(ctx, sess.Upstream())
	if err != nil {
		// "No session" and transport failures alike resolve to Anonymous.
		if st.logger != nil {
			st.logger.Info("session hydration failed", slog.Any("error", err))
		}
		sess.ClearAuthz(StateAnonymous.String())
		return Anonymous()
	}

	raw, err := json.Marshal(user)
	if err != nil {
		sess.ClearAuthz(StateAnonymous.String())
		return Anonymous()
	}
	sess.SetIdentity(raw)
	sess.SetUser(strconv.FormatInt(user.ID, 10))
	sess.SetAuthzState(StateAuthenticated.String())

	st.ResolvePermissions(ctx, sess)

	authz := st.fromPayload(sess.Authz())
	if authz == nil {
		return Anonymous()
	}
	return authz
}

// ResolvePermissions re-derives the permission set for the session's cached
// identity and replaces it atomically. Failure clears the set rather than
// leaving stale grants behind.
func (st *Store) ResolvePermissions(ctx context.Context, sess *shared.Session) {
	if sess == nil {
		return
	}
	payload := sess.Authz()
	user := decodeIdentity(payload.Identity)
	if user == nil {
		sess.ReplacePermissions(nil, payload.Version)
		return
	}

	assignments, err := st.service.RolePermissions(ctx, payload.Upstream, user.RoleID)
	if err != nil {
		if st.logger != nil {
			st.logger.Warn("permission resolution failed", slog.Int64("role_id", user.RoleID), slog.Any("error", err))
		}
		sess.ReplacePermissions(nil, payload.Version)
		return
	}
	sess.ReplacePermissions(PermissionNames(assignments), payload.Version)
}

// Login delegates the credential check upstream. On success the session is
// hydrated into Authenticated; on failure it stays Anonymous and the returned
// message is safe to show the operator.
func (st *Store) Login(ctx context.Context, sess *shared.Session, email, password string) (bool, string) {
	if sess == nil {
		return false, "Session unavailable. Please retry."
	}
	res, err := st.service.Login(ctx, email, password)
	if err != nil {
		sess.ClearAuthz(StateAnonymous.String())
		return false, apiclient.UserMessage(err)
	}

	sess.ClearAuthz(StateUninitialized.String())
	sess.SetUpstream(res.Cookie)
	authz := st.doHydrate(ctx, sess)
	if authz.State != StateAuthenticated {
		return false, "Signed in, but the session could not be established. Please retry."
	}
	return true, res.Message
}

// Logout drops the upstream session best-effort and unconditionally clears
// local identity and permissions. Safe to call repeatedly.
func (st *Store) Logout(ctx context.Context, sess *shared.Session) {
	if sess == nil {
		return
	}
	if cookie := sess.Upstream(); cookie != "" {
		if err := st.service.Logout(ctx, cookie); err != nil && st.logger != nil {
			st.logger.Warn("upstream logout failed", slog.Any("error", err))
		}
	}
	sess.ClearAuthz(StateAnonymous.String())
}

func (st *Store) fromPayload(payload shared.AuthzPayload) *Authz {
	user := decodeIdentity(payload.Identity)
	if user == nil {
		return nil
	}
	perms := make(map[string]struct{}, len(payload.Permissions))
	for _, name := range payload.Permissions {
		perms[name] = struct{}{}
	}
	return &Authz{
		State:    StateAuthenticated,
		Identity: user,
		Version:  payload.Version,
		perms:    perms,
	}
}

func decodeIdentity(raw json.RawMessage) *User {
	if len(raw) == 0 {
		return nil
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil
	}
	return &user
}

// PermissionNames extracts the permission names carried by assignments.
func PermissionNames(assignments []RolePermission) []string {
	names := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if a.Permission.Name == "" {
			continue
		}
		names = append(names, a.Permission.Name)
	}
	return names
}
