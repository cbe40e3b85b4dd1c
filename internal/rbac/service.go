package rbac

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aegis-rbac/aegis-console/internal/platform/apiclient"
)

// Service is the typed gateway over the upstream directory API. Every method
// takes the upstream Cookie header remembered in the console session; the
// gateway itself holds no per-operator state.
type Service struct {
	api *apiclient.Client
}

// NewService constructs a Service.
func NewService(api *apiclient.Client) *Service {
	return &Service{api: api}
}

// LoginResult carries what the console keeps after a successful login.
type LoginResult struct {
	// Cookie is the Cookie header to replay on subsequent upstream calls.
	Cookie  string
	Message string
}

// Login exchanges credentials for an upstream session cookie. A rejected
// login is returned as *apiclient.DomainError.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	env, cookies, err := s.api.DoWithCookies(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/login",
		Body:   map[string]string{"email": email, "password": password},
	})
	if err != nil {
		return nil, err
	}
	if err := env.Err(); err != nil {
		return nil, err
	}
	cookie := joinCookies(cookies)
	if cookie == "" {
		return nil, fmt.Errorf("rbac: login succeeded but no session cookie was issued")
	}
	return &LoginResult{Cookie: cookie, Message: env.Message}, nil
}

// Logout drops the upstream session.
func (s *Service) Logout(ctx context.Context, cookie string) error {
	env, err := s.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: "/logout", Cookie: cookie})
	if err != nil {
		return err
	}
	return env.Err()
}

// RegisterParams holds the fields for account creation.
type RegisterParams struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	RoleID   int64  `json:"role_id"`
}

// Register creates a directory account.
func (s *Service) Register(ctx context.Context, cookie string, params RegisterParams) error {
	env, err := s.api.Do(ctx, apiclient.Request{Method: http.MethodPost, Path: "/register", Body: params, Cookie: cookie})
	if err != nil {
		return err
	}
	return env.Err()
}

// Userdata resolves the identity the upstream session cookie belongs to.
func (s *Service) Userdata(ctx context.Context, cookie string) (*User, error) {
	var user User
	if err := s.fetch(ctx, cookie, "/userdata", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Users lists directory accounts.
func (s *Service) Users(ctx context.Context, cookie string) ([]User, error) {
	var users []User
	if err := s.fetch(ctx, cookie, "/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Roles lists authorization groups.
func (s *Service) Roles(ctx context.Context, cookie string) ([]Role, error) {
	var roles []Role
	if err := s.fetch(ctx, cookie, "/roles", &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// Permissions lists capabilities.
func (s *Service) Permissions(ctx context.Context, cookie string) ([]Permission, error) {
	var perms []Permission
	if err := s.fetch(ctx, cookie, "/permissions", &perms); err != nil {
		return nil, err
	}
	return perms, nil
}

// RolePermissions lists the assignments for a role.
func (s *Service) RolePermissions(ctx context.Context, cookie string, roleID int64) ([]RolePermission, error) {
	var assignments []RolePermission
	path := fmt.Sprintf("/rolepermissions/role/%d", roleID)
	if err := s.fetch(ctx, cookie, path, &assignments); err != nil {
		return nil, err
	}
	return assignments, nil
}

// Grant assigns a permission to a role.
func (s *Service) Grant(ctx context.Context, cookie string, roleID, permissionID int64) error {
	return s.mutateAssignment(ctx, cookie, http.MethodPost, roleID, permissionID)
}

// Revoke removes a permission from a role.
func (s *Service) Revoke(ctx context.Context, cookie string, roleID, permissionID int64) error {
	return s.mutateAssignment(ctx, cookie, http.MethodDelete, roleID, permissionID)
}

func (s *Service) mutateAssignment(ctx context.Context, cookie, method string, roleID, permissionID int64) error {
	env, err := s.api.Do(ctx, apiclient.Request{
		Method: method,
		Path:   "/rolepermissions",
		Body:   map[string]int64{"role_id": roleID, "permission_id": permissionID},
		Cookie: cookie,
	})
	if err != nil {
		return err
	}
	return env.Err()
}

func (s *Service) fetch(ctx context.Context, cookie, path string, target any) error {
	env, err := s.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: path, Cookie: cookie})
	if err != nil {
		return err
	}
	if err := env.Err(); err != nil {
		return err
	}
	return env.Decode(target)
}

func joinCookies(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "; " + p
	}
	return out
}
