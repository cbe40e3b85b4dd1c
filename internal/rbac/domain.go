package rbac

import (
	"strings"
	"time"
)

// User is a directory account. The authenticated operator's own record is
// the session identity.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	RoleID    int64     `json:"role_id"`
	Role      Role      `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role is a named authorization group.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is an atomic capability named "<category>.<action>".
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Category derives the grouping prefix from the permission name. It is a
// display aid only, never authoritative.
func (p Permission) Category() string {
	if idx := strings.IndexByte(p.Name, '.'); idx > 0 {
		return p.Name[:idx]
	}
	return p.Name
}

// RolePermission links one role to one permission. Its existence is the sole
// source of truth for "does this role have this permission".
type RolePermission struct {
	ID           int64      `json:"id"`
	RoleID       int64      `json:"role_id"`
	PermissionID int64      `json:"permission_id"`
	Role         Role       `json:"role"`
	Permission   Permission `json:"permission"`
}
