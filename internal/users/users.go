// Package users tracks who talks to the gateway and what they may do.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Roles.
const (
	RoleUser   = "user"
	RoleAdmin  = "admin"
	RoleBanned = "banned"
)

var (
	ErrNotFound    = errors.New("user not found")
	ErrInvalidRole = errors.New("invalid role")
)

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAdmin, RoleBanned:
		return true
	}
	return false
}

// User is one chat-platform account known to the gateway.
type User struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Banned reports whether the user is blocked from submitting jobs.
func (u *User) Banned() bool { return u.Role == RoleBanned }

// Admin reports whether the user may run admin operations.
func (u *User) Admin() bool { return u.Role == RoleAdmin }

// AdminAction is one audit log row.
type AdminAction struct {
	ID        int64     `json:"id"`
	AdminID   int64     `json:"adminId"`
	Action    string    `json:"action"`
	TargetID  int64     `json:"targetId"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists users and the admin audit log.
type Store interface {
	// EnsureUser upserts the user on first contact and refreshes
	// username and last_seen_at on every later one. Role is never
	// touched by an upsert.
	EnsureUser(ctx context.Context, id int64, username string) (*User, error)

	Get(ctx context.Context, id int64) (*User, error)

	// SetRole changes a user's role and records the change in the
	// audit log under adminID.
	SetRole(ctx context.Context, adminID, targetID int64, role string) error

	// Audit appends an admin action without changing any user.
	Audit(ctx context.Context, adminID int64, action string, targetID int64, details string) error

	ListByRole(ctx context.Context, role string) ([]*User, error)
	ListActions(ctx context.Context, limit int) ([]*AdminAction, error)

	// GetUIState returns the opaque chat-adapter state blob for a user,
	// or nil when none is stored.
	GetUIState(ctx context.Context, userID int64) (json.RawMessage, error)

	// SetUIState replaces the user's state blob.
	SetUIState(ctx context.Context, userID int64, state json.RawMessage) error
}
