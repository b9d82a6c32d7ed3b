// Package model defines domain entities used by services, repositories and clients.
package model

import "time"

// Message is the materialized view of one chat message. It is only ever produced by
// folding events; nothing writes it directly.
type Message struct {
	ID        string
	Text      string
	AuthorID  string
	CreatedAt time.Time
	UpdatedAt *time.Time // nil until an edit wins
	Deleted   bool
	Reactions map[string][]string // emoji -> sorted user ids
	ReplyTo   string
	Replies   []string // child message ids, ordered by creation
}

// Visibility controls who may read a chat.
type Visibility string

// Chat visibilities.
const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Role is a member's permission level inside a chat.
type Role string

// Member roles.
const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleMember   Role = "member"
	RoleReadOnly Role = "readOnly"
)

// CanWrite reports whether the role may append events.
func (r Role) CanWrite() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Membership binds a user to a chat with a role.
type Membership struct {
	ChatID    string
	UserID    string
	Role      Role
	CreatedAt time.Time
}
