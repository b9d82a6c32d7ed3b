package repository

import (
	"context"

	"github.com/and161185/chatsync/internal/model"
)

// MembershipRepository answers who belongs to a chat and whether the chat is public.
type MembershipRepository interface {
	// Visibility returns the chat visibility; unknown chats are private.
	Visibility(ctx context.Context, chatID string) (model.Visibility, error)

	// Role returns the user's role in the chat; ok is false for non-members.
	Role(ctx context.Context, userID, chatID string) (role model.Role, ok bool, err error)

	// SetVisibility creates or updates the chat visibility.
	SetVisibility(ctx context.Context, chatID string, v model.Visibility) error

	// SetRole adds the user to the chat or changes the role.
	SetRole(ctx context.Context, m model.Membership) error

	// Remove drops a membership; missing memberships are not an error.
	Remove(ctx context.Context, userID, chatID string) error
}
