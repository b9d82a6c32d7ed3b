package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/repository"
)

// MembershipRepo implements MembershipRepository using PostgreSQL.
type MembershipRepo struct{ db *DB }

var _ repository.MembershipRepository = (*MembershipRepo)(nil)

// NewMembershipRepo constructs a membership repository.
func NewMembershipRepo(db *DB) *MembershipRepo { return &MembershipRepo{db: db} }

// Visibility returns the chat visibility, private when the chat row is missing.
func (r *MembershipRepo) Visibility(ctx context.Context, chatID string) (model.Visibility, error) {
	const q = `SELECT visibility FROM chats WHERE chat_id=$1`
	var v string
	if err := r.db.Pool.QueryRow(ctx, q, chatID).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.VisibilityPrivate, nil
		}
		return "", err
	}
	return model.Visibility(v), nil
}

// Role returns the member role.
func (r *MembershipRepo) Role(ctx context.Context, userID, chatID string) (model.Role, bool, error) {
	const q = `SELECT role FROM chat_members WHERE chat_id=$1 AND user_id=$2`
	var role string
	if err := r.db.Pool.QueryRow(ctx, q, chatID, userID).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return model.Role(role), true, nil
}

// SetVisibility upserts the chat row.
func (r *MembershipRepo) SetVisibility(ctx context.Context, chatID string, v model.Visibility) error {
	const q = `
INSERT INTO chats (chat_id, visibility) VALUES ($1, $2)
ON CONFLICT (chat_id) DO UPDATE SET visibility = EXCLUDED.visibility`
	_, err := r.db.Pool.Exec(ctx, q, chatID, string(v))
	return err
}

// SetRole upserts a membership.
func (r *MembershipRepo) SetRole(ctx context.Context, m model.Membership) error {
	const q = `
INSERT INTO chat_members (chat_id, user_id, role) VALUES ($1, $2, $3)
ON CONFLICT (chat_id, user_id) DO UPDATE SET role = EXCLUDED.role`
	_, err := r.db.Pool.Exec(ctx, q, m.ChatID, m.UserID, string(m.Role))
	return err
}

// Remove deletes a membership.
func (r *MembershipRepo) Remove(ctx context.Context, userID, chatID string) error {
	const q = `DELETE FROM chat_members WHERE chat_id=$1 AND user_id=$2`
	_, err := r.db.Pool.Exec(ctx, q, chatID, userID)
	return err
}
