package memory

import (
	"context"
	"sync"

	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/repository"
)

type memberKey struct{ chat, user string }

// MembershipRepo keeps chat visibility and roles in memory.
type MembershipRepo struct {
	mu    sync.RWMutex
	vis   map[string]model.Visibility
	roles map[memberKey]model.Role
}

var _ repository.MembershipRepository = (*MembershipRepo)(nil)

// NewMembershipRepo returns an empty repository where every chat is private.
func NewMembershipRepo() *MembershipRepo {
	return &MembershipRepo{vis: make(map[string]model.Visibility), roles: make(map[memberKey]model.Role)}
}

// Visibility implements repository.MembershipRepository.
func (r *MembershipRepo) Visibility(_ context.Context, chatID string) (model.Visibility, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.vis[chatID]; ok {
		return v, nil
	}
	return model.VisibilityPrivate, nil
}

// Role implements repository.MembershipRepository.
func (r *MembershipRepo) Role(_ context.Context, userID, chatID string) (model.Role, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[memberKey{chatID, userID}]
	return role, ok, nil
}

// SetVisibility implements repository.MembershipRepository.
func (r *MembershipRepo) SetVisibility(_ context.Context, chatID string, v model.Visibility) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vis[chatID] = v
	return nil
}

// SetRole implements repository.MembershipRepository.
func (r *MembershipRepo) SetRole(_ context.Context, m model.Membership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[memberKey{m.ChatID, m.UserID}] = m.Role
	return nil
}

// Remove implements repository.MembershipRepository.
func (r *MembershipRepo) Remove(_ context.Context, userID, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles, memberKey{chatID, userID})
	return nil
}
