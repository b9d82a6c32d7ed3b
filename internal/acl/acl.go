// Package acl contains composable access-control policies consulted by the source of
// record before it appends or lists events.
package acl

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/repository"
)

// Policy decides who may append to and read a chat.
type Policy interface {
	CanAppend(ctx context.Context, authorID, chatID string, ev event.Event) (bool, error)
	CanRead(ctx context.Context, userID, chatID string) (bool, error)
}

// AllowAll permits everything. Intended for local development and tests.
type AllowAll struct{}

// CanAppend always allows.
func (AllowAll) CanAppend(context.Context, string, string, event.Event) (bool, error) {
	return true, nil
}

// CanRead always allows.
func (AllowAll) CanRead(context.Context, string, string) (bool, error) { return true, nil }

// DenyList blocks listed users and chats for both reads and appends.
type DenyList struct {
	users map[string]struct{}
	chats map[string]struct{}
}

// NewDenyList builds a deny list from user and chat ids.
func NewDenyList(users, chats []string) *DenyList {
	d := &DenyList{users: make(map[string]struct{}), chats: make(map[string]struct{})}
	for _, u := range users {
		d.users[u] = struct{}{}
	}
	for _, c := range chats {
		d.chats[c] = struct{}{}
	}
	return d
}

func (d *DenyList) allowed(userID, chatID string) bool {
	_, bu := d.users[userID]
	_, bc := d.chats[chatID]
	return !bu && !bc
}

// CanAppend denies listed authors and chats.
func (d *DenyList) CanAppend(_ context.Context, authorID, chatID string, _ event.Event) (bool, error) {
	return d.allowed(authorID, chatID), nil
}

// CanRead denies listed users and chats.
func (d *DenyList) CanRead(_ context.Context, userID, chatID string) (bool, error) {
	return d.allowed(userID, chatID), nil
}

// Membership grants reads on public chats or to members, and appends to members whose
// role is not read-only.
type Membership struct{ repo repository.MembershipRepository }

// NewMembership wraps a membership repository.
func NewMembership(repo repository.MembershipRepository) *Membership { return &Membership{repo: repo} }

// CanRead implements Policy.
func (m *Membership) CanRead(ctx context.Context, userID, chatID string) (bool, error) {
	vis, err := m.repo.Visibility(ctx, chatID)
	if err != nil {
		return false, err
	}
	if vis == model.VisibilityPublic {
		return true, nil
	}
	_, ok, err := m.repo.Role(ctx, userID, chatID)
	return ok, err
}

// CanAppend implements Policy.
func (m *Membership) CanAppend(ctx context.Context, authorID, chatID string, _ event.Event) (bool, error) {
	role, ok, err := m.repo.Role(ctx, authorID, chatID)
	if err != nil || !ok {
		return false, err
	}
	return role.CanWrite(), nil
}

// AllOf requires every policy to allow. It short-circuits on the first denial or error.
type AllOf []Policy

// CanAppend allows only when every policy allows.
func (a AllOf) CanAppend(ctx context.Context, authorID, chatID string, ev event.Event) (bool, error) {
	for _, p := range a {
		if ok, err := p.CanAppend(ctx, authorID, chatID, ev); err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// CanRead allows only when every policy allows.
func (a AllOf) CanRead(ctx context.Context, userID, chatID string) (bool, error) {
	for _, p := range a {
		if ok, err := p.CanRead(ctx, userID, chatID); err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// AnyOf allows when at least one policy allows. Errors abort the evaluation.
type AnyOf []Policy

// CanAppend allows when any policy allows.
func (a AnyOf) CanAppend(ctx context.Context, authorID, chatID string, ev event.Event) (bool, error) {
	for _, p := range a {
		ok, err := p.CanAppend(ctx, authorID, chatID, ev)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CanRead allows when any policy allows.
func (a AnyOf) CanRead(ctx context.Context, userID, chatID string) (bool, error) {
	for _, p := range a {
		ok, err := p.CanRead(ctx, userID, chatID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// DefaultMaxText is the text limit applied by TextGuard when none is configured.
const DefaultMaxText = 4000

// TextGuard rejects blank or over-long text on create, edit and reply before delegating
// to the inner policy. Encrypted events are not inspected.
type TextGuard struct {
	Inner  Policy
	MaxLen int
}

// CanAppend implements Policy.
func (g TextGuard) CanAppend(ctx context.Context, authorID, chatID string, ev event.Event) (bool, error) {
	switch ev.Kind() {
	case event.KindCreate, event.KindEdit, event.KindReply:
		if ev.Enc == nil {
			limit := g.MaxLen
			if limit <= 0 {
				limit = DefaultMaxText
			}
			text := ev.Text()
			if strings.TrimSpace(text) == "" || utf8.RuneCountInString(text) > limit {
				return false, nil
			}
		}
	}
	return g.Inner.CanAppend(ctx, authorID, chatID, ev)
}

// CanRead delegates to Inner.
func (g TextGuard) CanRead(ctx context.Context, userID, chatID string) (bool, error) {
	return g.Inner.CanRead(ctx, userID, chatID)
}
