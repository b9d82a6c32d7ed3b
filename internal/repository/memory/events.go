// Package memory contains in-process implementations of repository interfaces for
// development servers and tests.
package memory

import (
	"context"
	"sync"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/repository"
)

// EventRepo keeps the event log in memory. A single mutex serializes writers, which
// makes per-chat sequence assignment atomic.
type EventRepo struct {
	mu     sync.RWMutex
	byChat map[string][]event.Event
	byOp   map[string]event.Event
}

var _ repository.EventRepository = (*EventRepo)(nil)

// NewEventRepo returns an empty log.
func NewEventRepo() *EventRepo {
	return &EventRepo{byChat: make(map[string][]event.Event), byOp: make(map[string]event.Event)}
}

// Append implements repository.EventRepository.
func (r *EventRepo) Append(_ context.Context, ev event.Event, nowMs int64) (event.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dup, ok := r.byOp[ev.OpID]; ok {
		return dup, true, nil
	}
	list := r.byChat[ev.ChatID]
	ev.ServerSeq = int64(len(list)) + 1
	ev.ServerTimeMs = nowMs
	if ev.V == 0 {
		ev.V = event.SchemaVersion
	}
	r.byChat[ev.ChatID] = append(list, ev)
	r.byOp[ev.OpID] = ev
	return ev, false, nil
}

// ListAfter implements repository.EventRepository. Sequences are contiguous from 1,
// so the event after seq N lives at index N.
func (r *EventRepo) ListAfter(_ context.Context, chatID string, after int64, limit int) ([]event.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byChat[chatID]
	start := min(int64(len(list)), max(0, after))
	end := min(int64(len(list)), start+int64(max(0, limit)))
	out := make([]event.Event, end-start)
	copy(out, list[start:end])
	return out, nil
}

// GetByOpID implements repository.EventRepository.
func (r *EventRepo) GetByOpID(_ context.Context, opID string) (event.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.byOp[opID]
	if !ok {
		return event.Event{}, errs.ErrNotFound
	}
	return ev, nil
}
