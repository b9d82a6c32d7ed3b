package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/repository"
)

// EventRepo implements EventRepository using PostgreSQL. Sequence numbers come from a
// per-chat counter row, so concurrent appends to one chat serialize on that row and
// commit in sequence order.
type EventRepo struct{ db *DB }

var _ repository.EventRepository = (*EventRepo)(nil)

// NewEventRepo constructs an event repository.
func NewEventRepo(db *DB) *EventRepo { return &EventRepo{db: db} }

const (
	selectByOp = `SELECT payload, server_seq, server_ms FROM events WHERE op_id=$1`
	bumpSeq    = `
INSERT INTO chat_seq (chat_id, value) VALUES ($1, 1)
ON CONFLICT (chat_id) DO UPDATE SET value = chat_seq.value + 1
RETURNING value`
	insertEvent = `
INSERT INTO events (op_id, chat_id, server_seq, server_ms, kind, message_id, author_id, client_id, client_time, v, payload)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
)

// Append implements repository.EventRepository. A concurrent append of the same opId
// that commits first makes the insert fail with a unique violation; the transaction
// rolls back, so no sequence number is burned, and the stored event is returned.
func (r *EventRepo) Append(ctx context.Context, ev event.Event, nowMs int64) (event.Event, bool, error) {
	stored, deduped, err := r.append(ctx, ev, nowMs)
	if isUniqueViolation(err) {
		existing, gerr := r.GetByOpID(ctx, ev.OpID)
		if gerr != nil {
			return event.Event{}, false, gerr
		}
		return existing, true, nil
	}
	return stored, deduped, err
}

func (r *EventRepo) append(ctx context.Context, ev event.Event, nowMs int64) (stored event.Event, deduped bool, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return event.Event{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	existing, err := scanStored(tx.QueryRow(ctx, selectByOp, ev.OpID))
	switch {
	case err == nil:
		return existing, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return event.Event{}, false, err
	}

	var seq int64
	if err = tx.QueryRow(ctx, bumpSeq, ev.ChatID).Scan(&seq); err != nil {
		return event.Event{}, false, err
	}
	ev.ServerSeq, ev.ServerTimeMs = seq, nowMs
	if ev.V == 0 {
		ev.V = event.SchemaVersion
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return event.Event{}, false, err
	}
	if _, err = tx.Exec(ctx, insertEvent,
		ev.OpID, ev.ChatID, ev.ServerSeq, ev.ServerTimeMs, string(ev.Kind()),
		ev.MessageID, ev.AuthorID, ev.ClientID, ev.ClientTime, ev.V, payload,
	); err != nil {
		return event.Event{}, false, err
	}
	return ev, false, nil
}

// ListAfter implements repository.EventRepository.
func (r *EventRepo) ListAfter(ctx context.Context, chatID string, after int64, limit int) ([]event.Event, error) {
	const q = `
SELECT payload, server_seq, server_ms
FROM events
WHERE chat_id=$1 AND server_seq>$2
ORDER BY server_seq ASC
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, chatID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		ev, err := scanStored(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetByOpID implements repository.EventRepository.
func (r *EventRepo) GetByOpID(ctx context.Context, opID string) (event.Event, error) {
	ev, err := scanStored(r.db.Pool.QueryRow(ctx, selectByOp, opID))
	if errors.Is(err, pgx.ErrNoRows) {
		return event.Event{}, errs.ErrNotFound
	}
	return ev, err
}

func scanStored(row pgx.Row) (event.Event, error) {
	var (
		payload []byte
		seq, ms int64
	)
	if err := row.Scan(&payload, &seq, &ms); err != nil {
		return event.Event{}, err
	}
	var ev event.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return event.Event{}, fmt.Errorf("decode stored event: %w", err)
	}
	ev.ServerSeq, ev.ServerTimeMs = seq, ms
	return ev, nil
}
