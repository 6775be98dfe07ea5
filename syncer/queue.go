package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Fantasy-programming/nuts-offline/document"
	"github.com/google/uuid"
)

// Operation names an outbound mutation kind.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// QueueItem is one durable outbound mutation. Items reference entities by id
// and carry the payload captured at enqueue time; they are removed only on a
// successful push.
type QueueItem struct {
	ID         string
	Op         Operation
	Collection document.Collection
	EntityID   string
	Payload    json.RawMessage
	EnqueuedAt time.Time
}

// Enqueue appends a mutation to the durable queue and, when the mode
// controller currently permits synchronization, triggers an asynchronous
// cycle without blocking the caller.
func (e *Engine) Enqueue(ctx context.Context, op Operation, c document.Collection, entity document.Entity) error {
	if !op.valid() {
		return fmt.Errorf("unknown operation %q", op)
	}
	if !c.Valid() {
		return fmt.Errorf("unknown collection %q", c)
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to serialize queue payload: %w", err)
	}

	_, err = e.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, op, collection, entity_id, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), string(op), string(c), entity.EntityMeta().ID,
		string(payload), e.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s %s: %w", op, c, err)
	}

	if e.ctrl != nil && e.ctrl.CanSynchronize(ctx) {
		e.kick()
	}
	return nil
}

// loadQueue returns all queued items, oldest first.
func (e *Engine) loadQueue(ctx context.Context) ([]QueueItem, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, op, collection, entity_id, payload, enqueued_at
		FROM sync_queue
		ORDER BY enqueued_at, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		var op, col, payload, enqueued string
		if err := rows.Scan(&it.ID, &op, &col, &it.EntityID, &payload, &enqueued); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		it.Op = Operation(op)
		it.Collection = document.Collection(col)
		it.Payload = json.RawMessage(payload)
		it.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueued)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}
	return items, nil
}

// ackItem removes an acknowledged item and records the pushed version as the
// new baseline, atomically.
func (e *Engine) ackItem(ctx context.Context, it QueueItem) error {
	var meta struct {
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(it.Payload, &meta); err != nil {
		return fmt.Errorf("failed to read pushed payload timestamp: %w", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ack tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, it.ID); err != nil {
		return fmt.Errorf("failed to remove acknowledged item: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_baselines (collection, entity_id, base_updated_at)
		VALUES (?, ?, ?)
	`, string(it.Collection), it.EntityID, meta.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to record push baseline: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ack: %w", err)
	}
	return nil
}

// PendingCount returns the number of queued mutations.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}

func (e *Engine) baseline(ctx context.Context, c document.Collection, id string) time.Time {
	var raw string
	err := e.db.QueryRowContext(ctx, `
		SELECT base_updated_at FROM sync_baselines WHERE collection = ? AND entity_id = ?
	`, string(c), id).Scan(&raw)
	if err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (e *Engine) setBaseline(ctx context.Context, c document.Collection, id string, ts time.Time) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_baselines (collection, entity_id, base_updated_at)
		VALUES (?, ?, ?)
	`, string(c), id, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record baseline: %w", err)
	}
	return nil
}

func (e *Engine) lastPullAt(ctx context.Context) time.Time {
	var raw string
	err := e.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = 'last_pull_at'`).Scan(&raw)
	if err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (e *Engine) setLastPullAt(ctx context.Context, ts time.Time) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_state (key, value) VALUES ('last_pull_at', ?)
	`, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record pull cursor: %w", err)
	}
	return nil
}
