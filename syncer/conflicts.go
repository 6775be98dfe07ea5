package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Fantasy-programming/nuts-offline/document"
	"github.com/google/uuid"
)

// ErrConflictNotFound is returned when resolving a conflict id that does not
// exist (or was already resolved).
var ErrConflictNotFound = errors.New("syncer: conflict not found")

// Resolution names the three ways a conflict can be settled.
type Resolution string

const (
	KeepLocal  Resolution = "keep-local"
	KeepRemote Resolution = "keep-remote"
	KeepMerged Resolution = "merged"
)

// Conflict captures a true divergence detected during a pull: both the local
// replica and the remote changed the same entity since the last known common
// version. Both full versions are retained so callers can present a choice.
type Conflict struct {
	ID         string
	Collection document.Collection
	EntityID   string
	Local      json.RawMessage
	Remote     json.RawMessage
	DetectedAt time.Time
}

// recordConflict stores a divergence for later resolution. At most one
// conflict row exists per entity; a repeat detection refreshes the stored
// versions but keeps the original id so callers holding it can still resolve.
func (e *Engine) recordConflict(ctx context.Context, c document.Collection, id string, local, remote document.Entity) error {
	lp, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("failed to serialize local version: %w", err)
	}
	rp, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("failed to serialize remote version: %w", err)
	}

	_, err = e.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts (id, collection, entity_id, local_version, remote_version, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, entity_id) DO UPDATE SET
			local_version = excluded.local_version,
			remote_version = excluded.remote_version,
			detected_at = excluded.detected_at
	`, uuid.New().String(), string(c), id, string(lp), string(rp),
		e.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	return nil
}

// Conflicts returns all unresolved conflicts, oldest first.
func (e *Engine) Conflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, collection, entity_id, local_version, remote_version, detected_at
		FROM sync_conflicts
		ORDER BY detected_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return out, nil
}

func (e *Engine) getConflict(ctx context.Context, id string) (Conflict, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT id, collection, entity_id, local_version, remote_version, detected_at
		FROM sync_conflicts
		WHERE id = ?
	`, id)
	c, err := scanConflict(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Conflict{}, ErrConflictNotFound
	}
	return c, err
}

func scanConflict(scan func(...any) error) (Conflict, error) {
	var c Conflict
	var col, local, remote, detected string
	if err := scan(&c.ID, &col, &c.EntityID, &local, &remote, &detected); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conflict{}, err
		}
		return Conflict{}, fmt.Errorf("failed to scan conflict: %w", err)
	}
	c.Collection = document.Collection(col)
	c.Local = json.RawMessage(local)
	c.Remote = json.RawMessage(remote)
	c.DetectedAt, _ = time.Parse(time.RFC3339Nano, detected)
	return c, nil
}

func (e *Engine) deleteConflict(ctx context.Context, id string) error {
	res, err := e.db.ExecContext(ctx, `DELETE FROM sync_conflicts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflictNotFound
	}
	return nil
}

// ConflictCount returns the number of unresolved conflicts.
func (e *Engine) ConflictCount(ctx context.Context) (int, error) {
	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}
