// Package adaptive routes reads and writes between the local offline-first
// store and the remote API, per entity, based on feature flags and the
// current connectivity mode.
package adaptive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Fantasy-programming/nuts-offline/connectivity"
	"github.com/Fantasy-programming/nuts-offline/document"
	"github.com/Fantasy-programming/nuts-offline/flags"
	"github.com/Fantasy-programming/nuts-offline/remote"
	"github.com/Fantasy-programming/nuts-offline/sqlindex"
	"github.com/Fantasy-programming/nuts-offline/syncer"
	"github.com/google/uuid"
)

// ErrUnavailableOffline is returned when an operation must reach the remote
// API (its entity is not offline-enabled) but the replica is offline.
var ErrUnavailableOffline = errors.New("adaptive: operation requires connectivity")

// Router dispatches entity operations. Offline-enabled entities write to the
// local store and queue the mutation for push; the rest go straight to the
// remote API and fail fast while offline.
type Router struct {
	store  *document.Store
	index  *sqlindex.Index
	engine *syncer.Engine
	remote *remote.Client
	ctrl   *connectivity.Controller
	flags  flags.Snapshot
	logger *slog.Logger
}

func NewRouter(store *document.Store, index *sqlindex.Index, engine *syncer.Engine,
	rc *remote.Client, ctrl *connectivity.Controller, fl flags.Snapshot, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:  store,
		index:  index,
		engine: engine,
		remote: rc,
		ctrl:   ctrl,
		flags:  fl,
		logger: logger,
	}
}

// local reports whether col is served by the local store.
func (r *Router) local(col document.Collection) bool {
	return r.flags.OfflineFirstEnabled && r.flags.EntityEnabled(col)
}

func (r *Router) requireOnline() error {
	if r.ctrl != nil && r.ctrl.Mode() != connectivity.ModeOnline {
		return ErrUnavailableOffline
	}
	return nil
}

// Create stores a new entity. On the local path the entity gets its id and
// timestamps stamped by the store and the mutation is queued; on the remote
// path it is posted directly.
func (r *Router) Create(ctx context.Context, col document.Collection, entity document.Entity) (document.Entity, error) {
	if m := entity.EntityMeta(); m.ID == "" {
		m.ID = uuid.New().String()
	}
	if !r.local(col) {
		if err := r.requireOnline(); err != nil {
			return nil, err
		}
		payload, err := json.Marshal(entity)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize entity: %w", err)
		}
		if err := r.remote.Create(ctx, col, payload); err != nil {
			return nil, err
		}
		return entity, nil
	}

	stored, err := r.store.Put(ctx, col, entity)
	if err != nil {
		return nil, err
	}
	if err := r.engine.Enqueue(ctx, syncer.OpCreate, col, stored); err != nil {
		return nil, err
	}
	r.rebuild(ctx, col)
	return stored, nil
}

// Update merges changes into an existing entity.
func (r *Router) Update(ctx context.Context, col document.Collection, entity document.Entity) (document.Entity, error) {
	if !r.local(col) {
		if err := r.requireOnline(); err != nil {
			return nil, err
		}
		payload, err := json.Marshal(entity)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize entity: %w", err)
		}
		if err := r.remote.Update(ctx, col, entity.EntityMeta().ID, payload); err != nil {
			return nil, err
		}
		return entity, nil
	}

	stored, err := r.store.Put(ctx, col, entity)
	if err != nil {
		return nil, err
	}
	if err := r.engine.Enqueue(ctx, syncer.OpUpdate, col, stored); err != nil {
		return nil, err
	}
	r.rebuild(ctx, col)
	return stored, nil
}

// Delete soft-deletes locally (queueing the delete) or removes remotely.
func (r *Router) Delete(ctx context.Context, col document.Collection, id string) error {
	if !r.local(col) {
		if err := r.requireOnline(); err != nil {
			return err
		}
		return r.remote.Delete(ctx, col, id)
	}

	if err := r.store.SoftDelete(ctx, col, id); err != nil {
		return err
	}
	tombstone, ok := r.store.Lookup(ctx, col, id)
	if !ok {
		return document.ErrNotFound
	}
	if err := r.engine.Enqueue(ctx, syncer.OpDelete, col, tombstone); err != nil {
		return err
	}
	r.rebuild(ctx, col)
	return nil
}

// Get reads one entity. The local path serves from the in-memory document;
// tombstoned and absent entities both report document.ErrNotFound.
func (r *Router) Get(ctx context.Context, col document.Collection, id string) (document.Entity, error) {
	if r.local(col) {
		return r.store.Get(ctx, col, id)
	}
	if err := r.requireOnline(); err != nil {
		return nil, err
	}
	raws, err := r.remote.List(ctx, col, time.Time{})
	if err != nil {
		return nil, err
	}
	for _, raw := range raws {
		e, err := document.Decode(col, raw)
		if err != nil {
			continue
		}
		if e.EntityMeta().ID == id && !e.EntityMeta().Deleted() {
			return e, nil
		}
	}
	return nil, document.ErrNotFound
}

// List returns all live entities of a collection.
func (r *Router) List(ctx context.Context, col document.Collection) ([]document.Entity, error) {
	if r.local(col) {
		return r.store.List(ctx, col)
	}
	if err := r.requireOnline(); err != nil {
		return nil, err
	}
	raws, err := r.remote.List(ctx, col, time.Time{})
	if err != nil {
		return nil, err
	}
	var out []document.Entity
	for _, raw := range raws {
		e, err := document.Decode(col, raw)
		if err != nil {
			r.logger.Warn("skipping malformed remote record", "collection", col, "error", err)
			continue
		}
		if !e.EntityMeta().Deleted() {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListTransactions serves filtered, paginated transactions. The local path
// queries the SQLite projection; the remote path fetches and filters in
// memory, without the denormalized account and category fields.
func (r *Router) ListTransactions(ctx context.Context, p sqlindex.QueryParams) ([]sqlindex.TransactionRow, int, error) {
	if r.local(document.Transactions) {
		return r.index.Query(ctx, p)
	}
	if err := r.requireOnline(); err != nil {
		return nil, 0, err
	}

	raws, err := r.remote.List(ctx, document.Transactions, time.Time{})
	if err != nil {
		return nil, 0, err
	}
	var matched []sqlindex.TransactionRow
	for _, raw := range raws {
		e, err := document.Decode(document.Transactions, raw)
		if err != nil {
			continue
		}
		tx, ok := e.(*document.Transaction)
		if !ok || tx.Deleted() {
			continue
		}
		if !matchTransaction(tx, p) {
			continue
		}
		matched = append(matched, sqlindex.TransactionRow{
			ID:                   tx.ID,
			Amount:               tx.Amount,
			TransactionDatetime:  tx.TransactionDatetime,
			Description:          tx.Description,
			CategoryID:           tx.CategoryID,
			AccountID:            tx.AccountID,
			Type:                 string(tx.Type),
			DestinationAccountID: tx.DestinationAccountID,
			Currency:             tx.Currency,
			OriginalAmount:       tx.OriginalAmount,
			IsExternal:           tx.IsExternal,
		})
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].TransactionDatetime.After(matched[j].TransactionDatetime)
	})

	total := len(matched)
	size := p.PageSize
	if size <= 0 {
		size = sqlindex.DefaultPageSize
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * size
	if start >= total {
		return nil, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func matchTransaction(tx *document.Transaction, p sqlindex.QueryParams) bool {
	if p.AccountID != "" && tx.AccountID != p.AccountID && tx.DestinationAccountID != p.AccountID {
		return false
	}
	if p.CategoryID != "" && tx.CategoryID != p.CategoryID {
		return false
	}
	if p.Type != "" && string(tx.Type) != p.Type {
		return false
	}
	if p.Currency != "" && tx.Currency != p.Currency {
		return false
	}
	if !p.From.IsZero() && tx.TransactionDatetime.Before(p.From) {
		return false
	}
	if !p.To.IsZero() && tx.TransactionDatetime.After(p.To) {
		return false
	}
	if p.Search != "" && !strings.Contains(strings.ToLower(tx.Description), strings.ToLower(p.Search)) {
		return false
	}
	return true
}

// rebuild refreshes the query projection after a local write. Failures are
// logged and the previous projection keeps serving.
func (r *Router) rebuild(ctx context.Context, col document.Collection) {
	if col != document.Transactions && col != document.Accounts && col != document.Categories {
		return
	}
	if err := r.index.Rebuild(ctx, r.store.Current()); err != nil {
		r.logger.Warn("index rebuild failed after local write", "error", err)
	}
}
