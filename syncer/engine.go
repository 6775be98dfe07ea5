package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Fantasy-programming/nuts-offline/auth"
	"github.com/Fantasy-programming/nuts-offline/connectivity"
	"github.com/Fantasy-programming/nuts-offline/document"
	"github.com/Fantasy-programming/nuts-offline/flags"
	"github.com/Fantasy-programming/nuts-offline/remote"
	"github.com/Fantasy-programming/nuts-offline/sqlindex"
)

// Config controls engine timing.
type Config struct {
	// Interval between periodic sync cycles started by Start.
	Interval time.Duration
}

// DefaultConfig returns the timing used in production.
func DefaultConfig() *Config {
	return &Config{Interval: 30 * time.Second}
}

// Status is a point-in-time summary of the engine. It is always available,
// even while offline or mid-cycle.
type Status struct {
	Pending    int
	Conflicts  int
	Syncing    bool
	LastSyncAt time.Time
	LastError  string
}

// Engine runs the push/pull synchronization cycle against the remote API.
// Outbound mutations are queued durably and survive restarts; cycles are
// single-flight and skipped entirely while the mode controller reports the
// replica cannot synchronize.
type Engine struct {
	db     *sql.DB
	store  *document.Store
	index  *sqlindex.Index
	remote *remote.Client
	ctrl   *connectivity.Controller
	auth   auth.Auth
	flags  flags.Snapshot
	cfg    *Config
	logger *slog.Logger
	now    func() time.Time

	inFlight atomic.Bool
	trigger  chan struct{}

	cancelMu    sync.Mutex
	cancelCycle context.CancelFunc

	statusMu   sync.Mutex
	lastSyncAt time.Time
	lastErr    error
	subs       map[int]func(Status)
	nextSub    int
}

// NewEngine wires an engine. The controller subscription kicks a cycle as
// soon as the replica comes back online and aborts the in-flight cycle when
// the user forces offline mode. A nil cfg or logger picks defaults.
func NewEngine(db *sql.DB, store *document.Store, index *sqlindex.Index, rc *remote.Client,
	ctrl *connectivity.Controller, a auth.Auth, fl flags.Snapshot, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		db:      db,
		store:   store,
		index:   index,
		remote:  rc,
		ctrl:    ctrl,
		auth:    a,
		flags:   fl,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
		subs:    make(map[int]func(Status)),
	}
	if ctrl != nil {
		ctrl.Subscribe(func(st connectivity.State) {
			switch st.Mode {
			case connectivity.ModeOnline:
				e.kick()
			case connectivity.ModeForcedOffline:
				e.abortCycle()
			}
		})
	}
	if a != nil {
		a.OnCredentialExpired(e.abortCycle)
	}
	return e
}

// Start runs the periodic sync loop until ctx is cancelled. Cycles also run
// when Enqueue or a mode transition kicks the trigger.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-e.trigger:
			}
			if err := e.RunCycle(ctx); err != nil {
				e.logger.Warn("sync cycle failed", "error", err)
			}
		}
	}()
}

// kick schedules a cycle without blocking; a cycle already pending absorbs it.
func (e *Engine) kick() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// abortCycle cancels the in-flight cycle, if any. Queue items not yet pushed
// simply stay queued.
func (e *Engine) abortCycle() {
	e.cancelMu.Lock()
	cancel := e.cancelCycle
	e.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RunCycle performs one push-then-pull cycle. It is a no-op when sync is
// disabled, the replica cannot synchronize, or a cycle is already running.
// Remote data never lands in the store while a cycle is aborted midway; the
// pull applies its batch atomically at the end.
func (e *Engine) RunCycle(ctx context.Context) error {
	if !e.flags.SyncEnabled || !e.flags.OfflineFirstEnabled {
		return nil
	}
	if e.ctrl != nil && !e.ctrl.CanSynchronize(ctx) {
		return nil
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer e.inFlight.Store(false)

	cctx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancelCycle = cancel
	e.cancelMu.Unlock()
	defer func() {
		cancel()
		e.cancelMu.Lock()
		e.cancelCycle = nil
		e.cancelMu.Unlock()
	}()

	started := e.now()
	e.logger.Debug("sync cycle started")

	if err := e.push(cctx); err != nil {
		e.finishCycle(ctx, started, err)
		return err
	}
	mutated, err := e.pull(cctx)
	if mutated {
		if rerr := e.index.Rebuild(cctx, e.store.Current()); rerr != nil {
			e.logger.Warn("index rebuild failed, previous projection stays queryable", "error", rerr)
		}
	}
	e.finishCycle(ctx, started, err)
	return err
}

func (e *Engine) finishCycle(ctx context.Context, started time.Time, err error) {
	e.statusMu.Lock()
	if err == nil {
		e.lastSyncAt = started
	}
	e.lastErr = err
	subs := make([]func(Status), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.statusMu.Unlock()

	if err != nil {
		e.logger.Warn("sync cycle finished with error", "error", err)
	} else {
		e.logger.Debug("sync cycle finished")
	}
	if len(subs) > 0 {
		st := e.Status(ctx)
		for _, fn := range subs {
			fn(st)
		}
	}
}

// push sends queued mutations oldest first. A failed item stays queued and
// does not block the rest; an authentication failure halts the whole cycle
// so no further requests hammer the server with a dead credential.
func (e *Engine) push(ctx context.Context) error {
	items, err := e.loadQueue(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !e.flags.EntityEnabled(it.Collection) {
			continue
		}
		err := e.pushItem(ctx, it)
		switch {
		case err == nil:
			if err := e.ackItem(ctx, it); err != nil {
				return err
			}
		case errors.Is(err, remote.ErrAuthRequired):
			return err
		default:
			e.logger.Warn("push failed, item stays queued",
				"op", it.Op, "collection", it.Collection, "entity_id", it.EntityID, "error", err)
		}
	}
	return nil
}

func (e *Engine) pushItem(ctx context.Context, it QueueItem) error {
	switch it.Op {
	case OpCreate:
		err := e.remote.Create(ctx, it.Collection, it.Payload)
		if remote.IsConflict(err) {
			// Already created on a previous attempt whose ack was lost.
			return e.remote.Update(ctx, it.Collection, it.EntityID, it.Payload)
		}
		return err
	case OpUpdate:
		err := e.remote.Update(ctx, it.Collection, it.EntityID, it.Payload)
		if remote.IsNotFound(err) {
			return e.remote.Create(ctx, it.Collection, it.Payload)
		}
		return err
	case OpDelete:
		err := e.remote.Delete(ctx, it.Collection, it.EntityID)
		if remote.IsNotFound(err) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown queued operation %q", it.Op)
	}
}

type baselineUpdate struct {
	col document.Collection
	id  string
	ts  time.Time
}

// pull fetches remote changes since the last successful pull and applies
// them through the merge rule. True divergences are recorded as conflicts
// instead of being applied. The whole batch lands in one store merge, so an
// abort or failure leaves the local document untouched.
func (e *Engine) pull(ctx context.Context) (bool, error) {
	since := e.lastPullAt(ctx)
	started := e.now()

	batch := document.NewDocument()
	var baselines []baselineUpdate
	applied := 0

	for _, col := range document.Collections {
		if !e.flags.EntityEnabled(col) {
			continue
		}
		raws, err := e.fetch(ctx, col, since)
		if err != nil {
			return false, err
		}
		for _, raw := range raws {
			entity, err := document.Decode(col, raw)
			if err != nil {
				e.logger.Warn("skipping malformed remote record", "collection", col, "error", err)
				continue
			}
			rm := entity.EntityMeta()
			if rm.ID == "" {
				continue
			}

			local, exists := e.store.Lookup(ctx, col, rm.ID)
			if !exists {
				if err := batch.Set(col, entity); err != nil {
					return false, err
				}
				baselines = append(baselines, baselineUpdate{col, rm.ID, rm.UpdatedAt})
				applied++
				continue
			}

			base := e.baseline(ctx, col, rm.ID)
			if base.IsZero() {
				// No recorded common version yet (data predating sync, or
				// the same id created on two devices). Fall back to
				// timestamp order and let the merge rule pick the winner.
				if !rm.UpdatedAt.After(local.EntityMeta().UpdatedAt) {
					continue
				}
				if err := batch.Set(col, entity); err != nil {
					return false, err
				}
				baselines = append(baselines, baselineUpdate{col, rm.ID, rm.UpdatedAt})
				applied++
				continue
			}
			if !rm.UpdatedAt.After(base) {
				// Stale echo of a version this replica already knows.
				continue
			}
			if local.EntityMeta().UpdatedAt.Equal(base) {
				// Remote moved on, local did not: clean fast-forward.
				if err := batch.Set(col, entity); err != nil {
					return false, err
				}
				baselines = append(baselines, baselineUpdate{col, rm.ID, rm.UpdatedAt})
				applied++
				continue
			}
			// Both sides changed since the last common version.
			if err := e.recordConflict(ctx, col, rm.ID, local, entity); err != nil {
				return false, err
			}
			e.logger.Info("conflict detected", "collection", col, "entity_id", rm.ID)
		}
	}

	if applied > 0 {
		if err := e.store.MergeSnapshot(ctx, batch); err != nil {
			return false, err
		}
		for _, b := range baselines {
			if err := e.setBaseline(ctx, b.col, b.id, b.ts); err != nil {
				return true, err
			}
		}
	}
	if err := e.setLastPullAt(ctx, started); err != nil {
		return applied > 0, err
	}
	return applied > 0, nil
}

// fetch lists a collection incrementally, falling back to a full fetch when
// the incremental request fails for anything other than auth or cancellation.
func (e *Engine) fetch(ctx context.Context, col document.Collection, since time.Time) ([]json.RawMessage, error) {
	raws, err := e.remote.List(ctx, col, since)
	if err == nil || since.IsZero() {
		return raws, err
	}
	if errors.Is(err, remote.ErrAuthRequired) || ctx.Err() != nil {
		return nil, err
	}
	e.logger.Warn("incremental fetch failed, retrying with full fetch", "collection", col, "error", err)
	return e.remote.List(ctx, col, time.Time{})
}

// ResolveConflict settles a recorded conflict. keep-local re-queues the local
// version for push; keep-remote adopts the remote version locally without
// queueing anything; merged stores the caller-built entity and queues it.
// The conflict row is removed on success.
func (e *Engine) ResolveConflict(ctx context.Context, id string, res Resolution, merged document.Entity) error {
	c, err := e.getConflict(ctx, id)
	if err != nil {
		return err
	}

	switch res {
	case KeepLocal:
		localEnt, err := document.Decode(c.Collection, c.Local)
		if err != nil {
			return fmt.Errorf("failed to decode local version: %w", err)
		}
		if err := e.Enqueue(ctx, OpUpdate, c.Collection, localEnt); err != nil {
			return err
		}
		// The overridden remote version is now known; without this the next
		// pull would re-record the same conflict.
		if remoteEnt, derr := document.Decode(c.Collection, c.Remote); derr == nil {
			if err := e.setBaseline(ctx, c.Collection, c.EntityID, remoteEnt.EntityMeta().UpdatedAt); err != nil {
				return err
			}
		}
	case KeepRemote:
		remoteEnt, err := document.Decode(c.Collection, c.Remote)
		if err != nil {
			return fmt.Errorf("failed to decode remote version: %w", err)
		}
		if err := e.adopt(ctx, c.Collection, remoteEnt); err != nil {
			return err
		}
	case KeepMerged:
		if merged == nil {
			return fmt.Errorf("merged resolution requires an entity")
		}
		stored, err := e.adoptStored(ctx, c.Collection, merged)
		if err != nil {
			return err
		}
		if err := e.Enqueue(ctx, OpUpdate, c.Collection, stored); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown resolution %q", res)
	}

	if err := e.deleteConflict(ctx, id); err != nil {
		return err
	}
	// keep-remote and merged changed the store, so the projection must follow.
	if res != KeepLocal {
		if rerr := e.index.Rebuild(ctx, e.store.Current()); rerr != nil {
			e.logger.Warn("index rebuild failed, previous projection stays queryable", "error", rerr)
		}
	}
	e.logger.Info("conflict resolved", "collection", c.Collection, "entity_id", c.EntityID, "resolution", res)
	return nil
}

// adopt writes an entity through the store with a fresh timestamp so the
// merge rule picks it over the current local version.
func (e *Engine) adopt(ctx context.Context, col document.Collection, entity document.Entity) error {
	_, err := e.adoptStored(ctx, col, entity)
	return err
}

func (e *Engine) adoptStored(ctx context.Context, col document.Collection, entity document.Entity) (document.Entity, error) {
	clone := entity.Clone()
	m := clone.EntityMeta()
	m.UpdatedAt = time.Time{}
	stored, err := e.store.Put(ctx, col, clone)
	if err != nil {
		return nil, err
	}
	if err := e.setBaseline(ctx, col, m.ID, stored.EntityMeta().UpdatedAt); err != nil {
		return nil, err
	}
	return stored, nil
}

// Status reports queue depth, conflict count and the last cycle outcome. It
// never fails; counts degrade to zero if the local database is unreadable.
func (e *Engine) Status(ctx context.Context) Status {
	pending, err := e.PendingCount(ctx)
	if err != nil {
		e.logger.Warn("failed to count pending mutations", "error", err)
	}
	conflicts, err := e.ConflictCount(ctx)
	if err != nil {
		e.logger.Warn("failed to count conflicts", "error", err)
	}

	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	st := Status{
		Pending:    pending,
		Conflicts:  conflicts,
		Syncing:    e.inFlight.Load(),
		LastSyncAt: e.lastSyncAt,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// Subscribe registers fn to run after every completed cycle. The returned
// function unsubscribes.
func (e *Engine) Subscribe(fn func(Status)) func() {
	e.statusMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.statusMu.Unlock()
	return func() {
		e.statusMu.Lock()
		delete(e.subs, id)
		e.statusMu.Unlock()
	}
}
