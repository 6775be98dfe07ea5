package document

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/Fantasy-programming/nuts-offline/localdb"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := localdb.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, "device-local", nil)
	require.NoError(t, err)
	require.NoError(t, s.Load(context.Background()))
	return s, db
}

func TestStorePutGetList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	stored, err := s.Put(ctx, Accounts, &Account{
		Meta:     Meta{ID: "a1"},
		Name:     "Checking",
		Currency: "USD",
	})
	require.NoError(t, err)
	require.False(t, stored.EntityMeta().UpdatedAt.IsZero(), "put must stamp updated_at")
	require.Equal(t, "device-local", stored.EntityMeta().ReplicaID)

	got, err := s.Get(ctx, Accounts, "a1")
	require.NoError(t, err)
	require.Equal(t, "Checking", got.(*Account).Name)

	all, err := s.List(ctx, Accounts)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = s.Get(ctx, Accounts, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStorePutValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Currency is required.
	_, err := s.Put(ctx, Accounts, &Account{Meta: Meta{ID: "a1"}, Name: "Checking"})
	require.ErrorIs(t, err, ErrValidation)

	// Wrong collection for the entity type.
	_, err = s.Put(ctx, Transactions, &Account{Meta: Meta{ID: "a1"}, Name: "Checking", Currency: "USD"})
	require.ErrorIs(t, err, ErrValidation)

	all, err := s.List(ctx, Accounts)
	require.NoError(t, err)
	require.Empty(t, all, "rejected puts must not land")
}

func TestStoreSoftDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, Categories, &Category{Meta: Meta{ID: "c1"}, Name: "Food", Color: "#fff"})
	require.NoError(t, err)

	require.NoError(t, s.SoftDelete(ctx, Categories, "c1"))

	_, err = s.Get(ctx, Categories, "c1")
	require.ErrorIs(t, err, ErrNotFound)

	// The tombstone stays visible to the sync engine.
	tomb, ok := s.Lookup(ctx, Categories, "c1")
	require.True(t, ok)
	require.True(t, tomb.EntityMeta().Deleted())

	require.ErrorIs(t, s.SoftDelete(ctx, Categories, "c1"), ErrNotFound)
	require.ErrorIs(t, s.SoftDelete(ctx, Categories, "nope"), ErrNotFound)
}

func TestStoreDeleteNotResurrectedByOlderWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	_, err := s.Put(ctx, Accounts, &Account{Meta: Meta{ID: "a1"}, Name: "Cash", Currency: "USD"})
	require.NoError(t, err)

	clock = base.Add(time.Minute)
	require.NoError(t, s.SoftDelete(ctx, Accounts, "a1"))

	// A concurrent write stamped before the delete arrives via merge.
	remote := NewDocument()
	require.NoError(t, remote.Set(Accounts, &Account{
		Meta:     Meta{ID: "a1", CreatedAt: base, UpdatedAt: base.Add(30 * time.Second), ReplicaID: "device-remote"},
		Name:     "Cash renamed",
		Currency: "USD",
	}))
	require.NoError(t, s.MergeSnapshot(ctx, remote))

	_, err = s.Get(ctx, Accounts, "a1")
	require.ErrorIs(t, err, ErrNotFound, "older write must not revive a tombstone")
}

func TestStoreMergeSnapshotIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	remote := NewDocument()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, remote.Set(Accounts, &Account{
		Meta:     Meta{ID: "a1", CreatedAt: ts, UpdatedAt: ts, ReplicaID: "device-remote"},
		Name:     "Savings",
		Currency: "EUR",
	}))

	require.NoError(t, s.MergeSnapshot(ctx, remote))
	first, err := s.Get(ctx, Accounts, "a1")
	require.NoError(t, err)

	require.NoError(t, s.MergeSnapshot(ctx, remote))
	second, err := s.Get(ctx, Accounts, "a1")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestStoreSnapshotSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")
	ctx := context.Background()

	db, err := localdb.Open(path)
	require.NoError(t, err)
	s, err := NewStore(db, "device-local", nil)
	require.NoError(t, err)
	require.NoError(t, s.Load(ctx))

	_, err = s.Put(ctx, Transactions, &Transaction{
		Meta:                Meta{ID: "t1"},
		Amount:              -12.5,
		TransactionDatetime: time.Now(),
		Description:         "Coffee",
		AccountID:           "a1",
		Type:                TypeExpense,
		Currency:            "USD",
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := localdb.Open(path)
	require.NoError(t, err)
	defer db2.Close()
	s2, err := NewStore(db2, "device-local", nil)
	require.NoError(t, err)
	require.NoError(t, s2.Load(ctx))

	got, err := s2.Get(ctx, Transactions, "t1")
	require.NoError(t, err)
	require.Equal(t, "Coffee", got.(*Transaction).Description)
}

func TestStorePersistFailureLeavesMemoryUnchanged(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, Accounts, &Account{Meta: Meta{ID: "a1"}, Name: "Cash", Currency: "USD"})
	require.NoError(t, err)

	require.NoError(t, db.Close())

	_, err = s.Put(ctx, Accounts, &Account{Meta: Meta{ID: "a2"}, Name: "New", Currency: "USD"})
	require.Error(t, err)

	// The failed put must not be visible in memory either.
	_, ok := s.Lookup(ctx, Accounts, "a2")
	require.False(t, ok)

	got, err := s.Get(ctx, Accounts, "a1")
	require.NoError(t, err)
	require.Equal(t, "Cash", got.(*Account).Name)
}

func TestStoreOnChange(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	calls := 0
	s.OnChange(func() { calls++ })

	_, err := s.Put(ctx, Accounts, &Account{Meta: Meta{ID: "a1"}, Name: "Cash", Currency: "USD"})
	require.NoError(t, err)
	require.NoError(t, s.SoftDelete(ctx, Accounts, "a1"))
	require.Equal(t, 2, calls)
}
