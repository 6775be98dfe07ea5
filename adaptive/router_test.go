package adaptive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Fantasy-programming/nuts-offline/connectivity"
	"github.com/Fantasy-programming/nuts-offline/document"
	"github.com/Fantasy-programming/nuts-offline/flags"
	"github.com/Fantasy-programming/nuts-offline/localdb"
	"github.com/Fantasy-programming/nuts-offline/remote"
	"github.com/Fantasy-programming/nuts-offline/sqlindex"
	"github.com/Fantasy-programming/nuts-offline/syncer"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, fl flags.Snapshot, handler http.Handler, ctrl *connectivity.Controller) (*Router, *syncer.Engine, *document.Store) {
	t.Helper()
	db, err := localdb.Open(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := document.NewStore(db, "device-local", nil)
	require.NoError(t, err)
	require.NoError(t, store.Load(context.Background()))

	ix, err := sqlindex.New(db, nil)
	require.NoError(t, err)

	var client *remote.Client
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		client = remote.NewClient(srv.URL, func(ctx context.Context) (string, error) {
			return "tok", nil
		}, nil)
	}

	eng := syncer.NewEngine(db, store, ix, client, nil, nil, fl, nil, nil)
	return NewRouter(store, ix, eng, client, ctrl, fl, nil), eng, store
}

func TestCreateLocalPathStoresQueuesAndIndexes(t *testing.T) {
	r, eng, store := newTestRouter(t, flags.Default(), nil, nil)
	ctx := context.Background()

	created, err := r.Create(ctx, document.Transactions, &document.Transaction{
		Amount:              -15,
		TransactionDatetime: time.Now(),
		Description:         "Lunch",
		AccountID:           "acc-1",
		Type:                document.TypeExpense,
		Currency:            "USD",
	})
	require.NoError(t, err)
	id := created.EntityMeta().ID
	require.NotEmpty(t, id, "missing ids are assigned")

	_, err = store.Get(ctx, document.Transactions, id)
	require.NoError(t, err)

	n, err := eng.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, total, err := r.ListTransactions(ctx, sqlindex.QueryParams{Search: "lunch"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, id, rows[0].ID)
}

func TestDeleteLocalPathTombstonesAndQueues(t *testing.T) {
	r, eng, store := newTestRouter(t, flags.Default(), nil, nil)
	ctx := context.Background()

	created, err := r.Create(ctx, document.Accounts, &document.Account{
		Name: "Cash", Currency: "USD",
	})
	require.NoError(t, err)
	id := created.EntityMeta().ID

	require.NoError(t, r.Delete(ctx, document.Accounts, id))

	_, err = store.Get(ctx, document.Accounts, id)
	require.ErrorIs(t, err, document.ErrNotFound)

	n, err := eng.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n, "the create and the delete are both queued")
}

func TestDeleteMissingEntityFails(t *testing.T) {
	r, _, _ := newTestRouter(t, flags.Default(), nil, nil)
	require.ErrorIs(t,
		r.Delete(context.Background(), document.Accounts, "nope"),
		document.ErrNotFound)
}

func TestRemotePathWhenEntityNotOfflineEnabled(t *testing.T) {
	var posts []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts = append(posts, r.URL.Path)
		}
	})

	fl := flags.Default()
	fl.Transactions = false
	r, eng, store := newTestRouter(t, fl, handler, nil)
	ctx := context.Background()

	_, err := r.Create(ctx, document.Transactions, &document.Transaction{
		Amount:              -15,
		TransactionDatetime: time.Now(),
		Description:         "Lunch",
		AccountID:           "acc-1",
		Type:                document.TypeExpense,
		Currency:            "USD",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/transactions"}, posts)

	// Nothing local happened.
	all, err := store.List(ctx, document.Transactions)
	require.NoError(t, err)
	require.Empty(t, all)
	n, err := eng.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRemotePathFailsFastOffline(t *testing.T) {
	// Probe target that is already gone: the controller stays offline.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	ctrl := connectivity.NewController(connectivity.DefaultConfig(dead.URL), nil, nil)

	fl := flags.Default()
	fl.Transactions = false
	r, _, _ := newTestRouter(t, fl, http.NotFoundHandler(), ctrl)

	_, err := r.Create(context.Background(), document.Transactions, &document.Transaction{
		Amount:              -15,
		TransactionDatetime: time.Now(),
		Description:         "Lunch",
		AccountID:           "acc-1",
		Type:                document.TypeExpense,
		Currency:            "USD",
	})
	require.ErrorIs(t, err, ErrUnavailableOffline)
}

func TestListTransactionsRemotePathFiltersAndPages(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var records []json.RawMessage
	types := []document.TransactionType{document.TypeExpense, document.TypeExpense, document.TypeExpense, document.TypeIncome}
	for i, desc := range []string{"Coffee", "Groceries", "Coffee beans", "Salary"} {
		raw, err := json.Marshal(&document.Transaction{
			Meta: document.Meta{
				ID:        "t" + string(rune('1'+i)),
				CreatedAt: base.Add(time.Duration(i) * time.Hour),
				UpdatedAt: base.Add(time.Duration(i) * time.Hour),
			},
			Amount:              -10,
			TransactionDatetime: base.Add(time.Duration(i) * time.Hour),
			Description:         desc,
			AccountID:           "acc-1",
			Type:                types[i],
			Currency:            "USD",
		})
		require.NoError(t, err)
		records = append(records, raw)
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(records))
	})

	fl := flags.Default()
	fl.Transactions = false
	r, _, _ := newTestRouter(t, fl, handler, nil)
	ctx := context.Background()

	rows, total, err := r.ListTransactions(ctx, sqlindex.QueryParams{Search: "coffee"})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, rows, 2)
	require.Equal(t, "Coffee beans", rows[0].Description, "most recent first")

	rows, total, err = r.ListTransactions(ctx, sqlindex.QueryParams{Type: "income"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "Salary", rows[0].Description)
	require.Equal(t, "income", rows[0].Type)

	rows, total, err = r.ListTransactions(ctx, sqlindex.QueryParams{Page: 2, PageSize: 3})
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.Len(t, rows, 1)
	require.Equal(t, "Coffee", rows[0].Description)
}
