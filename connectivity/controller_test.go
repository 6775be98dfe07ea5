package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Fantasy-programming/nuts-offline/auth"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	canSync bool
	credErr error
}

func (f *fakeAuth) IsAuthenticated() bool { return f.canSync }
func (f *fakeAuth) CanSync() bool         { return f.canSync }
func (f *fakeAuth) Credential(ctx context.Context) (string, error) {
	return "tok", f.credErr
}
func (f *fakeAuth) OnCredentialExpired(fn func()) {}

func newTestController(t *testing.T, probeURL string, a auth.Auth) *Controller {
	t.Helper()
	cfg := DefaultConfig(probeURL)
	cfg.ProbeTimeout = time.Second
	return NewController(cfg, a, nil)
}

func TestRefreshProbeOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, &fakeAuth{canSync: true})
	require.Equal(t, ModeOffline, c.Mode(), "starts offline until probed")

	st := c.Refresh(context.Background())
	require.Equal(t, ModeOnline, st.Mode)
	require.False(t, st.LastChecked.IsZero())
}

func TestRefreshAnyResponseMeansReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, &fakeAuth{canSync: true})
	require.Equal(t, ModeOnline, c.Refresh(context.Background()).Mode)
}

func TestRefreshTransportFailureMeansOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestController(t, srv.URL, &fakeAuth{canSync: true})
	require.Equal(t, ModeOffline, c.Refresh(context.Background()).Mode)
}

func TestForcedOfflineAlwaysWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestController(t, srv.URL, &fakeAuth{canSync: true})
	c.SetForcedOffline(true)

	// The probe would succeed, but forced mode short-circuits it.
	require.Equal(t, ModeForcedOffline, c.Refresh(context.Background()).Mode)
	require.False(t, c.CanSynchronize(context.Background()))

	c.NotifyNetworkChange(true)
	require.Equal(t, ModeForcedOffline, c.Mode())

	c.SetForcedOffline(false)
	require.Equal(t, ModeOnline, c.Refresh(context.Background()).Mode)
}

func TestNotifyNetworkChangeOfflineImmediate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestController(t, srv.URL, &fakeAuth{canSync: true})
	c.Refresh(context.Background())
	require.Equal(t, ModeOnline, c.Mode())

	c.NotifyNetworkChange(false)
	require.Equal(t, ModeOffline, c.Mode())
}

func TestCanSynchronizeRequiresAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx := context.Background()

	noSession := newTestController(t, srv.URL, &fakeAuth{canSync: false})
	noSession.Refresh(ctx)
	require.False(t, noSession.CanSynchronize(ctx))

	deadCred := newTestController(t, srv.URL, &fakeAuth{canSync: true, credErr: auth.ErrCredentialExpired})
	deadCred.Refresh(ctx)
	require.False(t, deadCred.CanSynchronize(ctx))

	ok := newTestController(t, srv.URL, &fakeAuth{canSync: true})
	ok.Refresh(ctx)
	require.True(t, ok.CanSynchronize(ctx))
}

func TestSubscribeNotifiesOnTransition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestController(t, srv.URL, &fakeAuth{canSync: true})

	var modes []Mode
	unsub := c.Subscribe(func(st State) { modes = append(modes, st.Mode) })

	ctx := context.Background()
	c.Refresh(ctx) // offline -> online
	c.Refresh(ctx) // no transition, no callback
	c.NotifyNetworkChange(false)
	require.Equal(t, []Mode{ModeOnline, ModeOffline}, modes)

	unsub()
	c.Refresh(ctx)
	require.Len(t, modes, 2)
}
