// Package connectivity decides the operating mode of the offline-first
// stack: online, offline, or forced-offline. The mode gates when the
// synchronization engine may run; "can synchronize" additionally requires a
// valid credential from the auth collaborator.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Fantasy-programming/nuts-offline/auth"
)

// Mode is the tri-state operating mode.
type Mode string

const (
	ModeOnline        Mode = "online"
	ModeOffline       Mode = "offline"
	ModeForcedOffline Mode = "forced-offline"
)

// State is the queryable connectivity state; reading it never fails.
type State struct {
	Mode        Mode
	LastChecked time.Time
}

// Config tunes the reachability probe.
type Config struct {
	// ProbeURL receives a HEAD request; any HTTP response (404 included)
	// counts as reachable. Only transport failures mean offline.
	ProbeURL     string
	ProbeTimeout time.Duration
	Interval     time.Duration
}

// DefaultConfig probes the given URL every 30 seconds with a 5 second
// timeout.
func DefaultConfig(probeURL string) *Config {
	return &Config{
		ProbeURL:     probeURL,
		ProbeTimeout: 5 * time.Second,
		Interval:     30 * time.Second,
	}
}

// Controller evaluates connectivity from network change notifications, a
// fixed-interval probe and an explicit forced-offline override, which always
// wins.
type Controller struct {
	cfg    *Config
	auth   auth.Auth
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time

	forced  atomic.Bool
	trigger chan struct{}

	mu      sync.Mutex
	state   State
	subs    map[int]func(State)
	nextSub int
}

// NewController creates a controller in offline mode; the first probe
// settles the real state.
func NewController(cfg *Config, a auth.Auth, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		auth:    a,
		http:    &http.Client{Timeout: cfg.ProbeTimeout},
		logger:  logger,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
		state:   State{Mode: ModeOffline},
		subs:    map[int]func(State){},
	}
}

// Start runs the periodic probe loop until ctx is cancelled.
func (c *Controller) Start(ctx context.Context) {
	go func() {
		c.Refresh(ctx)
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Refresh(ctx)
			case <-c.trigger:
				c.Refresh(ctx)
			}
		}
	}()
}

// Refresh re-evaluates the mode immediately and returns the new state.
// Forced-offline short-circuits the probe.
func (c *Controller) Refresh(ctx context.Context) State {
	if c.forced.Load() {
		return c.setMode(ModeForcedOffline)
	}
	if c.probe(ctx) {
		return c.setMode(ModeOnline)
	}
	return c.setMode(ModeOffline)
}

// NotifyNetworkChange feeds an OS-level reachability notification. Going
// offline takes effect immediately; coming online schedules a probe to
// confirm the remote actually answers.
func (c *Controller) NotifyNetworkChange(online bool) {
	if c.forced.Load() {
		return
	}
	if !online {
		c.setMode(ModeOffline)
		return
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// SetForcedOffline toggles the explicit override.
func (c *Controller) SetForcedOffline(forced bool) {
	c.forced.Store(forced)
	if forced {
		c.setMode(ModeForcedOffline)
		return
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// State returns the current connectivity state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode { return c.State().Mode }

// CanSynchronize reports whether a sync cycle may run now: online mode, a
// sync-capable session, and an obtainable credential.
func (c *Controller) CanSynchronize(ctx context.Context) bool {
	if c.Mode() != ModeOnline {
		return false
	}
	if c.auth == nil || !c.auth.CanSync() {
		return false
	}
	_, err := c.auth.Credential(ctx)
	return err == nil
}

// Subscribe registers fn for mode transitions and returns an unsubscribe
// func. Callbacks run outside the controller's lock.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Controller) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (c *Controller) setMode(m Mode) State {
	c.mu.Lock()
	prev := c.state.Mode
	c.state = State{Mode: m, LastChecked: c.now()}
	st := c.state
	var fns []func(State)
	if prev != m {
		fns = make([]func(State), 0, len(c.subs))
		for _, fn := range c.subs {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	if prev != m {
		c.logger.Info("connectivity mode changed", "from", prev, "to", m)
		for _, fn := range fns {
			fn(st)
		}
	}
	return st
}
