// Package nvr ties the session manager, request gateway, snapshot store
// and realtime channel together into one client per controller.
package nvr

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jlindqvist/protectd/internal/core/auth"
	"github.com/jlindqvist/protectd/internal/core/events"
	"github.com/jlindqvist/protectd/internal/core/state"
	"github.com/jlindqvist/protectd/internal/core/transport"
)

// Config holds client settings for one controller. One client instance
// talks to exactly one NVR.
type Config struct {
	Address  string
	Username string
	Password string

	RequestTimeout  time.Duration
	ErrorLimit      uint
	RetryInterval   time.Duration
	RefreshInterval time.Duration
	Heartbeat       time.Duration
	// BootstrapInterval is the cadence of the periodic inventory refresh
	// driven by Start.
	BootstrapInterval time.Duration
}

// Client is a resilient client for one NVR: it keeps a session alive,
// synchronizes the device inventory, and supervises the realtime channel.
type Client struct {
	address string
	poll    time.Duration
	log     *slog.Logger

	session *auth.Manager
	gateway *transport.Gateway
	store   *state.SnapshotStore
	channel *events.Channel
	bus     *state.EventBus

	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
	mu      sync.Mutex
}

// New wires up a client. No network traffic happens until Refresh or
// Start is called.
func New(cfg Config, log *slog.Logger) *Client {
	bus := state.NewEventBus(log)
	store := state.NewSnapshotStore(bus, log)

	session := auth.NewManager(auth.Config{
		Address:         cfg.Address,
		Credentials:     auth.Credentials{Username: cfg.Username, Password: cfg.Password},
		RefreshInterval: cfg.RefreshInterval,
	}, log)

	gateway := transport.NewGateway(transport.GatewayConfig{
		NVR:            cfg.Address,
		RequestTimeout: cfg.RequestTimeout,
		ErrorLimit:     cfg.ErrorLimit,
		RetryInterval:  cfg.RetryInterval,
	}, session, log)
	session.SetSender(gateway)

	channel := events.NewChannel(events.Config{
		Address:   cfg.Address,
		Heartbeat: cfg.Heartbeat,
	}, session, store, bus, log)

	// Clearing the session always tears down the realtime connection too.
	session.OnClear(channel.Disconnect)

	poll := cfg.BootstrapInterval
	if poll <= 0 {
		poll = time.Minute
	}

	return &Client{
		address: cfg.Address,
		poll:    poll,
		log:     log,
		session: session,
		gateway: gateway,
		store:   store,
		channel: channel,
		bus:     bus,
	}
}

// Refresh fetches the bootstrap inventory snapshot, diffs it against the
// prior one, recomputes administrative privilege, and (re)establishes the
// realtime channel. On any failure the session is cleared so the next
// call re-authenticates from scratch, and false is returned.
func (c *Client) Refresh(ctx context.Context) bool {
	if !c.session.EnsureLoggedIn(ctx) {
		return false
	}

	reply := c.gateway.Send(ctx, http.MethodGet, c.address+"/proxy/protect/api/bootstrap", nil, transport.SendOptions{})
	if !reply.OK() {
		c.log.Error("bootstrap fetch failed", "outcome", reply.Outcome.String(), "nvr", c.address)
		c.session.Clear()
		return false
	}

	var boot state.Bootstrap
	if err := json.Unmarshal(reply.Body, &boot); err != nil {
		c.log.Error("unable to decode bootstrap payload", "error", err, "nvr", c.address)
		c.session.Clear()
		return false
	}
	if boot.Cameras == nil {
		c.log.Error("bootstrap payload missing device list", "nvr", c.address)
		c.session.Clear()
		return false
	}

	c.store.Replace(boot)
	c.updateAdmin(boot)

	c.channel.Connect(ctx)
	return true
}

// updateAdmin derives camera write privilege from the authenticated
// user's permission strings. A transition after the first determination
// is reported distinctly from the determination itself.
func (c *Client) updateAdmin(boot state.Bootstrap) {
	admin := false
	for _, u := range boot.Users {
		if u.ID == boot.AuthUserID {
			admin = u.CanWriteCameras()
			break
		}
	}

	changed, first := c.session.SetAdmin(admin)
	switch {
	case first:
		c.log.Info("administrative privilege determined", "admin", admin, "nvr", boot.NVR.Name)
	case changed:
		c.log.Info("administrative privilege changed", "admin", admin, "nvr", boot.NVR.Name)
		c.bus.Publish(state.Event{Type: state.EventAdminChanged, Data: admin})
	}
}

// UpdateDevice pushes an opaque partial update to a camera and returns
// the updated record. Non-admin callers are rejected locally before any
// traffic is sent.
func (c *Client) UpdateDevice(ctx context.Context, id string, patch []byte) (*state.Device, bool) {
	if !c.session.EnsureLoggedIn(ctx) {
		return nil, false
	}
	if !c.session.IsAdmin() {
		c.log.Error("rejecting device update: user lacks camera write permission", "device", id, "nvr", c.address)
		return nil, false
	}

	reply := c.gateway.Send(ctx, http.MethodPatch, c.address+"/proxy/protect/api/cameras/"+id, patch, transport.SendOptions{Raw: true})
	if !reply.OK() || reply.Status != http.StatusOK {
		c.log.Error("device update failed", "device", id, "status", reply.Status,
			"outcome", reply.Outcome.String(), "nvr", c.address)
		return nil, false
	}

	var dev state.Device
	if err := json.Unmarshal(reply.Body, &dev); err != nil {
		c.log.Error("unable to decode updated device record", "device", id, "error", err)
		return nil, false
	}

	c.store.Update(dev)
	return &dev, true
}

// EnableRTSPChannels rewrites a camera's channel list so that exactly the
// given channel IDs are enabled for streaming, and pushes it back to the
// server.
func (c *Client) EnableRTSPChannels(ctx context.Context, mac string, channelIDs []int) (*state.Device, bool) {
	dev, ok := c.store.Device(mac)
	if !ok {
		c.log.Error("unknown device", "mac", mac, "nvr", c.address)
		return nil, false
	}

	want := make(map[int]bool, len(channelIDs))
	for _, id := range channelIDs {
		want[id] = true
	}

	channels := make([]state.Channel, len(dev.Channels))
	copy(channels, dev.Channels)
	for i := range channels {
		channels[i].Enabled = want[channels[i].ID]
		channels[i].IsRTSPEnabled = want[channels[i].ID]
	}

	patch, err := json.Marshal(map[string]any{"channels": channels})
	if err != nil {
		c.log.Error("unable to encode channel update", "mac", mac, "error", err)
		return nil, false
	}
	return c.UpdateDevice(ctx, dev.ID, patch)
}

// Start launches the periodic refresh loop. The first refresh happens
// immediately.
func (c *Client) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.stopped = make(chan struct{})
	stopped := c.stopped
	c.mu.Unlock()

	go func() {
		defer close(stopped)

		c.Refresh(ctx)

		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Refresh(ctx)
			}
		}
	}()
}

// Stop halts the refresh loop and shuts down the realtime connection and
// any pending heartbeat supervision. Safe to call even if Start never ran.
func (c *Client) Stop() {
	if c.running.CompareAndSwap(true, false) {
		c.mu.Lock()
		cancel, stopped := c.cancel, c.stopped
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if stopped != nil {
			<-stopped
		}
	}
	c.channel.Shutdown()
}

// Store exposes the inventory snapshot store.
func (c *Client) Store() *state.SnapshotStore {
	return c.store
}

// Bus exposes the event bus for subscribers.
func (c *Client) Bus() *state.EventBus {
	return c.bus
}

// Session exposes the session manager.
func (c *Client) Session() *auth.Manager {
	return c.session
}

// Connected reports whether the realtime channel is live.
func (c *Client) Connected() bool {
	return c.channel.Connected()
}
