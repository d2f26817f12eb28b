// Package events maintains the realtime update socket to the NVR: it
// dials the updates endpoint with the current session cookie, decodes the
// binary frame protocol, and supervises connection liveness with a
// heartbeat timer.
package events

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jlindqvist/protectd/internal/core/state"
)

// Session is the subset of the session manager the channel needs to dial.
type Session interface {
	EnsureLoggedIn(ctx context.Context) bool
	SessionHeaders() (csrfToken, cookie string)
}

// socketEventKind enumerates what the reader observed on the socket.
// Heartbeat timing and teardown decisions are plain transitions over
// these events rather than nested callbacks.
type socketEventKind int

const (
	socketOpened socketEventKind = iota
	socketFrame
	socketClosed
	socketFailed
)

type socketEvent struct {
	kind socketEventKind
	data []byte
	err  error
}

// Config holds channel settings.
type Config struct {
	// Address is the base https:// address of the controller.
	Address string
	// Heartbeat is the liveness window: if no frame of any kind arrives
	// within it, the connection is forcibly terminated.
	Heartbeat time.Duration
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
}

// Channel owns at most one live realtime connection to the NVR.
type Channel struct {
	address   string
	heartbeat time.Duration
	handshake time.Duration
	session   Session
	store     *state.SnapshotStore
	bus       *state.EventBus
	log       *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{}
	shutdown atomic.Bool
}

// NewChannel creates a channel supervisor. No connection is opened until
// Connect is called.
func NewChannel(cfg Config, session Session, store *state.SnapshotStore, bus *state.EventBus, log *slog.Logger) *Channel {
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = 30 * time.Second
	}
	hs := cfg.HandshakeTimeout
	if hs <= 0 {
		hs = 10 * time.Second
	}
	return &Channel{
		address:   cfg.Address,
		heartbeat: hb,
		handshake: hs,
		session:   session,
		store:     store,
		bus:       bus,
		log:       log,
	}
}

// Connected reports whether a realtime connection is currently live.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the realtime socket, resuming from the last known update
// cursor. It is a no-op when a connection is already live. On failure the
// handle stays clear and false is returned; the next bootstrap cycle is
// expected to retry.
func (c *Channel) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	if !c.session.EnsureLoggedIn(ctx) {
		return false
	}

	wsURL := c.updatesURL()
	header := http.Header{}
	if _, cookie := c.session.SessionHeaders(); cookie != "" {
		header.Set("Cookie", cookie)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.handshake,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed appliance cert
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			c.log.Error("unable to open realtime connection", "url", wsURL, "status", resp.StatusCode, "error", err)
		} else {
			c.log.Error("unable to open realtime connection", "url", wsURL, "error", err)
		}
		return false
	}

	events := make(chan socketEvent, 32)
	done := make(chan struct{})

	c.mu.Lock()
	if c.conn != nil {
		// Lost the race to another caller; never hold two connections.
		c.mu.Unlock()
		conn.Close()
		return true
	}
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	// Protocol-level pings count as traffic for liveness purposes.
	conn.SetPingHandler(func(appData string) error {
		select {
		case events <- socketEvent{kind: socketFrame}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	go c.readLoop(conn, events, done)
	go c.supervise(conn, events, done)

	events <- socketEvent{kind: socketOpened}

	c.log.Info("realtime connection established", "nvr", c.store.NVR().Name)
	c.store.SetConnected(true)
	return true
}

// Disconnect terminates the current connection, if any, and waits for its
// supervisor to settle. Safe to call when no connection is open.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	if done != nil {
		<-done
	}
}

// Shutdown terminates the connection for good; close-before-established
// errors observed after this point are expected and suppressed.
func (c *Channel) Shutdown() {
	c.shutdown.Store(true)
	c.Disconnect()
}

func (c *Channel) updatesURL() string {
	base := c.address
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + base[len("https://"):]
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + base[len("http://"):]
	}
	return base + "/proxy/protect/ws/updates?lastUpdateId=" + url.QueryEscape(c.store.LastUpdateID())
}

func (c *Channel) readLoop(conn *websocket.Conn, events chan<- socketEvent, done <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			ev := socketEvent{kind: socketFailed, err: err}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ev = socketEvent{kind: socketClosed}
			}
			select {
			case events <- ev:
			case <-done:
			}
			return
		}

		select {
		case events <- socketEvent{kind: socketFrame, data: data}:
		case <-done:
			return
		}
	}
}

// supervise owns the liveness timer for one connection. Any inbound event
// resets it; expiry or a socket error tears the connection down and clears
// the handle so the next Connect can proceed.
func (c *Channel) supervise(conn *websocket.Conn, events <-chan socketEvent, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(c.heartbeat)
	defer timer.Stop()

	for {
		select {
		case ev := <-events:
			switch ev.kind {
			case socketOpened, socketFrame:
				if len(ev.data) > 0 {
					c.handleFrame(ev.data)
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.heartbeat)

			case socketClosed:
				c.log.Info("realtime connection closed by server", "nvr", c.store.NVR().Name)
				c.teardown(conn)
				return

			case socketFailed:
				if c.shutdown.Load() && isExpectedCloseErr(ev.err) {
					c.log.Debug("realtime connection closed during shutdown")
				} else {
					c.log.Error("realtime connection error", "error", ev.err, "nvr", c.store.NVR().Name)
				}
				c.teardown(conn)
				return
			}

		case <-timer.C:
			c.log.Error("no realtime traffic within heartbeat window, terminating connection",
				"window", c.heartbeat, "nvr", c.store.NVR().Name)
			c.teardown(conn)
			return
		}
	}
}

// teardown forcibly closes the connection and clears the handle. No close
// handshake: a hung peer may never acknowledge one.
func (c *Channel) teardown(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.done = nil
	}
	c.mu.Unlock()

	c.store.SetConnected(false)
}

func (c *Channel) handleFrame(data []byte) {
	pkt, err := DecodeMessage(data)
	if err != nil {
		c.log.Debug("discarding undecodable realtime frame", "error", err, "bytes", len(data))
		return
	}
	c.bus.Publish(state.Event{Type: state.EventUpdate, Data: pkt})
}

// isExpectedCloseErr matches errors produced when we close the socket out
// from under the reader before or while it establishes.
func isExpectedCloseErr(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseAbnormalClosure)
}
