package state

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Channel is one video channel on a device. The channel list is the only
// part of a device this client rewrites and pushes back to the server.
type Channel struct {
	ID            int    `json:"id"`
	Name          string `json:"name,omitempty"`
	Enabled       bool   `json:"enabled"`
	IsRTSPEnabled bool   `json:"isRtspEnabled"`
	RTSPAlias     string `json:"rtspAlias,omitempty"`
}

// Device is one camera record from the bootstrap payload. Everything but
// the channel list is treated as immutable by this client.
type Device struct {
	ID        string    `json:"id"`
	MAC       string    `json:"mac"`
	Name      string    `json:"name,omitempty"`
	Type      string    `json:"type,omitempty"`
	Model     string    `json:"marketName,omitempty"`
	State     string    `json:"state,omitempty"`
	IsManaged bool      `json:"isManaged"`
	Channels  []Channel `json:"channels,omitempty"`
}

// User is one account record from the bootstrap payload.
type User struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	AllPermissions []string `json:"allPermissions,omitempty"`
}

// CanWriteCameras scans the user's permission strings for a camera-scope
// entry granting write access. "camera:read:*" is not enough;
// "camera:write,read:*" is.
func (u User) CanWriteCameras() bool {
	for _, perm := range u.AllPermissions {
		parts := strings.Split(perm, ":")
		if len(parts) < 2 || !strings.EqualFold(parts[0], "camera") {
			continue
		}
		for _, action := range strings.Split(parts[1], ",") {
			if strings.EqualFold(action, "write") {
				return true
			}
		}
	}
	return false
}

// NVRInfo identifies the controller itself.
type NVRInfo struct {
	ID      string `json:"id,omitempty"`
	MAC     string `json:"mac,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Bootstrap is the full inventory payload returned by the controller.
type Bootstrap struct {
	AuthUserID   string   `json:"authUserId"`
	LastUpdateID string   `json:"lastUpdateId"`
	Cameras      []Device `json:"cameras"`
	Users        []User   `json:"users,omitempty"`
	NVR          NVRInfo  `json:"nvr,omitempty"`
}

// Snapshot is a copy of the stored inventory.
type Snapshot struct {
	Devices      []Device `json:"devices"`
	LastUpdateID string   `json:"last_update_id"`
	NVR          NVRInfo  `json:"nvr"`
}

// Diff describes the device-level changes between two snapshots.
type Diff struct {
	Added   []Device
	Removed []Device
}

// EventType identifies event categories.
type EventType string

const (
	EventDeviceDiscovered EventType = "device_discovered"
	EventDeviceRemoved    EventType = "device_removed"
	EventAdminChanged     EventType = "admin_changed"
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventUpdate           EventType = "update"
)

// Event represents a state change.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	return ch, unsub
}

// --- SnapshotStore ---

// SnapshotStore holds the current device inventory. The snapshot is
// replaced wholesale on each successful bootstrap; the prior one is kept
// only long enough to compute the diff.
type SnapshotStore struct {
	mu           sync.RWMutex
	devices      []Device
	byMAC        map[string]Device
	lastUpdateID string
	nvr          NVRInfo
	connected    bool
	bus          *EventBus
	log          *slog.Logger
}

// NewSnapshotStore creates a store wired to the event bus.
func NewSnapshotStore(bus *EventBus, log *slog.Logger) *SnapshotStore {
	return &SnapshotStore{
		byMAC: make(map[string]Device),
		bus:   bus,
		log:   log,
	}
}

// Replace swaps in a new inventory snapshot, ordered by MAC, and returns
// the diff against the prior one. Discovery events are published only for
// devices the server manages; removal events for every device that
// disappeared.
func (s *SnapshotStore) Replace(boot Bootstrap) Diff {
	devices := make([]Device, len(boot.Cameras))
	copy(devices, boot.Cameras)
	sort.Slice(devices, func(i, j int) bool { return devices[i].MAC < devices[j].MAC })

	byMAC := make(map[string]Device, len(devices))
	for _, d := range devices {
		byMAC[d.MAC] = d
	}

	s.mu.Lock()
	var diff Diff
	for _, d := range devices {
		if _, ok := s.byMAC[d.MAC]; !ok {
			diff.Added = append(diff.Added, d)
		}
	}
	for _, d := range s.devices {
		if _, ok := byMAC[d.MAC]; !ok {
			diff.Removed = append(diff.Removed, d)
		}
	}
	s.devices = devices
	s.byMAC = byMAC
	s.lastUpdateID = boot.LastUpdateID
	s.nvr = boot.NVR
	s.mu.Unlock()

	for _, d := range diff.Added {
		if !d.IsManaged {
			continue
		}
		s.log.Info("discovered device", "device", d.Name, "mac", d.MAC, "nvr", boot.NVR.Name)
		s.bus.Publish(Event{Type: EventDeviceDiscovered, Data: d})
	}
	for _, d := range diff.Removed {
		s.log.Info("device removed", "device", d.Name, "mac", d.MAC, "nvr", boot.NVR.Name)
		s.bus.Publish(Event{Type: EventDeviceRemoved, Data: d})
	}
	return diff
}

// Update overwrites a single device record in place, keyed by MAC.
func (s *SnapshotStore) Update(dev Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byMAC[dev.MAC]; !ok {
		return
	}
	s.byMAC[dev.MAC] = dev
	for i := range s.devices {
		if s.devices[i].MAC == dev.MAC {
			s.devices[i] = dev
			break
		}
	}
}

// Device returns the device with the given MAC.
func (s *SnapshotStore) Device(mac string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byMAC[mac]
	return d, ok
}

// Snapshot returns a copy of the stored inventory.
func (s *SnapshotStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]Device, len(s.devices))
	copy(devices, s.devices)
	return Snapshot{Devices: devices, LastUpdateID: s.lastUpdateID, NVR: s.nvr}
}

// LastUpdateID returns the cursor used to resume the event stream.
func (s *SnapshotStore) LastUpdateID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdateID
}

// NVR returns the controller identity from the last bootstrap.
func (s *SnapshotStore) NVR() NVRInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nvr
}

// Connected reports whether the realtime connection is live.
func (s *SnapshotStore) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetConnected updates the realtime connection status.
func (s *SnapshotStore) SetConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()

	if !changed {
		return
	}
	if connected {
		s.bus.Publish(Event{Type: EventConnected})
	} else {
		s.bus.Publish(Event{Type: EventDisconnected})
	}
}
