// Package protect provides a public facade re-exporting core types
// for external consumers of this module.
package protect

import (
	"github.com/jlindqvist/protectd/internal/core/events"
	"github.com/jlindqvist/protectd/internal/core/nvr"
	"github.com/jlindqvist/protectd/internal/core/state"
)

// Re-export core types for external use.
type (
	// Client manages the session, inventory and realtime channel for one NVR.
	Client = nvr.Client
	// ClientConfig holds per-controller client settings.
	ClientConfig = nvr.Config
	// Device is one camera record from the bootstrap payload.
	Device = state.Device
	// Channel is one video channel on a device.
	Channel = state.Channel
	// User is one account record from the bootstrap payload.
	User = state.User
	// Bootstrap is the full inventory payload.
	Bootstrap = state.Bootstrap
	// Snapshot is a copy of the stored inventory.
	Snapshot = state.Snapshot
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Packet is a decoded realtime message.
	Packet = events.Packet
	// Action is the action frame of a realtime message.
	Action = events.Action
)

// NewClient wires up a client for one controller.
var NewClient = nvr.New

// Event type constants.
const (
	EventDeviceDiscovered = state.EventDeviceDiscovered
	EventDeviceRemoved    = state.EventDeviceRemoved
	EventAdminChanged     = state.EventAdminChanged
	EventConnected        = state.EventConnected
	EventDisconnected     = state.EventDisconnected
	EventUpdate           = state.EventUpdate
)
