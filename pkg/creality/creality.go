// Package creality provides a public facade re-exporting core types
// for external consumers of this module.
package creality

import (
	"github.com/hawky358/ha-creality-ws/internal/core/printer"
	"github.com/hawky358/ha-creality-ws/internal/core/telemetry"
	"github.com/hawky358/ha-creality-ws/internal/core/transport"
)

// Re-export core types for external use.
type (
	// Client manages the WebSocket session to a printer.
	Client = printer.Client
	// ClientConfig holds the session tuning knobs.
	ClientConfig = printer.Config
	// Controller exposes the printer command vocabulary.
	Controller = printer.Controller
	// Store is the cumulative live-state aggregate.
	Store = telemetry.Store
	// StateReader is the read-only view of the live state.
	StateReader = telemetry.StateReader
	// Event represents a state change event.
	Event = telemetry.Event
	// EventType identifies event categories.
	EventType = telemetry.EventType
	// EventBus fans events out to subscribers.
	EventBus = telemetry.EventBus
	// ModelDetection describes a printer model's capabilities.
	ModelDetection = telemetry.ModelDetection
	// Dialer creates WebSocket connections to printers.
	Dialer = transport.Dialer
	// Conn represents a WebSocket connection.
	Conn = transport.Conn
	// Command is an outbound method/params frame.
	Command = transport.Command
	// Field is one ordered key/value pair of a command.
	Field = transport.Field
)

// Event type constants.
const (
	EventTelemetryUpdate    = telemetry.EventTelemetryUpdate
	EventPauseUpdate        = telemetry.EventPauseUpdate
	EventAvailabilityUpdate = telemetry.EventAvailabilityUpdate
	EventConnected          = telemetry.EventConnected
	EventDisconnected       = telemetry.EventDisconnected
)

// F builds a command field.
func F(key string, value any) Field { return transport.F(key, value) }

// NewClient creates a printer client. See printer.NewClient.
var NewClient = printer.NewClient

// NewController creates command helpers. See printer.NewController.
var NewController = printer.NewController

// NewStore creates a live-state store. See telemetry.NewStore.
var NewStore = telemetry.NewStore

// NewEventBus creates an event bus. See telemetry.NewEventBus.
var NewEventBus = telemetry.NewEventBus

// DetectModel inspects a reported model string. See telemetry.DetectModel.
var DetectModel = telemetry.DetectModel
