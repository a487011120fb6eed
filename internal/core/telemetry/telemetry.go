// Package telemetry holds the cumulative live state reported by the
// printer and the event bus used to fan out updates. The printer's
// field set is open-ended and grows across firmware revisions, so the
// state is a flat key/value map merged shallowly: keys are only ever
// added or overwritten, never removed.
package telemetry

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EventType identifies event categories.
type EventType string

const (
	EventTelemetryUpdate    EventType = "telemetry_update"
	EventPauseUpdate        EventType = "pause_update"
	EventAvailabilityUpdate EventType = "availability_update"
	EventConnected          EventType = "connected"
	EventDisconnected       EventType = "disconnected"
)

// Event represents a state change.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
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
		// drain anything still buffered
		for {
			select {
			case <-ch:
			default:
				return
			}
		}
	}
	return ch, unsub
}

// --- Store ---

// StateReader provides read-only access to the live state.
type StateReader interface {
	Snapshot() map[string]any
	Get(key string) (any, bool)
	PausedFlag() bool
	Available() bool
}

// Store accumulates printer telemetry for the lifetime of the session.
// All merges are applied by a single goroutine (the client's aggregation
// loop); reads take snapshot copies.
type Store struct {
	mu     sync.RWMutex
	data   map[string]any
	paused bool

	// availability inputs, bound after the client exists
	lastRx    func() time.Time
	threshold time.Duration

	bus *EventBus
	log *slog.Logger
}

// NewStore creates a new store wired to the event bus.
func NewStore(bus *EventBus, log *slog.Logger) *Store {
	return &Store{
		data: make(map[string]any),
		bus:  bus,
		log:  log,
	}
}

// BindAvailability wires the staleness inputs: the monotonic
// last-receive clock and the threshold beyond which the printer is
// considered unavailable.
func (s *Store) BindAvailability(lastRx func() time.Time, threshold time.Duration) {
	s.mu.Lock()
	s.lastRx = lastRx
	s.threshold = threshold
	s.mu.Unlock()
}

// Snapshot returns a copy of the live state. Nested values (decoded
// object lists) are shared and must be treated as read-only.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make(map[string]any, len(s.data))
	for k, v := range s.data {
		cp[k] = v
	}
	return cp
}

// Get returns a single field from the live state.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Merge applies one inbound telemetry frame: new and changed keys
// replace, all other existing keys persist. Each call produces exactly
// one observer notification.
func (s *Store) Merge(fields map[string]any) {
	s.mu.Lock()

	for k, v := range fields {
		s.data[k] = v
	}

	s.refreshDerived()
	s.applyActiveJobRule()

	snap := make(map[string]any, len(s.data))
	for k, v := range s.data {
		snap[k] = v
	}
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventTelemetryUpdate, Data: snap})
}

// refreshDerived decodes recognized stringified-JSON fields into
// structured derived keys. A decode failure leaves the derived key
// untouched rather than erroring.
func (s *Store) refreshDerived() {
	s.decodeListField("objects", "objects_list")
	s.decodeListField("excluded_objects", "excluded_objects_list")
}

func (s *Store) decodeListField(src, dst string) {
	raw, ok := s.data[src].(string)
	if !ok || !strings.HasPrefix(strings.TrimSpace(raw), "[") {
		return
	}
	var list []any
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		s.log.Debug("telemetry: undecodable list field", "field", src, "error", err)
		return
	}
	s.data[dst] = list
}

// applyActiveJobRule clears the manual paused flag once telemetry shows
// a job with real progress. This is a client-side policy, not a
// protocol guarantee: firmware revisions disagree on how "paused" is
// signalled, so user intent is only overridden by unambiguous evidence
// of an actively progressing job.
func (s *Store) applyActiveJobRule() {
	if !s.paused {
		return
	}

	hasJob := s.nonEmpty("printStartTime") || s.nonEmpty("printFileName")
	if !hasJob {
		return
	}

	progress, _ := SafeFloat(s.data["printProgress"])
	if progress <= 0 {
		progress, _ = SafeFloat(s.data["dProgress"])
	}
	jobTime, _ := SafeFloat(s.data["printJobTime"])

	if progress > 0 || jobTime > 0 {
		s.paused = false
	}
}

func (s *Store) nonEmpty(key string) bool {
	v, ok := s.data[key]
	if !ok || v == nil {
		return false
	}
	if str, isStr := v.(string); isStr {
		return str != ""
	}
	f, isNum := SafeFloat(v)
	if isNum {
		return f != 0
	}
	return true
}

// MarkPaused records user-issued pause/resume intent. It notifies
// observers like any other state change.
func (s *Store) MarkPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventPauseUpdate, Data: paused})
}

// PausedFlag reports the manual override flag.
func (s *Store) PausedFlag() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// Available reports whether a frame arrived within the staleness
// threshold. It is computed on read, so it turns true the instant a
// frame arrives.
func (s *Store) Available() bool {
	s.mu.RLock()
	lastRx, threshold := s.lastRx, s.threshold
	s.mu.RUnlock()

	if lastRx == nil || threshold <= 0 {
		return false
	}
	return time.Since(lastRx()) < threshold
}

// NotifyAvailability publishes the current availability flag. The
// staleness monitor calls this on every tick: notifications are
// deliberately unconditional so that externally-driven presentation
// state (e.g. an out-of-band power input) is eventually reflected even
// when the flag itself has not flipped.
func (s *Store) NotifyAvailability() {
	s.bus.Publish(Event{Type: EventAvailabilityUpdate, Data: s.Available()})
}

// SetConnected publishes socket-level connectivity transitions.
func (s *Store) SetConnected(connected bool) {
	if connected {
		s.bus.Publish(Event{Type: EventConnected})
	} else {
		s.bus.Publish(Event{Type: EventDisconnected})
	}
}

// Position extracts the numeric axis components from the composite
// curPosition string ("X:12.3 Y:4.5 Z:-6"). It is recomputed on demand;
// a malformed or absent source yields ok=false.
func (s *Store) Position() (x, y, z float64, ok bool) {
	raw, _ := s.Get("curPosition")
	return ParsePosition(raw)
}
