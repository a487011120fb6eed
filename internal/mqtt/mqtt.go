// Package mqtt bridges the printer's live state to Home Assistant over
// MQTT. It defines the Publisher interface and includes both a
// StubPublisher (no-op) and a full HAPublisher that connects to a
// broker, publishes HA auto-discovery configs, relays command topics to
// the printer, and forwards state updates from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hawky358/ha-creality-ws/internal/core/telemetry"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

// Ensure StubPublisher implements Publisher.
var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
	DeviceName  string `yaml:"device_name"`
}

// ---------------------------------------------------------------------------
// PrinterController – abstraction over printer control methods
// ---------------------------------------------------------------------------

// PrinterController sends commands to the printer without importing the
// printer package directly. Delivery is best-effort; failures surface
// in logs, not errors.
type PrinterController interface {
	Pause(ctx context.Context)
	Resume(ctx context.Context)
	StopPrint(ctx context.Context)
	SetLight(ctx context.Context, on bool)
	AutoHome(ctx context.Context, axes string)
	SendGcode(ctx context.Context, gcode string)
	SetNozzleTemp(ctx context.Context, target float64)
	SetBedTemp(ctx context.Context, num int, target float64)
	SetPrintTuningPct(ctx context.Context, pct int)
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

// Ensure HAPublisher implements Publisher at compile time.
var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs,
// subscribes to command topics and relays commands to the printer, and
// forwards state updates from the EventBus.
type HAPublisher struct {
	cfg   MQTTConfig
	ctrl  PrinterController
	store telemetry.StateReader
	bus   *telemetry.EventBus
	log   *slog.Logger

	client pahomqtt.Client

	// sendFn overrides the broker transmit path when set.
	sendFn func(topic, payload string, retained bool)

	// model string the current discovery configs were generated for
	modelMu         sync.Mutex
	discoveredModel string

	unsub   func() // EventBus unsubscribe
	stopC   chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg MQTTConfig, ctrl PrinterController, store telemetry.StateReader, bus *telemetry.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:   cfg,
		ctrl:  ctrl,
		store: store,
		bus:   bus,
		log:   log,
		stopC: make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker, publishes discovery configs,
// subscribes to command topics, publishes initial state, and starts
// listening on the EventBus for real-time updates.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("crealityd-%s", p.cfg.DeviceID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Subscribe to EventBus.
	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.running.Store(true)
	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event
// loop. It is idempotent.
func (p *HAPublisher) Stop(_ context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.log.Info("MQTT publisher stopping")

	// Signal event loop to exit.
	close(p.stopC)

	// Unsubscribe from EventBus (will close channel and drain).
	if p.unsub != nil {
		p.unsub()
	}

	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		// Publish offline before disconnecting.
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	// 1. Publish availability (retained) from the staleness flag, not a
	//    blanket "online": the broker link being up says nothing about
	//    the printer.
	p.publishAvailability(p.store.Available())

	// 2. Publish all discovery configs.
	p.publishDiscovery(p.store.Snapshot())

	// 3. Subscribe to command topics.
	p.subscribeCommands()

	// 4. Subscribe to HA birth topic for re-discovery.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			snap := p.store.Snapshot()
			p.publishDiscovery(snap)
			p.publishState(snap)
		}
	})

	// 5. Publish initial state snapshot.
	p.publishState(p.store.Snapshot())
	p.publishPaused(p.store.PausedFlag())
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// deviceInfo returns the shared HA device block, including hw/sw
// versions when the printer has reported its modelVersion string.
func (p *HAPublisher) deviceInfo(snap map[string]any, model telemetry.ModelDetection) map[string]any {
	name := model.FriendlyName()
	if name == "" {
		name = "K by Creality"
	}
	dev := map[string]any{
		"identifiers":  []string{p.cfg.DeviceID},
		"name":         p.cfg.DeviceName,
		"manufacturer": "Creality",
		"model":        name,
	}

	if mv, ok := snap["modelVersion"].(string); ok && mv != "" {
		hw, sw := telemetry.ParseModelVersion(mv)
		if hw != "" {
			dev["hw_version"] = hw
		}
		if sw != "" {
			dev["sw_version"] = sw
		}
	}
	return dev
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

func (p *HAPublisher) publishDiscovery(snap map[string]any) {
	modelStr, _ := snap["model"].(string)
	model := telemetry.DetectModel(modelStr)

	p.modelMu.Lock()
	p.discoveredModel = modelStr
	p.modelMu.Unlock()

	dev := p.deviceInfo(snap, model)
	avail := map[string]any{
		"topic": p.topic("status"),
	}
	id := p.cfg.DeviceID
	stateTopic := p.topic("state")

	// --- Sensors ---
	type sensorDef struct {
		objectID    string
		name        string
		template    string
		unit        string
		deviceClass string
		stateClass  string
	}
	sensors := []sensorDef{
		{"nozzle_temp", "Nozzle Temperature", "{{ value_json.nozzleTemp }}", "°C", "temperature", "measurement"},
		{"bed_temp", "Bed Temperature", "{{ value_json.bedTemp0 }}", "°C", "temperature", "measurement"},
		{"progress", "Print Progress", "{{ value_json.printProgress }}", "%", "", "measurement"},
		{"time_left", "Time Left", "{{ value_json.printLeftTime }}", "s", "duration", "measurement"},
		{"job_file", "Job File", "{{ value_json.printFileName }}", "", "", ""},
		{"layer", "Current Layer", "{{ value_json.layer }}", "", "", "measurement"},
		{"total_layers", "Total Layers", "{{ value_json.TotalLayer }}", "", "", "measurement"},
	}
	if model.HasBoxSensor {
		sensors = append(sensors, sensorDef{"box_temp", "Box Temperature", "{{ value_json.boxTemp }}", "°C", "temperature", "measurement"})
	}

	for _, s := range sensors {
		payload := map[string]any{
			"name":           fmt.Sprintf("%s %s", p.cfg.DeviceName, s.name),
			"unique_id":      fmt.Sprintf("%s_%s", id, s.objectID),
			"state_topic":    stateTopic,
			"value_template": s.template,
			"device":         dev,
			"availability":   avail,
		}
		if s.unit != "" {
			payload["unit_of_measurement"] = s.unit
		}
		if s.deviceClass != "" {
			payload["device_class"] = s.deviceClass
		}
		if s.stateClass != "" {
			payload["state_class"] = s.stateClass
		}
		p.publishDiscoveryConfig("sensor", s.objectID, payload)
	}

	// --- Paused binary sensor ---
	p.publishDiscoveryConfig("binary_sensor", "paused", map[string]any{
		"name":         fmt.Sprintf("%s Paused", p.cfg.DeviceName),
		"unique_id":    fmt.Sprintf("%s_paused", id),
		"state_topic":  p.topic("paused/state"),
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       dev,
		"availability": avail,
	})

	// --- Light switch ---
	if model.HasLight {
		p.publishDiscoveryConfig("switch", "light", map[string]any{
			"name":          fmt.Sprintf("%s Light", p.cfg.DeviceName),
			"unique_id":     fmt.Sprintf("%s_light", id),
			"state_topic":   p.topic("light/state"),
			"command_topic": p.topic("light/set"),
			"payload_on":    "ON",
			"payload_off":   "OFF",
			"device":        dev,
			"availability":  avail,
		})
	}

	// --- Buttons ---
	for _, b := range []struct {
		objectID string
		name     string
		cmd      string
	}{
		{"pause", "Pause Print", "print/pause"},
		{"resume", "Resume Print", "print/resume"},
		{"stop", "Stop Print", "print/stop"},
		{"home", "Auto Home", "print/home"},
	} {
		p.publishDiscoveryConfig("button", b.objectID, map[string]any{
			"name":          fmt.Sprintf("%s %s", p.cfg.DeviceName, b.name),
			"unique_id":     fmt.Sprintf("%s_%s", id, b.objectID),
			"command_topic": p.topic(b.cmd),
			"payload_press": "PRESS",
			"device":        dev,
			"availability":  avail,
		})
	}

	// --- Numbers ---
	for _, n := range []struct {
		objectID string
		name     string
		cmd      string
		template string
		min, max float64
		unit     string
	}{
		{"nozzle_target", "Nozzle Target", "nozzle/set", "{{ value_json.targetNozzleTemp }}", 0, 320, "°C"},
		{"bed_target", "Bed Target", "bed/set", "{{ value_json.targetBedTemp0 }}", 0, 120, "°C"},
		{"print_tuning", "Print Tuning %", "tuning/set", "{{ value_json.curFeedratePct }}", 1, 1000, "%"},
	} {
		p.publishDiscoveryConfig("number", n.objectID, map[string]any{
			"name":                fmt.Sprintf("%s %s", p.cfg.DeviceName, n.name),
			"unique_id":           fmt.Sprintf("%s_%s", id, n.objectID),
			"state_topic":         stateTopic,
			"value_template":      n.template,
			"command_topic":       p.topic(n.cmd),
			"min":                 n.min,
			"max":                 n.max,
			"step":                1,
			"mode":                "slider",
			"unit_of_measurement": n.unit,
			"device":              dev,
			"availability":        avail,
		})
	}
}

func (p *HAPublisher) publishDiscoveryConfig(component, objectID string, payload map[string]any) {
	topic := discoveryTopic(component, p.cfg.DeviceID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	cmds := map[string]pahomqtt.MessageHandler{
		p.topic("light/set"):     p.handleLightCmd,
		p.topic("print/pause"):   p.handlePauseCmd,
		p.topic("print/resume"):  p.handleResumeCmd,
		p.topic("print/stop"):    p.handleStopCmd,
		p.topic("print/home"):    p.handleHomeCmd,
		p.topic("nozzle/set"):    p.handleNozzleCmd,
		p.topic("bed/set"):       p.handleBedCmd,
		p.topic("tuning/set"):    p.handleTuningCmd,
		p.topic("gcode/execute"): p.handleGcodeCmd,
	}

	for t, h := range cmds {
		token := p.client.Subscribe(t, 1, h)
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
		}
	}
}

func (p *HAPublisher) cmdCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (p *HAPublisher) handleLightCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	on := strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "ON")
	p.log.Info("MQTT command: light", "on", on)
	ctx, cancel := p.cmdCtx()
	defer cancel()
	p.ctrl.SetLight(ctx, on)
}

func (p *HAPublisher) handlePauseCmd(_ pahomqtt.Client, _ pahomqtt.Message) {
	p.log.Info("MQTT command: pause")
	ctx, cancel := p.cmdCtx()
	defer cancel()
	p.ctrl.Pause(ctx)
}

func (p *HAPublisher) handleResumeCmd(_ pahomqtt.Client, _ pahomqtt.Message) {
	p.log.Info("MQTT command: resume")
	ctx, cancel := p.cmdCtx()
	defer cancel()
	p.ctrl.Resume(ctx)
}

func (p *HAPublisher) handleStopCmd(_ pahomqtt.Client, _ pahomqtt.Message) {
	p.log.Info("MQTT command: stop")
	ctx, cancel := p.cmdCtx()
	defer cancel()
	p.ctrl.StopPrint(ctx)
}

func (p *HAPublisher) handleHomeCmd(_ pahomqtt.Client, _ pahomqtt.Message) {
	p.log.Info("MQTT command: home")
	ctx, cancel := p.cmdCtx()
	defer cancel()
	p.ctrl.AutoHome(ctx, "X Y Z")
}

func (p *HAPublisher) handleNozzleCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	raw := strings.TrimSpace(string(msg.Payload()))
	target, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.log.Error("invalid nozzle target", "payload", raw, "error", err)
		return
	}
	p.log.Info("MQTT command: nozzle target", "target", target)
	ctx, cancel := p.cmdCtx()
	defer cancel()
	p.ctrl.SetNozzleTemp(ctx, target)
}

func (p *HAPublisher) handleBedCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	raw := strings.TrimSpace(string(msg.Payload()))
	target, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.log.Error("invalid bed target", "payload", raw, "error", err)
		return
	}
	p.log.Info("MQTT command: bed target", "target", target)
	ctx, cancel := p.cmdCtx()
	defer cancel()
	p.ctrl.SetBedTemp(ctx, 0, target)
}

func (p *HAPublisher) handleTuningCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	raw := strings.TrimSpace(string(msg.Payload()))
	pct, err := strconv.Atoi(raw)
	if err != nil {
		p.log.Error("invalid tuning percent", "payload", raw, "error", err)
		return
	}
	p.log.Info("MQTT command: print tuning", "percent", pct)
	ctx, cancel := p.cmdCtx()
	defer cancel()
	p.ctrl.SetPrintTuningPct(ctx, pct)
}

func (p *HAPublisher) handleGcodeCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	gcode := strings.TrimSpace(string(msg.Payload()))
	if gcode == "" {
		return
	}
	p.log.Info("MQTT command: gcode", "command", gcode)
	ctx, cancel := p.cmdCtx()
	defer cancel()
	p.ctrl.SendGcode(ctx, gcode)
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// publishState publishes the full live-state snapshot as one JSON
// document; discovery templates select individual fields from it.
func (p *HAPublisher) publishState(snap map[string]any) {
	if len(snap) == 0 {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		p.log.Error("failed to marshal state", "error", err)
		return
	}
	p.publish(p.topic("state"), string(data), true)

	if v, ok := telemetry.SafeFloat(snap["lightSw"]); ok {
		p.publish(p.topic("light/state"), boolToOnOff(v != 0), true)
	}
}

func (p *HAPublisher) publishPaused(paused bool) {
	p.publish(p.topic("paused/state"), boolToOnOff(paused), true)
}

func (p *HAPublisher) publishAvailability(available bool) {
	if available {
		p.publish(p.topic("status"), "online", true)
	} else {
		p.publish(p.topic("status"), "offline", true)
	}
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan telemetry.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt telemetry.Event) {
	switch evt.Type {
	case telemetry.EventTelemetryUpdate:
		snap, ok := evt.Data.(map[string]any)
		if !ok {
			p.log.Warn("unexpected data type for telemetry_update")
			return
		}
		p.maybeRediscover(snap)
		p.publishState(snap)

	case telemetry.EventPauseUpdate:
		paused, ok := evt.Data.(bool)
		if !ok {
			p.log.Warn("unexpected data type for pause_update")
			return
		}
		p.publishPaused(paused)

	case telemetry.EventAvailabilityUpdate:
		available, ok := evt.Data.(bool)
		if !ok {
			p.log.Warn("unexpected data type for availability_update")
			return
		}
		p.publishAvailability(available)

	case telemetry.EventConnected:
		p.log.Debug("printer session connected")

	case telemetry.EventDisconnected:
		p.log.Debug("printer session disconnected")
	}
}

// maybeRediscover re-publishes discovery configs when the reported
// model changes (first telemetry after startup, or a different printer
// behind the same address).
func (p *HAPublisher) maybeRediscover(snap map[string]any) {
	modelStr, _ := snap["model"].(string)
	if modelStr == "" {
		return
	}

	p.modelMu.Lock()
	changed := modelStr != p.discoveredModel
	p.modelMu.Unlock()

	if changed {
		p.log.Info("printer model detected, refreshing discovery", "model", modelStr)
		p.publishDiscovery(snap)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, suffix)
}

// publish is a convenience wrapper that publishes a message and logs
// errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.sendFn != nil {
		p.sendFn(topic, payload, retained)
		return
	}
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
