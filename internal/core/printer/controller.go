package printer

import (
	"context"
	"log/slog"

	"github.com/hawky358/ha-creality-ws/internal/core/telemetry"
	"github.com/hawky358/ha-creality-ws/internal/core/transport"
)

// Controller exposes the printer's command vocabulary on top of the
// best-effort dispatcher. Commands never fail loudly: a dropped command
// is observable only through logs and the absence of the expected
// telemetry change.
type Controller struct {
	client *Client
	store  *telemetry.Store
	log    *slog.Logger
}

// NewController creates command helpers bound to a client and store.
func NewController(client *Client, store *telemetry.Store, log *slog.Logger) *Controller {
	return &Controller{client: client, store: store, log: log}
}

// Pause pauses the active print and records the user's intent ahead of
// device confirmation.
func (t *Controller) Pause(ctx context.Context) {
	t.client.SendSetRetry(ctx, transport.F("pause", 1))
	t.store.MarkPaused(true)
}

// Resume resumes a paused print.
func (t *Controller) Resume(ctx context.Context) {
	t.client.SendSetRetry(ctx, transport.F("pause", 0))
	t.store.MarkPaused(false)
}

// StopPrint aborts the active print.
func (t *Controller) StopPrint(ctx context.Context) {
	t.client.SendSetRetry(ctx, transport.F("stop", 1))
	t.store.MarkPaused(false)
}

// SetLight switches the chamber light.
func (t *Controller) SetLight(ctx context.Context, on bool) {
	t.client.SendSetRetry(ctx, transport.F("lightSw", boolToInt(on)))
}

// ToggleLight flips the chamber light based on the last reported state.
func (t *Controller) ToggleLight(ctx context.Context) {
	cur, _ := telemetry.SafeFloat(t.currentField("lightSw"))
	t.SetLight(ctx, cur == 0)
}

// AutoHome homes the given axes ("X Y", "Z", ...).
func (t *Controller) AutoHome(ctx context.Context, axes string) {
	t.client.SendSetRetry(ctx, transport.F("autohome", axes))
}

// HomeXYThenZ homes X/Y before Z, as two separate frames in order.
func (t *Controller) HomeXYThenZ(ctx context.Context) {
	t.client.SendSetRetry(ctx, transport.F("autohome", "X Y"))
	t.client.SendSetRetry(ctx, transport.F("autohome", "Z"))
}

// SendGcode submits a raw G-code command.
func (t *Controller) SendGcode(ctx context.Context, gcode string) {
	t.client.SendSetRetry(ctx, transport.F("gcodeCmd", gcode))
}

// SetNozzleTemp sets the nozzle temperature target.
func (t *Controller) SetNozzleTemp(ctx context.Context, target float64) {
	t.client.SendSetRetry(ctx, transport.F("nozzleTempControl", target))
}

// SetBedTemp sets a bed temperature target. num selects the bed on
// multi-bed models; 0 for the standard single bed.
func (t *Controller) SetBedTemp(ctx context.Context, num int, target float64) {
	t.client.SendSetRetry(ctx, transport.F("bedTempControl", map[string]any{
		"num": num,
		"val": target,
	}))
}

// SetBoxTemp sets the chamber temperature target on models with box
// control.
func (t *Controller) SetBoxTemp(ctx context.Context, target float64) {
	t.client.SendSetRetry(ctx, transport.F("targetBoxTemp", target))
}

// SetFeedratePct sets the print speed percentage.
func (t *Controller) SetFeedratePct(ctx context.Context, pct int) {
	t.client.SendSetRetry(ctx, transport.F("setFeedratePct", pct))
}

// SetFlowratePct sets the extrusion flow percentage.
func (t *Controller) SetFlowratePct(ctx context.Context, pct int) {
	t.client.SendSetRetry(ctx, transport.F("setFlowratePct", pct))
}

// SetPrintTuningPct drives speed and flow in lockstep, one frame each.
func (t *Controller) SetPrintTuningPct(ctx context.Context, pct int) {
	t.SetFeedratePct(ctx, pct)
	t.SetFlowratePct(ctx, pct)
}

// SetFanPct sets a fan duty percentage by telemetry field name
// (modelFanPct, caseFanPct, auxiliaryFanPct).
func (t *Controller) SetFanPct(ctx context.Context, field string, pct int) {
	t.client.SendSetRetry(ctx, transport.F(field, pct))
}

func (t *Controller) currentField(key string) any {
	v, _ := t.store.Get(key)
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
