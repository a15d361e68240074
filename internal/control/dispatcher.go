package control

import (
	"context"
	"fmt"

	"github.com/reeflabs/reefbridge-core/internal/apex"
	"github.com/reeflabs/reefbridge-core/internal/identity"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/logging"
)

// ControllerWriter is the device write surface the dispatcher drives.
type ControllerWriter interface {
	SetOutput(ctx context.Context, did, token string) error
	SetFeed(ctx context.Context, id int, active bool) error
	PutTridentExtra(ctx context.Context, abaddr int, extra map[string]any) error
}

// StateSource provides the last published snapshot and refresh hooks.
type StateSource interface {
	Snapshot() *apex.Snapshot
	RequestStatusRefresh()
	RefreshConfigNow(ctx context.Context) error
}

// Dispatcher validates and issues entity commands.
type Dispatcher struct {
	writer   ControllerWriter
	source   StateSource
	readOnly bool
	logger   *logging.Logger
}

// New builds a Dispatcher. With readOnly set every command fails with
// ErrReadOnly before reaching the network.
func New(writer ControllerWriter, source StateSource, readOnly bool, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{writer: writer, source: source, readOnly: readOnly, logger: logger}
}

// ReadOnly reports whether commands are disabled.
func (d *Dispatcher) ReadOnly() bool { return d.readOnly }

// SetOutputMode sets an output's mode (Off/Auto/On) by entity key. The
// target must exist in the current snapshot and report a selectable state.
func (d *Dispatcher) SetOutputMode(ctx context.Context, key, mode string) error {
	if d.readOnly {
		return ErrReadOnly
	}

	out, err := d.findOutput(key)
	if err != nil {
		return err
	}
	if !out.Selectable {
		return fmt.Errorf("%w: output %s state %q accepts no mode commands", ErrInvalidCommand, out.DID, out.RawState)
	}
	token, err := apex.CommandTokenFromMode(mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	if err := d.writer.SetOutput(ctx, out.DID, token); err != nil {
		return err
	}
	d.logger.Info("output mode set", "did", out.DID, "mode", mode)
	d.source.RequestStatusRefresh()
	return nil
}

// SetFeed starts or cancels a feed cycle. Valid channel ids are 1-4.
func (d *Dispatcher) SetFeed(ctx context.Context, id int, active bool) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if id < 1 || id > 4 {
		return fmt.Errorf("%w: feed channel %d out of range", ErrInvalidCommand, id)
	}

	if err := d.writer.SetFeed(ctx, id, active); err != nil {
		return err
	}
	d.logger.Info("feed cycle command sent", "channel", id, "active", active)
	d.source.RequestStatusRefresh()
	return nil
}

// TridentPrimeChannel primes one of the four Trident pump channels (0-3).
func (d *Dispatcher) TridentPrimeChannel(ctx context.Context, channel int) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if channel < 0 || channel > 3 {
		return fmt.Errorf("%w: prime channel %d out of range", ErrInvalidCommand, channel)
	}
	abaddr, err := d.tridentAbaddr()
	if err != nil {
		return err
	}

	payload := make([]bool, 4)
	payload[channel] = true
	if err := d.writer.PutTridentExtra(ctx, abaddr, map[string]any{"prime": payload}); err != nil {
		return err
	}
	d.logger.Info("trident prime requested", "channel", channel)
	d.source.RequestStatusRefresh()
	return nil
}

// TridentNewReagent marks a reagent container (0=A, 1=B, 2=C) as replaced.
func (d *Dispatcher) TridentNewReagent(ctx context.Context, reagent int) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if reagent < 0 || reagent > 2 {
		return fmt.Errorf("%w: reagent index %d out of range", ErrInvalidCommand, reagent)
	}
	abaddr, err := d.tridentAbaddr()
	if err != nil {
		return err
	}

	payload := make([]bool, 3)
	payload[reagent] = true
	if err := d.writer.PutTridentExtra(ctx, abaddr, map[string]any{"newReagent": payload}); err != nil {
		return err
	}
	d.logger.Info("trident reagent replacement recorded", "reagent", reagent)
	d.source.RequestStatusRefresh()
	return nil
}

// TridentResetWaste resets the waste-used counter after emptying the waste
// container. The reset list aligns with the levels list; index 0 is waste.
func (d *Dispatcher) TridentResetWaste(ctx context.Context) error {
	if d.readOnly {
		return ErrReadOnly
	}
	abaddr, err := d.tridentAbaddr()
	if err != nil {
		return err
	}

	reset := []bool{true, false, false, false, false}
	if err := d.writer.PutTridentExtra(ctx, abaddr, map[string]any{"reset": reset}); err != nil {
		return err
	}
	d.logger.Info("trident waste counter reset")
	d.source.RequestStatusRefresh()
	return nil
}

// TridentSetWasteSize stores the waste container size in mL in module
// config, then forces a config refresh so derived fields update promptly.
func (d *Dispatcher) TridentSetWasteSize(ctx context.Context, sizeML float64) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if sizeML <= 0 {
		return fmt.Errorf("%w: waste container size must be positive", ErrInvalidCommand)
	}
	abaddr, err := d.tridentAbaddr()
	if err != nil {
		return err
	}

	if err := d.writer.PutTridentExtra(ctx, abaddr, map[string]any{"wasteSize": sizeML}); err != nil {
		return err
	}
	d.logger.Info("trident waste size updated", "size_ml", sizeML)
	if err := d.source.RefreshConfigNow(ctx); err != nil {
		d.logger.Warn("config refresh after waste size update failed", "error", err)
	}
	return nil
}

func (d *Dispatcher) findOutput(key string) (apex.OutputState, error) {
	snap := d.source.Snapshot()
	if snap == nil {
		return apex.OutputState{}, fmt.Errorf("%w: no snapshot yet", ErrUnknownEntity)
	}
	for _, out := range snap.Outputs {
		if identity.OutputKey(out.DID) == key {
			return out, nil
		}
	}
	return apex.OutputState{}, fmt.Errorf("%w: output %q", ErrUnknownEntity, key)
}

func (d *Dispatcher) tridentAbaddr() (int, error) {
	snap := d.source.Snapshot()
	if snap == nil || snap.Trident == nil {
		return 0, fmt.Errorf("%w: no trident module detected", ErrUnknownEntity)
	}
	return snap.Trident.Abaddr, nil
}
