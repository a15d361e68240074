// Package recorder streams snapshot telemetry into InfluxDB.
//
// The recorder is a poller listener: every published snapshot produces
// probe reading, output state and dosing level points. Writes are
// non-blocking; the InfluxDB client batches and sends asynchronously.
// When InfluxDB is not configured the recorder is a no-op.
package recorder

import (
	"fmt"

	"github.com/reeflabs/reefbridge-core/internal/apex"
	"github.com/reeflabs/reefbridge-core/internal/identity"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/logging"
)

// Writer is the telemetry sink. *influxdb.Client satisfies it.
type Writer interface {
	WriteProbeReading(controller, probeKey, probeType string, value float64)
	WriteOutputState(controller, outputKey, mode string, energized bool)
	WriteTridentLevels(controller, moduleKey string, fields map[string]interface{})
}

// Recorder writes snapshot telemetry for one controller.
type Recorder struct {
	writer Writer
	slug   string
	logger *logging.Logger
}

// New creates a recorder. A nil writer yields a disabled recorder whose
// HandleSnapshot is a no-op, so callers can wire it unconditionally.
func New(writer Writer, slug string, logger *logging.Logger) *Recorder {
	return &Recorder{
		writer: writer,
		slug:   slug,
		logger: logger.With("component", "recorder"),
	}
}

// Enabled reports whether telemetry is being written.
func (r *Recorder) Enabled() bool { return r.writer != nil }

// HandleSnapshot writes one round of telemetry points. It matches the
// poller listener signature.
func (r *Recorder) HandleSnapshot(snap *apex.Snapshot, _ map[string]identity.Identity) {
	if r.writer == nil || snap == nil {
		return
	}

	for did, p := range snap.Probes {
		if p.Value == nil {
			continue
		}
		r.writer.WriteProbeReading(r.slug, identity.ProbeKey(did), p.Type, *p.Value)
	}

	for _, o := range snap.Outputs {
		r.writer.WriteOutputState(r.slug, identity.OutputKey(o.DID), o.Mode, o.Energized)
	}

	if t := snap.Trident; t != nil && t.Present {
		r.writer.WriteTridentLevels(r.slug, identity.TridentKey(t.Abaddr), tridentFields(t))
	}
}

// tridentFields flattens dosing levels into InfluxDB fields.
func tridentFields(t *apex.TridentState) map[string]interface{} {
	fields := make(map[string]interface{})
	for _, reagent := range t.Reagents {
		fields[fmt.Sprintf("reagent_%s_ml", reagent.Channel)] = reagent.RemainingML
	}
	if t.WasteUsedML != nil {
		fields["waste_used_ml"] = *t.WasteUsedML
	}
	if t.WasteRemainingML != nil {
		fields["waste_remaining_ml"] = *t.WasteRemainingML
	}
	if t.WastePercent != nil {
		fields["waste_percent"] = *t.WastePercent
	}
	return fields
}
