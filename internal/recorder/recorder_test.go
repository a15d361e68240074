package recorder

import (
	"testing"

	"github.com/reeflabs/reefbridge-core/internal/apex"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/config"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/logging"
)

type probeWrite struct {
	key       string
	probeType string
	value     float64
}

type outputWrite struct {
	key       string
	mode      string
	energized bool
}

type fakeWriter struct {
	probes  []probeWrite
	outputs []outputWrite
	trident map[string]interface{}
}

func (f *fakeWriter) WriteProbeReading(_, probeKey, probeType string, value float64) {
	f.probes = append(f.probes, probeWrite{key: probeKey, probeType: probeType, value: value})
}

func (f *fakeWriter) WriteOutputState(_, outputKey, mode string, energized bool) {
	f.outputs = append(f.outputs, outputWrite{key: outputKey, mode: mode, energized: energized})
}

func (f *fakeWriter) WriteTridentLevels(_, _ string, fields map[string]interface{}) {
	f.trident = fields
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
}

func floatPtr(v float64) *float64 { return &v }

func recorderSnapshot() *apex.Snapshot {
	return &apex.Snapshot{
		Probes: map[string]apex.ProbeState{
			"base_Temp": {DID: "base_Temp", Name: "Tmp", Type: "Temp", Value: floatPtr(25.2), Raw: "25.2"},
			"base_Amp":  {DID: "base_Amp", Name: "Amp", Type: "Amps", Value: nil, Raw: "---"},
		},
		Outputs: []apex.OutputState{
			{DID: "base_Var1", Name: "Heater", Mode: apex.ModeAuto, Energized: true},
			{DID: "4_2", Name: "Skimmer", Mode: apex.ModeOff, Energized: false},
		},
		Trident: &apex.TridentState{
			Present:          true,
			Abaddr:           7,
			Reagents:         []apex.ReagentLevel{{Channel: "a", RemainingML: 150}, {Channel: "b", RemainingML: 12, Empty: true}},
			WasteUsedML:      floatPtr(120),
			WasteRemainingML: floatPtr(1880),
			WastePercent:     floatPtr(6),
		},
	}
}

func TestHandleSnapshotWritesTelemetry(t *testing.T) {
	writer := &fakeWriter{}
	rec := New(writer, "reef_tank", testLogger())
	if !rec.Enabled() {
		t.Fatal("recorder should be enabled with a writer")
	}

	rec.HandleSnapshot(recorderSnapshot(), nil)

	// Non-numeric probe readings are skipped.
	if len(writer.probes) != 1 {
		t.Fatalf("probe writes = %+v", writer.probes)
	}
	if w := writer.probes[0]; w.key != "probe_base_temp" || w.probeType != "Temp" || w.value != 25.2 {
		t.Errorf("probe write = %+v", w)
	}

	if len(writer.outputs) != 2 {
		t.Fatalf("output writes = %+v", writer.outputs)
	}
	if w := writer.outputs[0]; w.key != "output_base_var1" || !w.energized {
		t.Errorf("output write = %+v", w)
	}

	if writer.trident == nil {
		t.Fatal("trident levels not written")
	}
	if writer.trident["reagent_a_ml"] != 150.0 || writer.trident["reagent_b_ml"] != 12.0 {
		t.Errorf("reagent fields = %v", writer.trident)
	}
	if writer.trident["waste_percent"] != 6.0 {
		t.Errorf("waste fields = %v", writer.trident)
	}
}

func TestDisabledRecorderIsNoOp(t *testing.T) {
	rec := New(nil, "reef_tank", testLogger())
	if rec.Enabled() {
		t.Fatal("recorder without writer should be disabled")
	}
	// Must not panic.
	rec.HandleSnapshot(recorderSnapshot(), nil)
	rec.HandleSnapshot(nil, nil)
}
