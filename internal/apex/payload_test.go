package apex

import (
	"testing"
)

const restStatusSample = `{
  "system": {
    "hostname": "Reef Tank",
    "serial": "AC5:12345",
    "software": "5.12_1A24",
    "hardware": "1.0",
    "type": "AC5",
    "timezone": "-5.00"
  },
  "nstat": {
    "hostname": "Reef Tank",
    "ipaddr": "192.168.1.50",
    "gateway": "192.168.1.1",
    "netmask": "255.255.255.0",
    "dhcp": true,
    "wifiEnable": false,
    "strength": 88,
    "quality": 92
  },
  "inputs": [
    {"did": "base_Temp", "name": "Temp", "type": "Temp", "value": 25.4},
    {"did": "base_pH", "name": "pH", "type": "pH", "value": 8.1},
    {"did": "5_I1", "name": "Leak", "type": "digital", "value": "open"}
  ],
  "outputs": [
    {"did": "base_Var1", "name": "Return_Pump", "type": "outlet", "gid": "g1", "status": ["AON", "", "OK", ""], "intensity": 75},
    {"did": "4_1", "name": "Heater", "type": "outlet", "status": ["AOF", "", "OK", ""]},
    {"did": "Cntl_A1", "name": "SndAlm_I6", "type": "alert", "status": ["AOF", "", "OK", ""]},
    {"did": "6_2", "name": "DOS_Head", "type": "dos", "status": ["PF1", "", "OK", ""]}
  ],
  "modules": [
    {"abaddr": 2, "hwtype": "PM1", "hwrev": "1", "swrev": "13", "present": true},
    {"abaddr": 7, "hwtype": "TRI", "hwrev": "2", "software": "1.5", "serial": "TRI-9",
     "extra": {"status": "testing pH", "levels": [120.5, 0, 180.0, 200.0, 150.0]}}
  ],
  "feed": {"name": 2, "active": 0}
}`

func TestParseStatusREST(t *testing.T) {
	snap, err := ParseStatusREST([]byte(restStatusSample))
	if err != nil {
		t.Fatalf("ParseStatusREST() error = %v", err)
	}

	if snap.Meta.Hostname != "Reef Tank" {
		t.Errorf("hostname = %q, want %q", snap.Meta.Hostname, "Reef Tank")
	}
	if snap.Meta.Serial != "AC5:12345" {
		t.Errorf("serial = %q", snap.Meta.Serial)
	}
	if snap.Meta.Source != SourceREST {
		t.Errorf("source = %q, want %q", snap.Meta.Source, SourceREST)
	}

	if snap.Network == nil {
		t.Fatal("network should be present on REST snapshots")
	}
	if snap.Network.IPAddr != "192.168.1.50" || !snap.Network.DHCP {
		t.Errorf("network = %+v", snap.Network)
	}
	if snap.Network.Strength == nil || *snap.Network.Strength != 88 {
		t.Errorf("strength = %v", snap.Network.Strength)
	}

	if len(snap.Probes) != 3 {
		t.Fatalf("probes = %d, want 3", len(snap.Probes))
	}
	temp := snap.Probes["base_Temp"]
	if temp.Value == nil || *temp.Value != 25.4 {
		t.Errorf("temp value = %v", temp.Value)
	}
	leak := snap.Probes["5_I1"]
	if leak.Value != nil {
		t.Errorf("non-numeric probe value should be nil, got %v", *leak.Value)
	}
	if leak.Raw != "open" {
		t.Errorf("leak raw = %q, want %q", leak.Raw, "open")
	}

	if len(snap.Outputs) != 4 {
		t.Fatalf("outputs = %d, want 4", len(snap.Outputs))
	}
	pump, ok := snap.Output("base_Var1")
	if !ok {
		t.Fatal("missing output base_Var1")
	}
	if pump.RawState != "AON" || pump.Mode != ModeAuto || !pump.Energized || !pump.Selectable {
		t.Errorf("pump = %+v", pump)
	}
	if pump.Intensity == nil || *pump.Intensity != 75 {
		t.Errorf("pump intensity = %v", pump.Intensity)
	}
	heater, _ := snap.Output("4_1")
	if heater.Energized {
		t.Error("AOF output should not be energized")
	}
	if heater.ModuleAbaddr == nil || *heater.ModuleAbaddr != 4 {
		t.Errorf("heater module abaddr = %v, want 4 from did prefix", heater.ModuleAbaddr)
	}
	dos, _ := snap.Output("6_2")
	if dos.Selectable {
		t.Error("PF1 state output should be read-only")
	}

	if len(snap.Modules) != 2 {
		t.Fatalf("modules = %d, want 2", len(snap.Modules))
	}

	if snap.Trident == nil {
		t.Fatal("trident should be present")
	}
	if !snap.Trident.Testing {
		t.Error("trident should be testing")
	}
	if snap.Trident.Status != "Testing pH" {
		t.Errorf("trident status = %q, want %q", snap.Trident.Status, "Testing pH")
	}
	if snap.Trident.Abaddr != 7 || snap.Trident.SwRev != "1.5" || snap.Trident.Serial != "TRI-9" {
		t.Errorf("trident = %+v", snap.Trident)
	}
	if len(snap.Trident.Levels) != 5 || snap.Trident.Levels[0] != 120.5 {
		t.Errorf("trident levels = %v", snap.Trident.Levels)
	}

	if snap.Feed == nil {
		t.Fatal("feed should be present")
	}
	if snap.Feed.ID != 2 || !snap.Feed.Active {
		t.Errorf("feed = %+v, gate code 0 must mean active", snap.Feed)
	}
}

func TestParseStatusREST_NestedContainer(t *testing.T) {
	raw := `{"data": {"system": {"hostname": "apex"}, "inputs": [{"did": "t1", "value": 1.5}]}}`
	snap, err := ParseStatusREST([]byte(raw))
	if err != nil {
		t.Fatalf("ParseStatusREST() error = %v", err)
	}
	if snap.Meta.Hostname != "apex" {
		t.Errorf("hostname = %q", snap.Meta.Hostname)
	}
	if _, ok := snap.Probes["t1"]; !ok {
		t.Error("probe t1 missing from nested payload")
	}
}

func TestParseStatusREST_MissingSections(t *testing.T) {
	snap, err := ParseStatusREST([]byte(`{"system": {"hostname": "bare"}}`))
	if err != nil {
		t.Fatalf("ParseStatusREST() error = %v", err)
	}
	if snap.Trident != nil {
		t.Error("absent trident hardware must stay absent")
	}
	if snap.Feed != nil {
		t.Error("absent feed must stay absent")
	}
	if len(snap.Probes) != 0 || len(snap.Outputs) != 0 {
		t.Error("expected empty entity sets")
	}
}

func TestParseStatusREST_Malformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":   "<<<",
		"not object": `[1, 2]`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseStatusREST([]byte(raw)); err == nil {
				t.Error("expected ParseError")
			}
		})
	}
}

func TestParseStatusCGI(t *testing.T) {
	raw := `{
	  "istat": {
	    "hostname": "apex", "serial": "AC4:678", "hardware": "4.2",
	    "inputs": [{"did": "Tmp_1", "name": "Temp", "type": "Temp", "value": 24.9}],
	    "outputs": [{"did": "2_1", "name": "Skimmer", "type": "outlet", "status": ["ON", "", "OK"]}],
	    "feed": 0
	  }
	}`
	snap, err := ParseStatusCGI([]byte(raw))
	if err != nil {
		t.Fatalf("ParseStatusCGI() error = %v", err)
	}
	if snap.Meta.Source != SourceCGIJSON {
		t.Errorf("source = %q", snap.Meta.Source)
	}
	if snap.Meta.Serial != "AC4:678" {
		t.Errorf("serial = %q", snap.Meta.Serial)
	}
	if p := snap.Probes["Tmp_1"]; p.Value == nil || *p.Value != 24.9 {
		t.Errorf("probe = %+v", p)
	}
	out, ok := snap.Output("2_1")
	if !ok || !out.Energized || out.Mode != ModeOn {
		t.Errorf("output = %+v", out)
	}
	if out.ModuleAbaddr == nil || *out.ModuleAbaddr != 2 {
		t.Errorf("module abaddr = %v", out.ModuleAbaddr)
	}
	if snap.Feed == nil || snap.Feed.Active {
		t.Errorf("scalar feed 0 means idle, got %+v", snap.Feed)
	}
}

func TestParseStatusXML(t *testing.T) {
	raw := `<?xml version="1.0"?>
	<status software="4.52_3B13" hardware="1.0">
	  <hostname>oldapex</hostname>
	  <serial>AC4:999</serial>
	  <timezone>-5.0</timezone>
	  <probes>
	    <probe><name>Temp</name><type>Temp</type><value>25.1</value></probe>
	    <probe><name>Switch1</name><type>digital</type><value>open</value></probe>
	  </probes>
	  <outlets>
	    <outlet><name>Lights</name><outputID>3</outputID><state>AON</state><deviceID>base_3</deviceID></outlet>
	  </outlets>
	</status>`
	snap, err := ParseStatusXML([]byte(raw))
	if err != nil {
		t.Fatalf("ParseStatusXML() error = %v", err)
	}
	if snap.Meta.Source != SourceCGIXML || snap.Meta.Hostname != "oldapex" {
		t.Errorf("meta = %+v", snap.Meta)
	}
	if snap.Meta.Software != "4.52_3B13" {
		t.Errorf("software = %q", snap.Meta.Software)
	}
	if p := snap.Probes["Temp"]; p.Value == nil || *p.Value != 25.1 {
		t.Errorf("temp = %+v", p)
	}
	if p := snap.Probes["Switch1"]; p.Value != nil || p.Raw != "open" {
		t.Errorf("switch = %+v", p)
	}
	out, ok := snap.Output("base_3")
	if !ok || out.Name != "Lights" || out.Mode != ModeAuto || !out.Energized {
		t.Errorf("outlet = %+v", out)
	}

	if _, err := ParseStatusXML([]byte("<broken")); err == nil {
		t.Error("expected ParseError for malformed XML")
	}
}

func TestParseStatusXML_CGIParity(t *testing.T) {
	// The same outlet reported via CGI JSON and XML must normalize to the
	// same canonical fields.
	jsonSnap, err := ParseStatusCGI([]byte(`{"istat": {"outputs": [
	  {"did": "base_3", "name": "Lights", "status": ["AON"]}]}}`))
	if err != nil {
		t.Fatal(err)
	}
	xmlSnap, err := ParseStatusXML([]byte(`<status><outlets><outlet>
	  <name>Lights</name><state>AON</state><deviceID>base_3</deviceID>
	</outlet></outlets></status>`))
	if err != nil {
		t.Fatal(err)
	}
	jo, _ := jsonSnap.Output("base_3")
	xo, _ := xmlSnap.Output("base_3")
	if jo.DID != xo.DID || jo.Name != xo.Name || jo.Mode != xo.Mode || jo.Energized != xo.Energized {
		t.Errorf("parity mismatch: json=%+v xml=%+v", jo, xo)
	}
}

func TestParseFeedShapes(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantNil    bool
		wantID     int
		wantActive bool
	}{
		{"scalar active", `{"feed": 2}`, false, 2, true},
		{"scalar idle", `{"feed": 0}`, false, 0, false},
		{"object gate open", `{"feed": {"name": 1, "active": 0}}`, false, 1, true},
		{"object gate closed", `{"feed": {"name": 1, "active": 1}}`, false, 1, false},
		{"object bool", `{"feed": {"id": 3, "active": true}}`, false, 3, true},
		{"object no active in range", `{"feed": {"sel": 4}}`, false, 4, true},
		{"list one running", `{"feed": [{"id": 1, "active": 1}, {"id": 2, "active": 0}]}`, false, 2, true},
		{"list none running", `{"feed": [{"id": 1, "active": 1}]}`, false, 0, false},
		{"absent", `{}`, true, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := ParseStatusREST([]byte(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			if tt.wantNil {
				if snap.Feed != nil {
					t.Fatalf("feed = %+v, want nil", snap.Feed)
				}
				return
			}
			if snap.Feed == nil {
				t.Fatal("feed = nil")
			}
			if snap.Feed.ID != tt.wantID || snap.Feed.Active != tt.wantActive {
				t.Errorf("feed = %+v, want id=%d active=%v", snap.Feed, tt.wantID, tt.wantActive)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	raw := `{
	  "mconf": [
	    {"hwtype": "TRI", "abaddr": 7, "name": "Trident", "update": false, "updateStat": 0,
	     "extra": {"wasteSize": 2000, "prime": [false, false, false, false]}},
	    {"hwtype": "MXM", "abaddr": 9, "name": "Mobius",
	     "extra": {"status": "Nero5(1) - Rev 1.2 Ser #: N5123 - OK\nVectra(2) - Rev 2.0 Ser #: V2987 - OK"}},
	    {"abaddr": 3}
	  ],
	  "nconf": {"latestFirmware": "5.12_1A24", "updateFirmware": false, "password": "secret"}
	}`
	cfg, err := ParseConfig([]byte(raw))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if len(cfg.Modules) != 2 {
		t.Fatalf("modules = %d, want 2 (entries without hwtype dropped)", len(cfg.Modules))
	}
	tri := cfg.Modules[0]
	if tri.Hwtype != "TRI" || tri.WasteSize == nil || *tri.WasteSize != 2000 {
		t.Errorf("trident config = %+v", tri)
	}
	if tri.UpdateStat == nil || *tri.UpdateStat != 0 {
		t.Errorf("updateStat = %v", tri.UpdateStat)
	}
	if len(cfg.MXMDevices) != 2 {
		t.Fatalf("mxm devices = %d, want 2", len(cfg.MXMDevices))
	}
	if cfg.MXMDevices[0].Name != "Nero5" || cfg.MXMDevices[0].Serial != "N5123" {
		t.Errorf("mxm device = %+v", cfg.MXMDevices[0])
	}
	if cfg.LatestFirmware != "5.12_1A24" || cfg.UpdateFirmware {
		t.Errorf("nconf = %q %v", cfg.LatestFirmware, cfg.UpdateFirmware)
	}

	if ws := WasteSizeFromConfig(cfg); ws == nil || *ws != 2000 {
		t.Errorf("WasteSizeFromConfig = %v", ws)
	}
}

func TestFinalizeTrident(t *testing.T) {
	size := 2000.0

	t.Run("five levels", func(t *testing.T) {
		tr := &TridentState{Levels: []float64{1990, 0, 15.0, 120.0, 300.0}}
		FinalizeTrident(tr, &size)
		if tr.WasteUsedML == nil || *tr.WasteUsedML != 1990 {
			t.Fatalf("waste used = %v", tr.WasteUsedML)
		}
		if len(tr.Reagents) != 3 {
			t.Fatalf("reagents = %d", len(tr.Reagents))
		}
		// Channel order a, b, c maps to level indices 4, 3, 2.
		if tr.Reagents[0].Channel != "a" || tr.Reagents[0].RemainingML != 300.0 || tr.Reagents[0].Empty {
			t.Errorf("reagent a = %+v", tr.Reagents[0])
		}
		if tr.Reagents[2].Channel != "c" || !tr.Reagents[2].Empty {
			t.Errorf("reagent c at 15 mL should be empty: %+v", tr.Reagents[2])
		}
		if tr.WasteRemainingML == nil || *tr.WasteRemainingML != 10.0 {
			t.Errorf("waste remaining = %v", tr.WasteRemainingML)
		}
		if !tr.WasteFull {
			t.Error("10 mL remaining is within the full margin")
		}
		if tr.WastePercent == nil || *tr.WastePercent != 99.5 {
			t.Errorf("waste percent = %v", tr.WastePercent)
		}
	})

	t.Run("four levels shift indices", func(t *testing.T) {
		tr := &TridentState{Levels: []float64{100, 50, 60, 70}}
		FinalizeTrident(tr, &size)
		if len(tr.Reagents) != 3 || tr.Reagents[0].RemainingML != 70 || tr.Reagents[2].RemainingML != 50 {
			t.Errorf("reagents = %+v", tr.Reagents)
		}
		if tr.WasteFull {
			t.Error("1900 mL remaining is not full")
		}
	})

	t.Run("no waste size", func(t *testing.T) {
		tr := &TridentState{Levels: []float64{100, 50, 60, 70}}
		FinalizeTrident(tr, nil)
		if tr.WastePercent != nil || tr.WasteRemainingML != nil || tr.WasteFull {
			t.Errorf("derived waste fields should be absent: %+v", tr)
		}
		if tr.WasteUsedML == nil || *tr.WasteUsedML != 100 {
			t.Errorf("waste used = %v", tr.WasteUsedML)
		}
	})

	t.Run("nil trident", func(t *testing.T) {
		FinalizeTrident(nil, &size) // must not panic
	})
}

func TestModeHelpers(t *testing.T) {
	tests := []struct {
		raw        string
		mode       string
		energized  bool
		selectable bool
	}{
		{"ON", ModeOn, true, true},
		{"OFF", ModeOff, false, true},
		{"AON", ModeAuto, true, true},
		{"AOF", ModeAuto, false, true},
		{"TBL", ModeAuto, true, true},
		{"on", ModeOn, true, true},
		{"PF1", "", false, false},
		{"", "", false, false},
	}
	for _, tt := range tests {
		if got := ModeFromRawState(tt.raw); got != tt.mode {
			t.Errorf("ModeFromRawState(%q) = %q, want %q", tt.raw, got, tt.mode)
		}
		if got := IsEnergizedState(tt.raw); got != tt.energized {
			t.Errorf("IsEnergizedState(%q) = %v, want %v", tt.raw, got, tt.energized)
		}
		if got := IsSelectableState(tt.raw); got != tt.selectable {
			t.Errorf("IsSelectableState(%q) = %v, want %v", tt.raw, got, tt.selectable)
		}
	}
}

func TestCommandTokenFromMode(t *testing.T) {
	for mode, want := range map[string]string{"Auto": "AUTO", "On": "ON", "Off": "OFF", "auto": "AUTO"} {
		got, err := CommandTokenFromMode(mode)
		if err != nil || got != want {
			t.Errorf("CommandTokenFromMode(%q) = %q, %v", mode, got, err)
		}
	}
	if _, err := CommandTokenFromMode("Sideways"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestGateCodes(t *testing.T) {
	if active, ok := gateActive(0); !ok || !active {
		t.Error("gate code 0 must resolve to active")
	}
	if active, ok := gateActive(1); !ok || active {
		t.Error("gate code 1 must resolve to inactive")
	}
	if _, ok := gateActive(7); ok {
		t.Error("unknown gate codes must stay unknown")
	}
}
