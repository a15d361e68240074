package ha

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/reeflabs/reefbridge-core/internal/apex"
	"github.com/reeflabs/reefbridge-core/internal/control"
	"github.com/reeflabs/reefbridge-core/internal/identity"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/config"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/logging"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/mqtt"
)

type publishedMessage struct {
	payload  []byte
	retained bool
}

type fakeMQTT struct {
	mu         sync.Mutex
	messages   map[string][]publishedMessage
	subscribed map[string]mqtt.MessageHandler
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{
		messages:   make(map[string][]publishedMessage),
		subscribed: make(map[string]mqtt.MessageHandler),
	}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[topic] = append(f.messages[topic], publishedMessage{payload: payload, retained: retained})
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, topic)
	return nil
}

func (f *fakeMQTT) last(topic string) (publishedMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[topic]
	if len(msgs) == 0 {
		return publishedMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

func (f *fakeMQTT) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[topic])
}

type commandCall struct {
	name string
	key  string
	arg  any
}

type fakeCommander struct {
	mu    sync.Mutex
	calls []commandCall
	err   error
}

func (f *fakeCommander) record(name, key string, arg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, commandCall{name: name, key: key, arg: arg})
	return f.err
}

func (f *fakeCommander) SetOutputMode(_ context.Context, key, mode string) error {
	return f.record("SetOutputMode", key, mode)
}

func (f *fakeCommander) SetFeed(_ context.Context, id int, active bool) error {
	return f.record("SetFeed", "", [2]any{id, active})
}

func (f *fakeCommander) TridentPrimeChannel(_ context.Context, channel int) error {
	return f.record("TridentPrimeChannel", "", channel)
}

func (f *fakeCommander) TridentNewReagent(_ context.Context, reagent int) error {
	return f.record("TridentNewReagent", "", reagent)
}

func (f *fakeCommander) TridentResetWaste(_ context.Context) error {
	return f.record("TridentResetWaste", "", nil)
}

func (f *fakeCommander) TridentSetWasteSize(_ context.Context, sizeML float64) error {
	return f.record("TridentSetWasteSize", "", sizeML)
}

func (f *fakeCommander) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		names = append(names, c.name)
	}
	return names
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func bridgeSnapshot() *apex.Snapshot {
	return &apex.Snapshot{
		Meta: apex.Meta{
			Hostname: "reef-tank",
			Serial:   "AC5:12345",
			Software: "5.12_AB24",
			Type:     "apex",
			Source:   apex.SourceREST,
		},
		Probes: map[string]apex.ProbeState{
			"base_Temp": {DID: "base_Temp", Name: "Tmp", Type: "Temp", Value: floatPtr(25.4), Raw: "25.4"},
			"base_pH":   {DID: "base_pH", Name: "pH", Type: "pH", Value: floatPtr(8.1), Raw: "8.1"},
		},
		Outputs: []apex.OutputState{
			{DID: "base_Var1", Name: "Heater", RawState: "AON", Mode: apex.ModeAuto, Energized: true, Selectable: true},
			{DID: "6_2", Name: "PumpFeed", RawState: "PF1", Mode: apex.ModeAuto, Selectable: false, Intensity: intPtr(40)},
		},
		Feed: &apex.FeedState{ID: 2, Active: true},
		Trident: &apex.TridentState{
			Present:          true,
			Status:           "OK",
			Abaddr:           7,
			Hwtype:           "TRI",
			Levels:           []float64{120, 0, 180, 200, 150},
			Reagents:         []apex.ReagentLevel{{Channel: "a", RemainingML: 150}, {Channel: "b", RemainingML: 200}, {Channel: "c", RemainingML: 180}},
			WasteUsedML:      floatPtr(120),
			WasteSizeML:      floatPtr(2000),
			WastePercent:     floatPtr(6),
			WasteRemainingML: floatPtr(1880),
		},
	}
}

func bridgeIdentities(snap *apex.Snapshot) map[string]identity.Identity {
	ids := make(map[string]identity.Identity)
	add := func(key string, kind identity.Kind) {
		ids[key] = identity.Identity{Slug: "reef_tank", Key: key, UniqueID: "reef_tank_" + key, Kind: kind}
	}
	for did := range snap.Probes {
		add(identity.ProbeKey(did), identity.KindProbe)
	}
	for _, o := range snap.Outputs {
		add(identity.OutputKey(o.DID), identity.KindOutput)
	}
	add(identity.FeedKey(snap.Feed.ID), identity.KindFeed)
	add(identity.TridentKey(snap.Trident.Abaddr), identity.KindTrident)
	for _, r := range snap.Trident.Reagents {
		add(identity.ReagentKey(snap.Trident.Abaddr, r.Channel), identity.KindTridentReagent)
	}
	return ids
}

func newTestBridge(t *testing.T) (*Bridge, *fakeMQTT, *fakeCommander) {
	t.Helper()
	client := newFakeMQTT()
	commander := &fakeCommander{}
	b := New(client, commander, "reef_tank", Options{QoS: 1}, testLogger())
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return b, client, commander
}

func TestHandleSnapshot_PublishesRetainedState(t *testing.T) {
	b, client, _ := newTestBridge(t)
	snap := bridgeSnapshot()
	b.HandleSnapshot(snap, bridgeIdentities(snap))

	msg, ok := client.last("reefbridge/reef_tank/probe/probe_base_temp/state")
	if !ok {
		t.Fatal("probe state not published")
	}
	if !msg.retained {
		t.Error("probe state should be retained")
	}
	var probe struct {
		Name  string   `json:"name"`
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(msg.payload, &probe); err != nil {
		t.Fatalf("probe payload: %v", err)
	}
	if probe.Name != "Tmp" || probe.Value == nil || *probe.Value != 25.4 {
		t.Errorf("probe payload = %s", msg.payload)
	}

	msg, ok = client.last("reefbridge/reef_tank/output/output_base_var1/state")
	if !ok {
		t.Fatal("output state not published")
	}
	var output struct {
		Mode      string `json:"mode"`
		Energized bool   `json:"energized"`
	}
	if err := json.Unmarshal(msg.payload, &output); err != nil {
		t.Fatalf("output payload: %v", err)
	}
	if output.Mode != apex.ModeAuto || !output.Energized {
		t.Errorf("output payload = %s", msg.payload)
	}

	if msg, ok = client.last("reefbridge/reef_tank/feed/feed_2/state"); !ok || string(msg.payload) != "ON" {
		t.Errorf("feed_2 state = %q, want ON", msg.payload)
	}
	if msg, ok = client.last("reefbridge/reef_tank/feed/feed_1/state"); !ok || string(msg.payload) != "OFF" {
		t.Errorf("feed_1 state = %q, want OFF", msg.payload)
	}

	msg, ok = client.last("reefbridge/reef_tank/trident/trident_addr7/state")
	if !ok {
		t.Fatal("trident state not published")
	}
	var trident struct {
		Status       string   `json:"status"`
		WastePercent *float64 `json:"waste_percent"`
	}
	if err := json.Unmarshal(msg.payload, &trident); err != nil {
		t.Fatalf("trident payload: %v", err)
	}
	if trident.Status != "OK" || trident.WastePercent == nil || *trident.WastePercent != 6 {
		t.Errorf("trident payload = %s", msg.payload)
	}

	if _, ok = client.last("reefbridge/reef_tank/trident/trident_addr7_reagent_a/state"); !ok {
		t.Error("reagent state not published")
	}
	if _, ok = client.last("reefbridge/reef_tank/meta"); !ok {
		t.Error("meta not published")
	}
}

func TestHandleSnapshot_DiscoveryShape(t *testing.T) {
	b, client, _ := newTestBridge(t)
	snap := bridgeSnapshot()
	b.HandleSnapshot(snap, bridgeIdentities(snap))

	msg, ok := client.last("homeassistant/select/reef_tank_output_base_var1/config")
	if !ok {
		t.Fatal("select discovery not published")
	}
	if !msg.retained {
		t.Error("discovery config should be retained")
	}
	var cfg map[string]any
	if err := json.Unmarshal(msg.payload, &cfg); err != nil {
		t.Fatalf("discovery payload: %v", err)
	}
	if cfg["name"] != "Heater" {
		t.Errorf("name = %v", cfg["name"])
	}
	if cfg["uniq_id"] != "reef_tank_output_base_var1" {
		t.Errorf("uniq_id = %v", cfg["uniq_id"])
	}
	if cfg["stat_t"] != "reefbridge/reef_tank/output/output_base_var1/state" {
		t.Errorf("stat_t = %v", cfg["stat_t"])
	}
	if cfg["cmd_t"] != "reefbridge/reef_tank/output/output_base_var1/set" {
		t.Errorf("cmd_t = %v", cfg["cmd_t"])
	}
	opts, _ := cfg["options"].([]any)
	if len(opts) != 3 {
		t.Errorf("options = %v", cfg["options"])
	}
	dev, _ := cfg["dev"].(map[string]any)
	if dev == nil || dev["name"] != "reef-tank" || dev["mf"] != "Neptune Systems" {
		t.Errorf("dev = %v", cfg["dev"])
	}
	avty, _ := cfg["avty"].([]any)
	if len(avty) != 1 {
		t.Fatalf("avty = %v", cfg["avty"])
	}
	if entry, _ := avty[0].(map[string]any); entry["t"] != "reefbridge/system/status" {
		t.Errorf("avty topic = %v", avty[0])
	}

	// Non-selectable outputs register as plain sensors.
	if _, ok := client.last("homeassistant/sensor/reef_tank_output_6_2/config"); !ok {
		t.Error("non-selectable output sensor discovery missing")
	}
	if _, ok := client.last("homeassistant/select/reef_tank_output_6_2/config"); ok {
		t.Error("non-selectable output must not be a select")
	}

	msg, ok = client.last("homeassistant/sensor/reef_tank_probe_base_temp/config")
	if !ok {
		t.Fatal("probe discovery not published")
	}
	if err := json.Unmarshal(msg.payload, &cfg); err != nil {
		t.Fatalf("probe discovery payload: %v", err)
	}
	if cfg["dev_cla"] != "temperature" || cfg["unit_of_meas"] != "°C" {
		t.Errorf("probe traits = %v / %v", cfg["dev_cla"], cfg["unit_of_meas"])
	}

	for _, topic := range []string{
		"homeassistant/switch/reef_tank_feed_1/config",
		"homeassistant/switch/reef_tank_feed_4/config",
		"homeassistant/button/reef_tank_trident_addr7_reset_waste/config",
		"homeassistant/button/reef_tank_trident_addr7_new_reagent_b/config",
		"homeassistant/button/reef_tank_trident_addr7_prime_3/config",
		"homeassistant/number/reef_tank_trident_addr7_waste_size/config",
		"homeassistant/sensor/reef_tank_trident_addr7_reagent_c/config",
	} {
		if _, ok := client.last(topic); !ok {
			t.Errorf("missing discovery config %s", topic)
		}
	}
}

func TestHandleSnapshot_DiscoveryRepublishOnEntityChange(t *testing.T) {
	b, client, _ := newTestBridge(t)
	snap := bridgeSnapshot()
	ids := bridgeIdentities(snap)
	configTopic := "homeassistant/select/reef_tank_output_base_var1/config"

	b.HandleSnapshot(snap, ids)
	b.HandleSnapshot(snap, ids)
	if n := client.count(configTopic); n != 1 {
		t.Fatalf("discovery published %d times for unchanged entity set, want 1", n)
	}

	// Dropping the trident removes its entities and clears their configs.
	smaller := bridgeSnapshot()
	smaller.Trident = nil
	b.HandleSnapshot(smaller, ids)

	if n := client.count(configTopic); n != 2 {
		t.Errorf("discovery republish count = %d, want 2", n)
	}
	msg, ok := client.last("homeassistant/sensor/reef_tank_trident_addr7_waste/config")
	if !ok {
		t.Fatal("removed entity config never touched")
	}
	if len(msg.payload) != 0 || !msg.retained {
		t.Errorf("removed entity should get empty retained payload, got %q", msg.payload)
	}
}

func TestOutputCommandRouting(t *testing.T) {
	b, client, commander := newTestBridge(t)
	snap := bridgeSnapshot()
	b.HandleSnapshot(snap, bridgeIdentities(snap))

	handler := client.subscribed["reefbridge/reef_tank/output/+/set"]
	if handler == nil {
		t.Fatal("output command subscription missing")
	}
	if err := handler("reefbridge/reef_tank/output/output_base_var1/set", []byte("on")); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(commander.calls) != 1 {
		t.Fatalf("calls = %v", commander.callNames())
	}
	call := commander.calls[0]
	if call.name != "SetOutputMode" || call.key != "output_base_var1" || call.arg != apex.ModeOn {
		t.Errorf("call = %+v", call)
	}

	if err := handler("reefbridge/reef_tank/output/output_base_var1/set", []byte("sideways")); err == nil {
		t.Error("invalid mode accepted")
	}
	if len(commander.calls) != 1 {
		t.Error("invalid mode reached the dispatcher")
	}
}

func TestFeedCommandRouting(t *testing.T) {
	_, client, commander := newTestBridge(t)
	handler := client.subscribed["reefbridge/reef_tank/feed/+/set"]
	if handler == nil {
		t.Fatal("feed command subscription missing")
	}

	if err := handler("reefbridge/reef_tank/feed/feed_3/set", []byte("ON")); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if err := handler("reefbridge/reef_tank/feed/feed_3/set", []byte("OFF")); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(commander.calls) != 2 {
		t.Fatalf("calls = %v", commander.callNames())
	}
	if arg := commander.calls[0].arg.([2]any); arg[0] != 3 || arg[1] != true {
		t.Errorf("first call arg = %v", arg)
	}
	if arg := commander.calls[1].arg.([2]any); arg[0] != 3 || arg[1] != false {
		t.Errorf("second call arg = %v", arg)
	}

	if err := handler("reefbridge/reef_tank/feed/feed_9/set", []byte("ON")); err == nil {
		t.Error("out-of-range channel accepted")
	}
}

func TestTridentCommandRouting(t *testing.T) {
	_, client, commander := newTestBridge(t)
	handler := client.subscribed["reefbridge/reef_tank/trident/+/set"]
	if handler == nil {
		t.Fatal("trident command subscription missing")
	}

	cases := []struct {
		action  string
		payload string
		want    commandCall
	}{
		{"reset_waste", "PRESS", commandCall{name: "TridentResetWaste"}},
		{"new_reagent_b", "PRESS", commandCall{name: "TridentNewReagent", arg: 1}},
		{"prime_4", "PRESS", commandCall{name: "TridentPrimeChannel", arg: 3}},
		{"waste_size", "2500", commandCall{name: "TridentSetWasteSize", arg: 2500.0}},
	}
	for i, tc := range cases {
		topic := "reefbridge/reef_tank/trident/" + tc.action + "/set"
		if err := handler(topic, []byte(tc.payload)); err != nil {
			t.Fatalf("%s: %v", tc.action, err)
		}
		got := commander.calls[i]
		if got.name != tc.want.name {
			t.Errorf("%s routed to %s", tc.action, got.name)
		}
		if tc.want.arg != nil && got.arg != tc.want.arg {
			t.Errorf("%s arg = %v, want %v", tc.action, got.arg, tc.want.arg)
		}
	}

	if err := handler("reefbridge/reef_tank/trident/discombobulate/set", []byte("PRESS")); err == nil {
		t.Error("unknown action accepted")
	}
	if err := handler("reefbridge/reef_tank/trident/waste_size/set", []byte("lots")); err == nil {
		t.Error("non-numeric waste size accepted")
	}
	if len(commander.calls) != len(cases) {
		t.Errorf("rejected commands reached the dispatcher: %v", commander.callNames())
	}
}

func TestCommandRejectionsAreWrapped(t *testing.T) {
	_, client, commander := newTestBridge(t)
	commander.err = control.ErrReadOnly

	handler := client.subscribed["reefbridge/reef_tank/output/+/set"]
	err := handler("reefbridge/reef_tank/output/output_base_var1/set", []byte("Auto"))
	if !errors.Is(err, control.ErrReadOnly) {
		t.Errorf("err = %v, want ErrReadOnly", err)
	}
}

func TestStopUnsubscribesCommands(t *testing.T) {
	b, client, _ := newTestBridge(t)
	if len(client.subscribed) != 3 {
		t.Fatalf("subscriptions = %d, want 3", len(client.subscribed))
	}
	b.Stop()
	if len(client.subscribed) != 0 {
		t.Errorf("subscriptions after Stop = %d, want 0", len(client.subscribed))
	}
}
