package ha

import (
	"fmt"
	"strings"

	"github.com/reeflabs/reefbridge-core/internal/apex"
	"github.com/reeflabs/reefbridge-core/internal/identity"
)

// manufacturer is the device manufacturer reported in discovery configs.
const manufacturer = "Neptune Systems"

// deviceInfo is the shared device block linking every entity of one
// controller in the Home Assistant device registry. Keys use the HA
// discovery abbreviations.
type deviceInfo struct {
	Identifiers  []string `json:"ids"`
	Name         string   `json:"name"`
	Model        string   `json:"mdl,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
	SWVersion    string   `json:"sw,omitempty"`
}

// availability is one entry of the HA availability list. The bridge
// status topic carries a JSON payload, so entities extract the status
// field with a template.
type availability struct {
	Topic         string `json:"t"`
	ValueTemplate string `json:"val_tpl,omitempty"`
}

// entityConfig is a Home Assistant MQTT discovery payload. One struct
// covers every component the bridge publishes (sensor, select, switch,
// button, number); unused fields are omitted.
type entityConfig struct {
	Name          string         `json:"name"`
	UniqueID      string         `json:"uniq_id"`
	StateTopic    string         `json:"stat_t,omitempty"`
	CommandTopic  string         `json:"cmd_t,omitempty"`
	ValueTemplate string         `json:"val_tpl,omitempty"`
	DeviceClass   string         `json:"dev_cla,omitempty"`
	Unit          string         `json:"unit_of_meas,omitempty"`
	StateClass    string         `json:"stat_cla,omitempty"`
	Options       []string       `json:"options,omitempty"`
	PayloadOn     string         `json:"pl_on,omitempty"`
	PayloadOff    string         `json:"pl_off,omitempty"`
	PayloadPress  string         `json:"pl_prs,omitempty"`
	Min           *float64       `json:"min,omitempty"`
	Max           *float64       `json:"max,omitempty"`
	Step          *float64       `json:"step,omitempty"`
	Mode          string         `json:"mode,omitempty"`
	Icon          string         `json:"ic,omitempty"`
	Availability  []availability `json:"avty,omitempty"`
	Device        deviceInfo     `json:"dev"`
}

// discoveryEntity pairs a config payload with the HA component it
// registers under.
type discoveryEntity struct {
	Component string
	Config    entityConfig
}

// probeTraits maps a controller probe type onto HA sensor metadata.
func probeTraits(probeType string) (deviceClass, unit string) {
	switch strings.ToLower(strings.TrimSpace(probeType)) {
	case "temp":
		return "temperature", "°C"
	case "ph":
		return "ph", "pH"
	case "orp":
		return "voltage", "mV"
	case "cond":
		return "", "µS/cm"
	case "amps":
		return "current", "A"
	case "volts", "in":
		return "voltage", "V"
	case "alk":
		return "", "dKH"
	case "ca", "mg":
		return "", "ppm"
	default:
		return "", ""
	}
}

// buildDiscovery assembles the full entity set for a snapshot. The order
// is deterministic so the caller can diff entity sets across snapshots.
func (b *Bridge) buildDiscovery(snap *apex.Snapshot, ids map[string]identity.Identity) []discoveryEntity {
	dev := deviceInfo{
		Identifiers:  []string{b.slug},
		Name:         snap.Meta.Hostname,
		Model:        snap.Meta.Type,
		Manufacturer: manufacturer,
		SWVersion:    snap.Meta.Software,
	}
	if dev.Name == "" {
		dev.Name = b.slug
	}
	avty := []availability{{
		Topic:         b.topics.SystemStatus(),
		ValueTemplate: "{{ value_json.status }}",
	}}

	var out []discoveryEntity

	for _, did := range sortedProbeDIDs(snap) {
		p := snap.Probes[did]
		key := identity.ProbeKey(did)
		devClass, unit := probeTraits(p.Type)
		out = append(out, discoveryEntity{
			Component: "sensor",
			Config: entityConfig{
				Name:          p.Name,
				UniqueID:      b.uniqueID(ids, key),
				StateTopic:    b.topics.ProbeState(b.slug, key),
				ValueTemplate: "{{ value_json.value }}",
				DeviceClass:   devClass,
				Unit:          unit,
				StateClass:    "measurement",
				Availability:  avty,
				Device:        dev,
			},
		})
	}

	for _, o := range snap.Outputs {
		key := identity.OutputKey(o.DID)
		if o.Selectable {
			out = append(out, discoveryEntity{
				Component: "select",
				Config: entityConfig{
					Name:          o.Name,
					UniqueID:      b.uniqueID(ids, key),
					StateTopic:    b.topics.OutputState(b.slug, key),
					CommandTopic:  b.topics.OutputCommand(b.slug, key),
					ValueTemplate: "{{ value_json.mode }}",
					Options:       apex.OutputModes,
					Availability:  avty,
					Device:        dev,
				},
			})
			continue
		}
		out = append(out, discoveryEntity{
			Component: "sensor",
			Config: entityConfig{
				Name:          o.Name,
				UniqueID:      b.uniqueID(ids, key),
				StateTopic:    b.topics.OutputState(b.slug, key),
				ValueTemplate: "{{ value_json.raw_state }}",
				Availability:  avty,
				Device:        dev,
			},
		})
	}

	if snap.Feed != nil {
		for ch := 1; ch <= feedChannels; ch++ {
			key := identity.FeedKey(ch)
			out = append(out, discoveryEntity{
				Component: "switch",
				Config: entityConfig{
					Name:         fmt.Sprintf("Feed Cycle %c", 'A'+ch-1),
					UniqueID:     b.uniqueID(ids, key),
					StateTopic:   b.topics.FeedState(b.slug, key),
					CommandTopic: b.topics.FeedCommand(b.slug, key),
					PayloadOn:    "ON",
					PayloadOff:   "OFF",
					Icon:         "mdi:fish",
					Availability: avty,
					Device:       dev,
				},
			})
		}
	}

	if t := snap.Trident; t != nil && t.Present {
		out = append(out, b.tridentDiscovery(t, ids, dev, avty)...)
	}

	return out
}

// tridentDiscovery registers the dosing module's sensors, maintenance
// buttons and waste container size number.
func (b *Bridge) tridentDiscovery(t *apex.TridentState, ids map[string]identity.Identity, dev deviceInfo, avty []availability) []discoveryEntity {
	stateTopic := b.topics.TridentState(b.slug, identity.TridentKey(t.Abaddr))
	tridentKey := identity.TridentKey(t.Abaddr)

	out := []discoveryEntity{
		{
			Component: "sensor",
			Config: entityConfig{
				Name:          "Trident Status",
				UniqueID:      b.uniqueID(ids, tridentKey),
				StateTopic:    stateTopic,
				ValueTemplate: "{{ value_json.status }}",
				Icon:          "mdi:test-tube",
				Availability:  avty,
				Device:        dev,
			},
		},
		{
			Component: "sensor",
			Config: entityConfig{
				Name:          "Trident Waste",
				UniqueID:      b.uniqueID(ids, tridentKey) + "_waste",
				StateTopic:    stateTopic,
				ValueTemplate: "{{ value_json.waste_percent }}",
				Unit:          "%",
				StateClass:    "measurement",
				Icon:          "mdi:delete-variant",
				Availability:  avty,
				Device:        dev,
			},
		},
	}

	for _, r := range t.Reagents {
		key := identity.ReagentKey(t.Abaddr, r.Channel)
		out = append(out, discoveryEntity{
			Component: "sensor",
			Config: entityConfig{
				Name:          fmt.Sprintf("Trident Reagent %s", strings.ToUpper(r.Channel)),
				UniqueID:      b.uniqueID(ids, key),
				StateTopic:    b.topics.TridentState(b.slug, key),
				ValueTemplate: "{{ value_json.remaining_ml }}",
				Unit:          "mL",
				StateClass:    "measurement",
				Icon:          "mdi:beaker",
				Availability:  avty,
				Device:        dev,
			},
		})
	}

	buttons := []struct {
		action string
		name   string
	}{
		{actionResetWaste, "Trident Reset Waste"},
		{actionNewReagentPrefix + "a", "Trident New Reagent A"},
		{actionNewReagentPrefix + "b", "Trident New Reagent B"},
		{actionNewReagentPrefix + "c", "Trident New Reagent C"},
		{actionPrimePrefix + "1", "Trident Prime Channel 1"},
		{actionPrimePrefix + "2", "Trident Prime Channel 2"},
		{actionPrimePrefix + "3", "Trident Prime Channel 3"},
		{actionPrimePrefix + "4", "Trident Prime Channel 4"},
	}
	for _, btn := range buttons {
		out = append(out, discoveryEntity{
			Component: "button",
			Config: entityConfig{
				Name:         btn.name,
				UniqueID:     b.uniqueID(ids, tridentKey) + "_" + btn.action,
				CommandTopic: b.topics.TridentCommand(b.slug, btn.action),
				PayloadPress: "PRESS",
				Availability: avty,
				Device:       dev,
			},
		})
	}

	minSize, maxSize, step := 1000.0, 20000.0, 100.0
	out = append(out, discoveryEntity{
		Component: "number",
		Config: entityConfig{
			Name:          "Trident Waste Container Size",
			UniqueID:      b.uniqueID(ids, tridentKey) + "_" + actionWasteSize,
			StateTopic:    stateTopic,
			CommandTopic:  b.topics.TridentCommand(b.slug, actionWasteSize),
			ValueTemplate: "{{ value_json.waste_size_ml }}",
			Unit:          "mL",
			Min:           &minSize,
			Max:           &maxSize,
			Step:          &step,
			Mode:          "box",
			Availability:  avty,
			Device:        dev,
		},
	})

	return out
}

// uniqueID prefers the persisted identity for a key and falls back to
// the slug-prefixed form for derived entities that have no identity row
// of their own.
func (b *Bridge) uniqueID(ids map[string]identity.Identity, key string) string {
	if id, ok := ids[key]; ok {
		return id.UniqueID
	}
	return b.slug + "_" + key
}
