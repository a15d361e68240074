// Package ha bridges controller snapshots onto MQTT for Home Assistant.
//
// The bridge is a poller listener: every published snapshot is fanned out
// to retained per-entity state topics, and Home Assistant discovery
// configs are (re)published whenever the set of entities changes. Command
// topics (output mode selects, feed switches, dosing maintenance buttons)
// are subscribed once at start and routed to the control dispatcher.
//
// Topic layout follows the builders in the mqtt package:
//
//	reefbridge/{slug}/probe/{key}/state     retained JSON reading
//	reefbridge/{slug}/output/{key}/state    retained JSON output state
//	reefbridge/{slug}/output/{key}/set      mode command (Auto/Off/On)
//	reefbridge/{slug}/feed/{key}/set        ON/OFF feed cycle command
//	reefbridge/{slug}/trident/{key}/set     maintenance command
//	reefbridge/{slug}/meta                  retained controller metadata
//
// Discovery configs land under the configured Home Assistant prefix
// (homeassistant by default) using the abbreviated key form.
package ha
