// Package mqtt provides MQTT client connectivity for Reef Bridge Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Reef Bridge uses MQTT to publish controller state (outputs, probes,
// feed cycles, dosing modules) and to receive commands from Home
// Assistant or any other MQTT consumer. Entity topics are built by the
// Topics helper; Home Assistant discovery documents are published under
// the configurable discovery prefix.
//
// # Reconnection
//
// The client reconnects automatically with exponential backoff.
// Subscriptions are tracked internally and restored on every reconnect,
// so command handlers keep working across broker restarts.
package mqtt
