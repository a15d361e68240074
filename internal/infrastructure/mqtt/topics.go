package mqtt

import "fmt"

// Topic prefixes for the Reef Bridge MQTT hierarchy.
//
// Entity topics use the scheme: reefbridge/{controller}/{kind}/{key}/...
// where {controller} is the controller slug and {key} is the device key
// within the controller (output did, probe name, feed id, module address).
const (
	// TopicPrefix is the base for all Reef Bridge topics.
	TopicPrefix = "reefbridge"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "reefbridge/system"
)

// Topics provides builders for Reef Bridge MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.OutputState("apex", "base_var_3")
//	// Returns: "reefbridge/apex/output/base_var_3/state"
type Topics struct{}

// OutputState returns the retained state topic for an output.
//
// Example: reefbridge/apex/output/base_var_3/state
func (Topics) OutputState(slug, key string) string {
	return fmt.Sprintf("%s/%s/output/%s/state", TopicPrefix, slug, key)
}

// OutputCommand returns the command topic for an output mode change.
//
// Example: reefbridge/apex/output/base_var_3/set
func (Topics) OutputCommand(slug, key string) string {
	return fmt.Sprintf("%s/%s/output/%s/set", TopicPrefix, slug, key)
}

// ProbeState returns the retained state topic for a probe reading.
//
// Example: reefbridge/apex/probe/tmp/state
func (Topics) ProbeState(slug, key string) string {
	return fmt.Sprintf("%s/%s/probe/%s/state", TopicPrefix, slug, key)
}

// FeedState returns the retained state topic for a feed cycle.
//
// Example: reefbridge/apex/feed/1/state
func (Topics) FeedState(slug, key string) string {
	return fmt.Sprintf("%s/%s/feed/%s/state", TopicPrefix, slug, key)
}

// FeedCommand returns the command topic for starting or cancelling a feed cycle.
//
// Example: reefbridge/apex/feed/1/set
func (Topics) FeedCommand(slug, key string) string {
	return fmt.Sprintf("%s/%s/feed/%s/set", TopicPrefix, slug, key)
}

// TridentState returns the retained state topic for a dosing module.
//
// Example: reefbridge/apex/trident/4/state
func (Topics) TridentState(slug, key string) string {
	return fmt.Sprintf("%s/%s/trident/%s/state", TopicPrefix, slug, key)
}

// TridentCommand returns the command topic for dosing module maintenance actions.
//
// Example: reefbridge/apex/trident/4/set
func (Topics) TridentCommand(slug, key string) string {
	return fmt.Sprintf("%s/%s/trident/%s/set", TopicPrefix, slug, key)
}

// ControllerMeta returns the retained topic for controller metadata
// (hostname, serial, software version, connection health).
//
// Example: reefbridge/apex/meta
func (Topics) ControllerMeta(slug string) string {
	return fmt.Sprintf("%s/%s/meta", TopicPrefix, slug)
}

// SystemStatus returns the bridge online/offline status topic.
// This is also the LWT topic.
//
// Example: reefbridge/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// Discovery returns a Home Assistant discovery config topic.
//
// Example: homeassistant/switch/apex_base_var_3/config
func (Topics) Discovery(prefix, component, uniqueID string) string {
	return fmt.Sprintf("%s/%s/%s/config", prefix, component, uniqueID)
}

// AllOutputCommands returns a pattern matching all output command topics
// for a controller.
//
// Pattern: reefbridge/apex/output/+/set
func (Topics) AllOutputCommands(slug string) string {
	return fmt.Sprintf("%s/%s/output/+/set", TopicPrefix, slug)
}

// AllFeedCommands returns a pattern matching all feed command topics
// for a controller.
//
// Pattern: reefbridge/apex/feed/+/set
func (Topics) AllFeedCommands(slug string) string {
	return fmt.Sprintf("%s/%s/feed/+/set", TopicPrefix, slug)
}

// AllTridentCommands returns a pattern matching all dosing module command
// topics for a controller.
//
// Pattern: reefbridge/apex/trident/+/set
func (Topics) AllTridentCommands(slug string) string {
	return fmt.Sprintf("%s/%s/trident/+/set", TopicPrefix, slug)
}

// AllTopics returns a pattern matching all Reef Bridge topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: reefbridge/#
func (Topics) AllTopics() string {
	return "reefbridge/#"
}
