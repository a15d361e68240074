package apex

import (
	"fmt"
	"strings"
)

// Output mode labels derived from controller state tokens.
const (
	ModeOff  = "Off"
	ModeAuto = "Auto"
	ModeOn   = "On"
)

// OutputModes are the selectable modes, in display order.
var OutputModes = []string{ModeOff, ModeAuto, ModeOn}

// energizedStates are the controller tokens that mean power is applied.
var energizedStates = map[string]struct{}{
	"ON":  {},
	"AON": {},
	"TBL": {},
}

// selectableStates are the tokens for outputs that accept a three-way mode.
// Anything else (dosing heads, virtual statuses) is read-only telemetry.
var selectableStates = map[string]struct{}{
	"AON": {},
	"AOF": {},
	"TBL": {},
	"ON":  {},
	"OFF": {},
}

// IsEnergizedState reports whether a raw state token implies the output is
// currently energized.
func IsEnergizedState(rawState string) bool {
	_, ok := energizedStates[strings.ToUpper(strings.TrimSpace(rawState))]
	return ok
}

// IsSelectableState reports whether a raw state token belongs to a
// mode-selectable output.
func IsSelectableState(rawState string) bool {
	_, ok := selectableStates[strings.ToUpper(strings.TrimSpace(rawState))]
	return ok
}

// ModeFromRawState maps a controller state token to a mode label. Unknown
// tokens map to the empty string.
func ModeFromRawState(rawState string) string {
	switch strings.ToUpper(strings.TrimSpace(rawState)) {
	case "ON":
		return ModeOn
	case "OFF":
		return ModeOff
	case "AON", "AOF", "TBL":
		return ModeAuto
	}
	return ""
}

// CommandTokenFromMode maps a mode label to the token the controller's
// output PUT expects.
func CommandTokenFromMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "auto":
		return "AUTO", nil
	case "on":
		return "ON", nil
	case "off":
		return "OFF", nil
	}
	return "", fmt.Errorf("invalid output mode %q", mode)
}
