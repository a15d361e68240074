package apex

import "time"

// Source identifies which controller surface produced a snapshot.
type Source string

const (
	SourceREST    Source = "rest"
	SourceCGIJSON Source = "cgi-json"
	SourceCGIXML  Source = "cgi-xml"
)

// Snapshot is an immutable point-in-time view of the controller. The
// coordinator replaces snapshots wholesale; nothing mutates a published
// snapshot. Absent sub-states are nil pointers, never zero values.
type Snapshot struct {
	Meta      Meta
	Network   *NetworkState
	Probes    map[string]ProbeState
	Outputs   []OutputState
	Modules   []ModuleState
	Feed      *FeedState
	Trident   *TridentState
	Config    *ConfigSnapshot
	FetchedAt time.Time
}

// Meta carries controller identity fields common to all payload shapes.
type Meta struct {
	Hostname string
	Serial   string
	Hardware string
	Software string
	Type     string
	Timezone string
	Date     string
	Source   Source
}

// NetworkState mirrors the REST nstat block. Only present on REST fetches.
type NetworkState struct {
	IPAddr     string
	Gateway    string
	Netmask    string
	DHCP       bool
	WiFiEnable bool
	SSID       string
	Strength   *int
	Quality    *int
}

// ProbeState is a single sensor reading. Value is nil when the controller
// reported a non-numeric reading; Raw always keeps the reported string.
type ProbeState struct {
	DID   string
	Name  string
	Type  string
	Value *float64
	Raw   string
}

// OutputState is a controllable outlet or virtual output. RawState is the
// controller's token (ON, OFF, AON, AOF, TBL, ...); Mode and Energized are
// derived from it.
type OutputState struct {
	DID          string
	Name         string
	Type         string
	GID          string
	RawState     string
	Mode         string
	Energized    bool
	Selectable   bool
	Intensity    *int
	StatusLog    string
	ModuleAbaddr *int
	ModuleHwtype string
}

// ModuleState is an aquabus expansion module as reported by REST status.
type ModuleState struct {
	Abaddr  int
	Hwtype  string
	HwRev   string
	SwRev   string
	SwStat  string
	Present bool
}

// FeedState reports the feed-cycle channel. Active means a feed timer is
// currently running on channel ID (1-4); ID 0 with Active false is idle.
type FeedState struct {
	ID     int
	Active bool
}

// ReagentLevel is one Trident reagent container.
type ReagentLevel struct {
	Channel     string
	RemainingML float64
	Empty       bool
}

// TridentState aggregates Trident / Trident NP module state plus fields
// derived from container levels and module config.
type TridentState struct {
	Present bool
	Status  string
	Testing bool
	Abaddr  int
	Hwtype  string
	HwRev   string
	SwRev   string
	Serial  string
	Levels  []float64

	Reagents         []ReagentLevel
	WasteUsedML      *float64
	WasteSizeML      *float64
	WastePercent     *float64
	WasteRemainingML *float64
	WasteFull        bool
}

// ModuleConfig is the sanitized subset of a /rest/config mconf entry the
// daemon keeps: enough to derive waste size, firmware update state and
// module naming without storing the controller's full program.
type ModuleConfig struct {
	Hwtype     string
	Abaddr     int
	Name       string
	Update     bool
	UpdateStat *int
	WasteSize  *float64
	Status     string
}

// MXMDevice is a Mobius-bridged device advertised through an MXM module's
// config status text.
type MXMDevice struct {
	Name   string
	Rev    string
	Serial string
	Status string
}

// ConfigSnapshot is the sanitized /rest/config view merged into snapshots
// by the coordinator on its slower cadence.
type ConfigSnapshot struct {
	Modules        []ModuleConfig
	MXMDevices     []MXMDevice
	LatestFirmware string
	UpdateFirmware bool
	FetchedAt      time.Time
}

// Probe returns the probe with the given did, if present.
func (s *Snapshot) Probe(did string) (ProbeState, bool) {
	p, ok := s.Probes[did]
	return p, ok
}

// Output returns the output with the given did, if present.
func (s *Snapshot) Output(did string) (OutputState, bool) {
	for _, o := range s.Outputs {
		if o.DID == did {
			return o, true
		}
	}
	return OutputState{}, false
}
