package apex

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Gate codes. Feed and digital-output style fields report an integer gate
// code with inverted polarity relative to a naive boolean reading:
//
//	code 0  ->  gate open / active
//	code 1  ->  gate closed / inactive
//
// This table is the single place that mapping lives; nothing else in the
// package interprets gate codes field-by-field.
var gateCodes = map[int]bool{
	0: true,  // open / active
	1: false, // closed / inactive
}

// gateActive resolves a gate code against the table. ok is false for codes
// outside the table; callers treat those as unknown, not inactive.
func gateActive(code int) (active, ok bool) {
	active, ok = gateCodes[code]
	return active, ok
}

// containerKeys are the wrapper objects some firmware generations nest the
// status payload under.
var containerKeys = [...]string{"data", "status", "istat", "systat", "result"}

// findField returns root[key], looking through the known container wrappers
// when the key is not present at the top level.
func findField(root map[string]any, key string) any {
	if v, ok := root[key]; ok && v != nil {
		return v
	}
	for _, ck := range containerKeys {
		if container, ok := root[ck].(map[string]any); ok {
			if v, ok := container[key]; ok && v != nil {
				return v
			}
		}
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t == float64(int(t)) {
			return int(t), true
		}
	case int:
		return t, true
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// toNumber parses a reported value leniently. Non-numeric values return nil;
// the caller keeps the raw string alongside.
func toNumber(v any) *float64 {
	if v == nil {
		return nil
	}
	if b, ok := v.(bool); ok {
		_ = b
		return nil
	}
	if f, ok := asFloat(v); ok {
		return &f
	}
	return nil
}

// coerceID returns the first non-empty identifier among the given keys,
// accepting both string and integer values.
func coerceID(item map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := item[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	for _, k := range keys {
		if n, ok := asInt(item[k]); ok {
			return strconv.Itoa(n)
		}
	}
	return ""
}

// inputDIDAbaddr extracts a module aquabus address from dids like "5_I1".
var inputDIDAbaddr = regexp.MustCompile(`^(\d+)_`)

func abaddrFromDID(did string) *int {
	m := inputDIDAbaddr.FindStringSubmatch(strings.TrimSpace(did))
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

// moduleHint resolves module abaddr/hwtype hints from an input or output
// item, with a nested "module" object and the did prefix as fallbacks.
func moduleHint(item map[string]any, did string) (*int, string) {
	var abaddr *int
	for _, k := range []string{"module_abaddr", "abaddr", "abAddr", "moduleAbAddr"} {
		if n, ok := asInt(item[k]); ok {
			abaddr = &n
			break
		}
	}
	hwtype := ""
	for _, k := range []string{"module_hwtype", "hwtype", "hwType", "moduleHwType"} {
		if s, ok := item[k].(string); ok && strings.TrimSpace(s) != "" {
			hwtype = strings.ToUpper(strings.TrimSpace(s))
			break
		}
	}
	if module, ok := item["module"].(map[string]any); ok {
		if abaddr == nil {
			for _, k := range []string{"abaddr", "abAddr"} {
				if n, ok := asInt(module[k]); ok {
					abaddr = &n
					break
				}
			}
		}
		if hwtype == "" {
			for _, k := range []string{"hwtype", "hwType"} {
				if s, ok := module[k].(string); ok && strings.TrimSpace(s) != "" {
					hwtype = strings.ToUpper(strings.TrimSpace(s))
					break
				}
			}
		}
	}
	if abaddr == nil {
		abaddr = abaddrFromDID(did)
	}
	return abaddr, hwtype
}

// decodeObject unmarshals raw JSON and requires a top-level object.
func decodeObject(op string, raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &ParseError{Op: op, Err: err}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &ParseError{Op: op, Err: fmt.Errorf("response is not a JSON object")}
	}
	return obj, nil
}

// ParseStatusREST normalizes a /rest/status payload. It tolerates firmware
// variants that nest the payload under a container key and accepts both
// "inputs"/"outputs" and "probes"/"outlets" naming.
func ParseStatusREST(raw []byte) (*Snapshot, error) {
	obj, err := decodeObject("rest status", raw)
	if err != nil {
		return nil, err
	}

	system, _ := findField(obj, "system").(map[string]any)
	nstat, _ := findField(obj, "nstat").(map[string]any)

	snap := &Snapshot{
		Meta: Meta{
			Software: asString(system["software"]),
			Hardware: asString(system["hardware"]),
			Hostname: asString(system["hostname"]),
			Serial:   asString(system["serial"]),
			Type:     asString(system["type"]),
			Timezone: asString(system["timezone"]),
			Date:     asString(system["date"]),
			Source:   SourceREST,
		},
		Probes:    map[string]ProbeState{},
		FetchedAt: time.Now().UTC(),
	}
	if snap.Meta.Hostname == "" {
		snap.Meta.Hostname = asString(nstat["hostname"])
	}

	if len(nstat) > 0 {
		net := &NetworkState{
			IPAddr:  asString(nstat["ipaddr"]),
			Gateway: asString(nstat["gateway"]),
			Netmask: asString(nstat["netmask"]),
			SSID:    asString(nstat["ssid"]),
		}
		if b, ok := asBool(nstat["dhcp"]); ok {
			net.DHCP = b
		}
		if b, ok := asBool(nstat["wifiEnable"]); ok {
			net.WiFiEnable = b
		}
		if n, ok := asInt(nstat["strength"]); ok {
			net.Strength = &n
		}
		if n, ok := asInt(nstat["quality"]); ok {
			net.Quality = &n
		}
		snap.Network = net
	}

	inputs, _ := findField(obj, "inputs").([]any)
	if inputs == nil {
		inputs, _ = findField(obj, "probes").([]any)
	}
	parseProbeItems(snap, inputs)

	outputs, _ := findField(obj, "outputs").([]any)
	if outputs == nil {
		outputs, _ = findField(obj, "outlets").([]any)
	}
	parseOutputItems(snap, outputs)

	modules, _ := findField(obj, "modules").([]any)
	parseModuleItems(snap, modules)
	snap.Trident = parseTridentFromModules(modules)

	snap.Feed = parseFeed(findField(obj, "feed"), findField(obj, "feeds"))

	return snap, nil
}

// ParseStatusCGI normalizes a /cgi-bin/status.json payload (istat container).
func ParseStatusCGI(raw []byte) (*Snapshot, error) {
	obj, err := decodeObject("cgi status", raw)
	if err != nil {
		return nil, err
	}

	istat, _ := obj["istat"].(map[string]any)

	snap := &Snapshot{
		Meta: Meta{
			Hardware: asString(istat["hardware"]),
			Hostname: asString(istat["hostname"]),
			Date:     asString(istat["date"]),
			Source:   SourceCGIJSON,
		},
		Probes:    map[string]ProbeState{},
		FetchedAt: time.Now().UTC(),
	}
	for _, v := range []any{
		istat["serial"], istat["serialNo"], istat["serialNO"], istat["serial_number"],
		obj["serial"], obj["serialNo"],
	} {
		if s := asString(v); s != "" {
			snap.Meta.Serial = s
			break
		}
	}
	if snap.Meta.Serial == "" {
		if system, ok := obj["system"].(map[string]any); ok {
			snap.Meta.Serial = asString(system["serial"])
		}
	}

	inputs, _ := istat["inputs"].([]any)
	parseProbeItems(snap, inputs)

	outputs, _ := istat["outputs"].([]any)
	parseOutputItems(snap, outputs)

	feedRaw := istat["feed"]
	if feedRaw == nil {
		feedRaw = obj["feed"]
	}
	snap.Feed = parseFeed(feedRaw, nil)

	return snap, nil
}

func parseProbeItems(snap *Snapshot, items []any) {
	for _, itemAny := range items {
		item, ok := itemAny.(map[string]any)
		if !ok {
			continue
		}
		did := coerceID(item, "did", "device_id", "deviceID", "id")
		if did == "" {
			did = coerceID(item, "name")
		}
		if did == "" {
			continue
		}
		name := asString(item["name"])
		if name == "" {
			name = did
		}
		raw := ""
		if item["value"] != nil {
			raw = asString(item["value"])
		}
		snap.Probes[did] = ProbeState{
			DID:   did,
			Name:  name,
			Type:  asString(item["type"]),
			Value: toNumber(item["value"]),
			Raw:   raw,
		}
	}
}

func parseOutputItems(snap *Snapshot, items []any) {
	for _, itemAny := range items {
		item, ok := itemAny.(map[string]any)
		if !ok {
			continue
		}
		did := coerceID(item, "did", "device_id", "deviceID", "id")
		if did == "" {
			did = coerceID(item, "name")
		}
		if did == "" {
			continue
		}

		rawState := ""
		statusLog := ""
		if status, ok := item["status"].([]any); ok && len(status) > 0 {
			rawState = strings.TrimSpace(asString(status[0]))
			if len(status) > 1 {
				statusLog = asString(status[1])
			}
		}

		name := asString(item["name"])
		if name == "" {
			name = did
		}

		out := OutputState{
			DID:        did,
			Name:       name,
			Type:       asString(item["type"]),
			GID:        asString(item["gid"]),
			RawState:   rawState,
			Mode:       ModeFromRawState(rawState),
			Energized:  IsEnergizedState(rawState),
			Selectable: IsSelectableState(rawState),
			StatusLog:  statusLog,
		}
		if n, ok := asInt(item["intensity"]); ok {
			out.Intensity = &n
		}
		out.ModuleAbaddr, out.ModuleHwtype = moduleHint(item, did)

		snap.Outputs = append(snap.Outputs, out)
	}
}

func parseModuleItems(snap *Snapshot, items []any) {
	for _, itemAny := range items {
		item, ok := itemAny.(map[string]any)
		if !ok {
			continue
		}
		abaddr, ok := asInt(item["abaddr"])
		if !ok {
			continue
		}
		mod := ModuleState{
			Abaddr:  abaddr,
			Hwtype:  strings.ToUpper(asString(item["hwtype"])),
			HwRev:   asString(item["hwrev"]),
			SwRev:   asString(item["swrev"]),
			SwStat:  asString(item["swstat"]),
			Present: true,
		}
		if mod.Hwtype == "" {
			mod.Hwtype = strings.ToUpper(asString(item["hwType"]))
		}
		if b, ok := asBool(item["present"]); ok {
			mod.Present = b
		}
		snap.Modules = append(snap.Modules, mod)
	}
}

// parseTridentFromModules extracts Trident state from the first TRI/TNP
// module entry carrying an extra block. Returns nil when no such module
// exists, so absent hardware stays absent in the snapshot.
func parseTridentFromModules(items []any) *TridentState {
	for _, itemAny := range items {
		item, ok := itemAny.(map[string]any)
		if !ok {
			continue
		}
		hwtype := strings.ToUpper(asString(item["hwtype"]))
		if hwtype == "" {
			hwtype = strings.ToUpper(asString(item["hwType"]))
		}
		if hwtype != "TRI" && hwtype != "TNP" {
			continue
		}
		extra, ok := item["extra"].(map[string]any)
		if !ok {
			continue
		}

		t := &TridentState{
			Present: true,
			Hwtype:  hwtype,
		}
		if b, ok := asBool(item["present"]); ok {
			t.Present = b
		}
		if n, ok := asInt(item["abaddr"]); ok {
			t.Abaddr = n
		}
		for _, k := range []string{"hwrev", "hwRev", "hw_version", "rev"} {
			if s := asString(item[k]); s != "" {
				t.HwRev = s
				break
			}
		}
		for _, k := range []string{"software", "swrev", "swRev", "sw_version"} {
			if s := asString(item[k]); s != "" {
				t.SwRev = s
				break
			}
		}
		for _, k := range []string{"serial", "serialNo", "serialNO", "serial_number"} {
			if s := asString(item[k]); s != "" {
				t.Serial = s
				break
			}
		}

		if levels, ok := extra["levels"].([]any); ok {
			for _, lv := range levels {
				if _, isBool := lv.(bool); isBool {
					continue
				}
				if f, ok := asFloat(lv); ok {
					t.Levels = append(t.Levels, f)
				}
			}
		}

		if status := asString(extra["status"]); status != "" {
			// Firmware reports "testing ph" style strings; normalize the
			// capitalization the UI expects.
			if strings.HasPrefix(strings.ToLower(status), "testing") {
				status = "Testing" + status[7:]
			}
			t.Status = status
			t.Testing = strings.Contains(strings.ToLower(status), "testing")
		}
		return t
	}
	return nil
}

// parseFeed normalizes the three feed payload shapes: a bare scalar channel
// id, an object with id/active fields, or a per-channel list. Integer active
// fields are gate codes resolved through the gate-code table.
func parseFeed(feedRaw, feedsRaw any) *FeedState {
	v := feedRaw
	if v == nil {
		v = feedsRaw
	}
	if v == nil {
		return nil
	}

	toIntp := func(x any) (int, bool) { return asInt(x) }

	switch t := v.(type) {
	case float64, string:
		id, ok := toIntp(t)
		if !ok {
			return nil
		}
		return &FeedState{ID: id, Active: id != 0}
	case map[string]any:
		id, _ := toIntp(firstNonNil(t["name"], t["id"], t["sel"]))
		var active bool
		resolved := false
		if b, ok := asBool(t["active"]); ok {
			active, resolved = b, true
		} else if code, ok := toIntp(t["active"]); ok {
			if a, known := gateActive(code); known {
				active, resolved = a, true
			}
		}
		if !resolved {
			active = id >= 1 && id <= 4
		}
		return &FeedState{ID: id, Active: active}
	case []any:
		for _, itemAny := range t {
			item, ok := itemAny.(map[string]any)
			if !ok {
				continue
			}
			id, _ := toIntp(firstNonNil(item["name"], item["id"]))
			rawActive := firstNonNil(item["active"], item["running"])
			itemActive := false
			if b, ok := asBool(rawActive); ok {
				itemActive = b
			} else if code, ok := toIntp(rawActive); ok {
				if a, known := gateActive(code); known {
					itemActive = a
				}
			}
			if itemActive {
				return &FeedState{ID: id, Active: true}
			}
		}
		return &FeedState{ID: 0, Active: false}
	}
	return nil
}

func firstNonNil(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// xmlStatus mirrors the legacy status.xml document.
type xmlStatus struct {
	Software string `xml:"software,attr"`
	Hardware string `xml:"hardware,attr"`
	Hostname string `xml:"hostname"`
	Serial   string `xml:"serial"`
	Timezone string `xml:"timezone"`
	Date     string `xml:"date"`
	Probes   []struct {
		Name  string `xml:"name"`
		Type  string `xml:"type"`
		Value string `xml:"value"`
	} `xml:"probes>probe"`
	Outlets []struct {
		Name     string `xml:"name"`
		OutputID string `xml:"outputID"`
		State    string `xml:"state"`
		DeviceID string `xml:"deviceID"`
	} `xml:"outlets>outlet"`
}

// ParseStatusXML normalizes a /cgi-bin/status.xml document. XML status has
// no module, feed or network sections, so those stay absent.
func ParseStatusXML(raw []byte) (*Snapshot, error) {
	var doc xmlStatus
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Op: "xml status", Err: err}
	}

	snap := &Snapshot{
		Meta: Meta{
			Software: strings.TrimSpace(doc.Software),
			Hardware: strings.TrimSpace(doc.Hardware),
			Hostname: strings.TrimSpace(doc.Hostname),
			Serial:   strings.TrimSpace(doc.Serial),
			Timezone: strings.TrimSpace(doc.Timezone),
			Date:     strings.TrimSpace(doc.Date),
			Source:   SourceCGIXML,
		},
		Probes:    map[string]ProbeState{},
		FetchedAt: time.Now().UTC(),
	}

	for _, p := range doc.Probes {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		raw := strings.TrimSpace(p.Value)
		// XML probes carry no did; the legacy name doubles as the key.
		snap.Probes[name] = ProbeState{
			DID:   name,
			Name:  name,
			Type:  strings.TrimSpace(p.Type),
			Value: toNumber(raw),
			Raw:   raw,
		}
	}

	for _, o := range doc.Outlets {
		name := strings.TrimSpace(o.Name)
		if name == "" {
			continue
		}
		did := strings.TrimSpace(o.DeviceID)
		if did == "" {
			did = name
		}
		state := strings.TrimSpace(o.State)
		snap.Outputs = append(snap.Outputs, OutputState{
			DID:          did,
			Name:         name,
			RawState:     state,
			Mode:         ModeFromRawState(state),
			Energized:    IsEnergizedState(state),
			Selectable:   IsSelectableState(state),
			ModuleAbaddr: abaddrFromDID(did),
		})
	}

	return snap, nil
}

// mxmStatusLine matches one device line inside an MXM module's status text,
// e.g. "Nero5(1) - Rev 1.2 Ser #: ABC123 - OK".
var mxmStatusLine = regexp.MustCompile(`^\s*([^\(]+)\([^\)]*\)\s*-\s*Rev\s+(\S+)\s+Ser\s+#:\s+(\S+)\s+-\s*(.+?)\s*$`)

// ParseConfig sanitizes a /rest/config payload. The full document is large
// and includes credentials; only module metadata, waste size, firmware
// update fields and MXM device lines survive.
func ParseConfig(raw []byte) (*ConfigSnapshot, error) {
	obj, err := decodeObject("rest config", raw)
	if err != nil {
		return nil, err
	}

	cfg := &ConfigSnapshot{FetchedAt: time.Now().UTC()}

	if mconf, ok := obj["mconf"].([]any); ok {
		for _, itemAny := range mconf {
			item, ok := itemAny.(map[string]any)
			if !ok {
				continue
			}
			hwtype := strings.ToUpper(asString(item["hwtype"]))
			if hwtype == "" {
				hwtype = strings.ToUpper(asString(item["hwType"]))
			}
			if hwtype == "" {
				continue
			}
			mc := ModuleConfig{
				Hwtype: hwtype,
				Name:   asString(item["name"]),
			}
			if n, ok := asInt(item["abaddr"]); ok {
				mc.Abaddr = n
			}
			if b, ok := asBool(item["update"]); ok {
				mc.Update = b
			}
			if n, ok := asInt(item["updateStat"]); ok {
				mc.UpdateStat = &n
			}
			if extra, ok := item["extra"].(map[string]any); ok {
				if f, ok := asFloat(extra["wasteSize"]); ok {
					mc.WasteSize = &f
				}
				if hwtype == "MXM" {
					if status, ok := extra["status"].(string); ok && strings.TrimSpace(status) != "" {
						mc.Status = status
						cfg.MXMDevices = append(cfg.MXMDevices, parseMXMStatus(status)...)
					}
				}
			}
			cfg.Modules = append(cfg.Modules, mc)
		}
	}

	if nconf, ok := obj["nconf"].(map[string]any); ok {
		cfg.LatestFirmware = asString(nconf["latestFirmware"])
		if b, ok := asBool(nconf["updateFirmware"]); ok {
			cfg.UpdateFirmware = b
		}
	}

	return cfg, nil
}

func parseMXMStatus(statusText string) []MXMDevice {
	var out []MXMDevice
	for _, line := range strings.Split(statusText, "\n") {
		m := mxmStatusLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		if name == "" {
			continue
		}
		out = append(out, MXMDevice{
			Name:   name,
			Rev:    strings.TrimSpace(m[2]),
			Serial: strings.TrimSpace(m[3]),
			Status: strings.TrimSpace(m[4]),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

const (
	// tridentWasteFullMarginML flags the waste container full when less
	// than this much capacity remains.
	tridentWasteFullMarginML = 20.0
	// tridentReagentEmptyThresholdML flags a reagent empty at or below
	// this remaining volume.
	tridentReagentEmptyThresholdML = 20.0
)

// FinalizeTrident computes the derived Trident fields from container levels
// and the config-provided waste size. Level index 0 is waste used; with five
// or more levels the reagent containers sit at indices 2..4 (c, b, a), four
// levels shift them to 1..3. Safe to call with nil.
func FinalizeTrident(t *TridentState, wasteSizeML *float64) {
	if t == nil {
		return
	}

	t.Reagents = nil
	t.WasteUsedML = nil

	if len(t.Levels) > 0 {
		used := t.Levels[0]
		t.WasteUsedML = &used

		idxC, idxB, idxA := -1, -1, -1
		switch {
		case len(t.Levels) >= 5:
			idxC, idxB, idxA = 2, 3, 4
		case len(t.Levels) == 4:
			idxC, idxB, idxA = 1, 2, 3
		}
		for _, r := range []struct {
			channel string
			idx     int
		}{{"a", idxA}, {"b", idxB}, {"c", idxC}} {
			if r.idx < 0 || r.idx >= len(t.Levels) {
				continue
			}
			ml := t.Levels[r.idx]
			t.Reagents = append(t.Reagents, ReagentLevel{
				Channel:     r.channel,
				RemainingML: ml,
				Empty:       ml <= tridentReagentEmptyThresholdML,
			})
		}
	}

	if wasteSizeML != nil && *wasteSizeML > 0 {
		size := *wasteSizeML
		t.WasteSizeML = &size
	} else {
		t.WasteSizeML = nil
	}

	if t.WasteUsedML == nil || t.WasteSizeML == nil {
		t.WastePercent = nil
		t.WasteRemainingML = nil
		t.WasteFull = false
		return
	}

	remaining := *t.WasteSizeML - *t.WasteUsedML
	if remaining < 0 {
		remaining = 0
	}
	percent := (*t.WasteUsedML / *t.WasteSizeML) * 100.0
	t.WastePercent = &percent
	t.WasteRemainingML = &remaining
	t.WasteFull = remaining <= tridentWasteFullMarginML
}

// WasteSizeFromConfig returns the first TRI/TNP module's wasteSize, if any.
func WasteSizeFromConfig(cfg *ConfigSnapshot) *float64 {
	if cfg == nil {
		return nil
	}
	for _, m := range cfg.Modules {
		if m.Hwtype != "TRI" && m.Hwtype != "TNP" {
			continue
		}
		if m.WasteSize != nil {
			v := *m.WasteSize
			return &v
		}
	}
	return nil
}
