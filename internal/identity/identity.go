package identity

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies a resolved sub-entity.
type Kind string

const (
	KindController     Kind = "controller"
	KindProbe          Kind = "probe"
	KindOutput         Kind = "output"
	KindModule         Kind = "module"
	KindFeed           Kind = "feed"
	KindTrident        Kind = "trident"
	KindTridentReagent Kind = "trident_reagent"
)

// Identity is one resolved entity: the controller slug plus a device-stable
// key. UniqueID is the slug-prefixed form used everywhere outside this
// package (MQTT topics, discovery unique ids, API payloads).
type Identity struct {
	Slug     string
	Key      string
	UniqueID string
	Kind     Kind
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
var repeatedSep = regexp.MustCompile(`_+`)

// Slug normalizes a controller hostname into a stable lowercase slug:
// runs of anything outside [a-z0-9] collapse to a single underscore and
// edge underscores are stripped.
func Slug(hostname string) string {
	text := strings.ToLower(strings.TrimSpace(hostname))
	if text == "" {
		return ""
	}
	text = nonSlugChars.ReplaceAllString(text, "_")
	text = repeatedSep.ReplaceAllString(text, "_")
	return strings.Trim(text, "_")
}

// Key builders. Keys use device-stable fields only.

// ProbeKey keys a probe by its did.
func ProbeKey(did string) string { return "probe_" + keyToken(did) }

// OutputKey keys an output by its did.
func OutputKey(did string) string { return "output_" + keyToken(did) }

// ModuleKey keys an expansion module by hardware type and aquabus address.
func ModuleKey(hwtype string, abaddr int) string {
	return fmt.Sprintf("module_%s_addr%d", keyToken(hwtype), abaddr)
}

// FeedKey keys a feed channel by its id.
func FeedKey(id int) string { return fmt.Sprintf("feed_%d", id) }

// TridentKey keys the Trident module itself by aquabus address.
func TridentKey(abaddr int) string { return fmt.Sprintf("trident_addr%d", abaddr) }

// ReagentKey keys a Trident reagent container by module address and
// reagent channel letter.
func ReagentKey(abaddr int, channel string) string {
	return fmt.Sprintf("trident_addr%d_reagent_%s", abaddr, keyToken(channel))
}

func keyToken(s string) string {
	t := Slug(s)
	if t == "" {
		t = "x"
	}
	return t
}

// uniqueID prefixes a key with the controller slug.
func uniqueID(slug, key string) string {
	if slug == "" {
		return key
	}
	return slug + "_" + key
}
