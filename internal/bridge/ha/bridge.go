package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/reeflabs/reefbridge-core/internal/apex"
	"github.com/reeflabs/reefbridge-core/internal/control"
	"github.com/reeflabs/reefbridge-core/internal/identity"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/logging"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/mqtt"
)

const (
	// feedChannels is the number of feed cycle channels the controller
	// exposes (A through D).
	feedChannels = 4

	// commandTimeout bounds a single MQTT-triggered controller write.
	commandTimeout = 30 * time.Second

	actionResetWaste       = "reset_waste"
	actionNewReagentPrefix = "new_reagent_"
	actionPrimePrefix      = "prime_"
	actionWasteSize        = "waste_size"
)

// Publisher is the MQTT surface the bridge needs. *mqtt.Client satisfies
// it; tests substitute a recorder.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Commander is the command surface the bridge routes inbound MQTT
// messages to. *control.Dispatcher satisfies it.
type Commander interface {
	SetOutputMode(ctx context.Context, key, mode string) error
	SetFeed(ctx context.Context, id int, active bool) error
	TridentPrimeChannel(ctx context.Context, channel int) error
	TridentNewReagent(ctx context.Context, reagent int) error
	TridentResetWaste(ctx context.Context) error
	TridentSetWasteSize(ctx context.Context, sizeML float64) error
}

// Options configures the bridge.
type Options struct {
	// DiscoveryPrefix is the Home Assistant discovery topic prefix.
	// Defaults to "homeassistant".
	DiscoveryPrefix string

	// QoS applies to all bridge publishes and subscriptions.
	QoS byte
}

// Bridge publishes controller snapshots to MQTT and routes command
// topics to the dispatcher. Register HandleSnapshot as a poller listener.
type Bridge struct {
	mqtt     Publisher
	commands Commander
	topics   mqtt.Topics
	slug     string
	prefix   string
	qos      byte
	logger   *logging.Logger

	mu sync.Mutex
	// configTopics tracks the discovery config topic published for each
	// unique id so removed entities can be cleared with an empty retained
	// payload.
	configTopics map[string]string
	signature    string
}

// New creates a bridge for one controller.
func New(client Publisher, commands Commander, slug string, opts Options, logger *logging.Logger) *Bridge {
	prefix := opts.DiscoveryPrefix
	if prefix == "" {
		prefix = "homeassistant"
	}
	return &Bridge{
		mqtt:         client,
		commands:     commands,
		slug:         slug,
		prefix:       prefix,
		qos:          opts.QoS,
		logger:       logger.With("component", "ha_bridge"),
		configTopics: make(map[string]string),
	}
}

// Start subscribes the command topics. State publication begins with the
// first snapshot delivered to HandleSnapshot.
func (b *Bridge) Start() error {
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{b.topics.AllOutputCommands(b.slug), b.handleOutputCommand},
		{b.topics.AllFeedCommands(b.slug), b.handleFeedCommand},
		{b.topics.AllTridentCommands(b.slug), b.handleTridentCommand},
	}
	for _, sub := range subs {
		if err := b.mqtt.Subscribe(sub.topic, b.qos, sub.handler); err != nil {
			return fmt.Errorf("subscribing %s: %w", sub.topic, err)
		}
	}
	b.logger.Info("bridge started", "slug", b.slug, "discovery_prefix", b.prefix)
	return nil
}

// Stop removes the command subscriptions.
func (b *Bridge) Stop() {
	for _, topic := range []string{
		b.topics.AllOutputCommands(b.slug),
		b.topics.AllFeedCommands(b.slug),
		b.topics.AllTridentCommands(b.slug),
	} {
		if err := b.mqtt.Unsubscribe(topic); err != nil {
			b.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

// HandleSnapshot publishes retained state for every entity in the
// snapshot and refreshes discovery configs when the entity set changed.
// It matches the poller listener signature.
func (b *Bridge) HandleSnapshot(snap *apex.Snapshot, ids map[string]identity.Identity) {
	if snap == nil {
		return
	}
	b.publishDiscovery(snap, ids)
	b.publishMeta(snap)
	b.publishProbes(snap)
	b.publishOutputs(snap)
	b.publishFeed(snap)
	b.publishTrident(snap)
}

func (b *Bridge) publishDiscovery(snap *apex.Snapshot, ids map[string]identity.Identity) {
	entities := b.buildDiscovery(snap, ids)

	uniqueIDs := make([]string, 0, len(entities))
	for _, e := range entities {
		uniqueIDs = append(uniqueIDs, e.Config.UniqueID)
	}
	sort.Strings(uniqueIDs)
	sig := strings.Join(uniqueIDs, "\n")

	b.mu.Lock()
	defer b.mu.Unlock()
	if sig == b.signature {
		return
	}

	next := make(map[string]string, len(entities))
	for _, e := range entities {
		topic := b.topics.Discovery(b.prefix, e.Component, e.Config.UniqueID)
		next[e.Config.UniqueID] = topic
		b.publishJSON(topic, e.Config, true)
	}

	// Clear configs for entities that disappeared from the controller.
	for uid, topic := range b.configTopics {
		if _, ok := next[uid]; !ok {
			if err := b.mqtt.Publish(topic, nil, b.qos, true); err != nil {
				b.logger.Warn("discovery clear failed", "topic", topic, "error", err)
			}
		}
	}

	b.configTopics = next
	b.signature = sig
	b.logger.Info("discovery published", "entities", len(entities))
}

func (b *Bridge) publishMeta(snap *apex.Snapshot) {
	meta := struct {
		Hostname  string `json:"hostname"`
		Serial    string `json:"serial,omitempty"`
		Hardware  string `json:"hardware,omitempty"`
		Software  string `json:"software,omitempty"`
		Type      string `json:"type,omitempty"`
		Source    string `json:"source"`
		FetchedAt string `json:"fetched_at"`
	}{
		Hostname:  snap.Meta.Hostname,
		Serial:    snap.Meta.Serial,
		Hardware:  snap.Meta.Hardware,
		Software:  snap.Meta.Software,
		Type:      snap.Meta.Type,
		Source:    string(snap.Meta.Source),
		FetchedAt: snap.FetchedAt.UTC().Format(time.RFC3339),
	}
	b.publishJSON(b.topics.ControllerMeta(b.slug), meta, true)
}

func (b *Bridge) publishProbes(snap *apex.Snapshot) {
	for did, p := range snap.Probes {
		state := struct {
			Name  string   `json:"name"`
			Type  string   `json:"type,omitempty"`
			Value *float64 `json:"value"`
			Raw   string   `json:"raw"`
		}{Name: p.Name, Type: p.Type, Value: p.Value, Raw: p.Raw}
		b.publishJSON(b.topics.ProbeState(b.slug, identity.ProbeKey(did)), state, true)
	}
}

func (b *Bridge) publishOutputs(snap *apex.Snapshot) {
	for _, o := range snap.Outputs {
		state := struct {
			Name      string `json:"name"`
			Mode      string `json:"mode"`
			RawState  string `json:"raw_state"`
			Energized bool   `json:"energized"`
			Intensity *int   `json:"intensity,omitempty"`
		}{Name: o.Name, Mode: o.Mode, RawState: o.RawState, Energized: o.Energized, Intensity: o.Intensity}
		b.publishJSON(b.topics.OutputState(b.slug, identity.OutputKey(o.DID)), state, true)
	}
}

func (b *Bridge) publishFeed(snap *apex.Snapshot) {
	if snap.Feed == nil {
		return
	}
	for ch := 1; ch <= feedChannels; ch++ {
		payload := "OFF"
		if snap.Feed.Active && snap.Feed.ID == ch {
			payload = "ON"
		}
		topic := b.topics.FeedState(b.slug, identity.FeedKey(ch))
		if err := b.mqtt.Publish(topic, []byte(payload), b.qos, true); err != nil {
			b.logger.Warn("state publish failed", "topic", topic, "error", err)
		}
	}
}

func (b *Bridge) publishTrident(snap *apex.Snapshot) {
	t := snap.Trident
	if t == nil || !t.Present {
		return
	}
	state := struct {
		Status           string    `json:"status"`
		Testing          bool      `json:"testing"`
		Levels           []float64 `json:"levels,omitempty"`
		WasteUsedML      *float64  `json:"waste_used_ml,omitempty"`
		WasteSizeML      *float64  `json:"waste_size_ml,omitempty"`
		WastePercent     *float64  `json:"waste_percent,omitempty"`
		WasteRemainingML *float64  `json:"waste_remaining_ml,omitempty"`
		WasteFull        bool      `json:"waste_full"`
	}{
		Status:           t.Status,
		Testing:          t.Testing,
		Levels:           t.Levels,
		WasteUsedML:      t.WasteUsedML,
		WasteSizeML:      t.WasteSizeML,
		WastePercent:     t.WastePercent,
		WasteRemainingML: t.WasteRemainingML,
		WasteFull:        t.WasteFull,
	}
	b.publishJSON(b.topics.TridentState(b.slug, identity.TridentKey(t.Abaddr)), state, true)

	for _, r := range t.Reagents {
		reagent := struct {
			Channel     string  `json:"channel"`
			RemainingML float64 `json:"remaining_ml"`
			Empty       bool    `json:"empty"`
		}{Channel: r.Channel, RemainingML: r.RemainingML, Empty: r.Empty}
		b.publishJSON(b.topics.TridentState(b.slug, identity.ReagentKey(t.Abaddr, r.Channel)), reagent, true)
	}
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("marshal failed", "topic", topic, "error", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, b.qos, retained); err != nil {
		b.logger.Warn("publish failed", "topic", topic, "error", err)
	}
}

// handleOutputCommand routes reefbridge/{slug}/output/{key}/set.
func (b *Bridge) handleOutputCommand(topic string, payload []byte) error {
	key, ok := commandKey(topic)
	if !ok {
		return fmt.Errorf("malformed command topic %q", topic)
	}
	mode, err := normalizeMode(string(payload))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.commands.SetOutputMode(ctx, key, mode); err != nil {
		return b.commandError("output", key, err)
	}
	b.logger.Info("output command applied", "key", key, "mode", mode)
	return nil
}

// handleFeedCommand routes reefbridge/{slug}/feed/{key}/set with ON/OFF
// payloads.
func (b *Bridge) handleFeedCommand(topic string, payload []byte) error {
	key, ok := commandKey(topic)
	if !ok {
		return fmt.Errorf("malformed command topic %q", topic)
	}
	id, err := feedChannelFromKey(key)
	if err != nil {
		return err
	}
	var active bool
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "1", "TRUE":
		active = true
	case "OFF", "0", "FALSE":
		active = false
	default:
		return fmt.Errorf("%w: feed payload %q", control.ErrInvalidCommand, payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.commands.SetFeed(ctx, id, active); err != nil {
		return b.commandError("feed", key, err)
	}
	b.logger.Info("feed command applied", "channel", id, "active", active)
	return nil
}

// handleTridentCommand routes reefbridge/{slug}/trident/{action}/set.
// Buttons send PRESS; the waste size number sends the new size in mL.
func (b *Bridge) handleTridentCommand(topic string, payload []byte) error {
	action, ok := commandKey(topic)
	if !ok {
		return fmt.Errorf("malformed command topic %q", topic)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch {
	case action == actionResetWaste:
		err = b.commands.TridentResetWaste(ctx)
	case strings.HasPrefix(action, actionNewReagentPrefix):
		var reagent int
		reagent, err = reagentIndex(strings.TrimPrefix(action, actionNewReagentPrefix))
		if err == nil {
			err = b.commands.TridentNewReagent(ctx, reagent)
		}
	case strings.HasPrefix(action, actionPrimePrefix):
		var channel int
		channel, err = strconv.Atoi(strings.TrimPrefix(action, actionPrimePrefix))
		if err != nil {
			err = fmt.Errorf("%w: prime action %q", control.ErrInvalidCommand, action)
		} else {
			err = b.commands.TridentPrimeChannel(ctx, channel-1)
		}
	case action == actionWasteSize:
		var size float64
		size, err = strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
		if err != nil {
			err = fmt.Errorf("%w: waste size %q", control.ErrInvalidCommand, payload)
		} else {
			err = b.commands.TridentSetWasteSize(ctx, size)
		}
	default:
		err = fmt.Errorf("%w: trident action %q", control.ErrInvalidCommand, action)
	}
	if err != nil {
		return b.commandError("trident", action, err)
	}
	b.logger.Info("trident command applied", "action", action)
	return nil
}

// commandError logs rejections (read-only mode, unknown entities, bad
// arguments) and wraps the rest for the subscriber's error handler.
func (b *Bridge) commandError(kind, key string, err error) error {
	switch {
	case errors.Is(err, control.ErrReadOnly),
		errors.Is(err, control.ErrUnknownEntity),
		errors.Is(err, control.ErrInvalidCommand):
		b.logger.Warn("command rejected", "kind", kind, "key", key, "error", err)
	default:
		b.logger.Error("command failed", "kind", kind, "key", key, "error", err)
	}
	return fmt.Errorf("%s command %s: %w", kind, key, err)
}

// commandKey extracts the entity key from a command topic:
// reefbridge/{slug}/{kind}/{key}/set.
func commandKey(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[4] != "set" {
		return "", false
	}
	return parts[3], true
}

// normalizeMode maps inbound mode payloads onto the canonical labels.
func normalizeMode(payload string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "auto":
		return apex.ModeAuto, nil
	case "off":
		return apex.ModeOff, nil
	case "on":
		return apex.ModeOn, nil
	default:
		return "", fmt.Errorf("%w: output mode %q", control.ErrInvalidCommand, payload)
	}
}

// feedChannelFromKey parses feed_{n} keys.
func feedChannelFromKey(key string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(key, "feed_"))
	if err != nil || n < 1 || n > feedChannels {
		return 0, fmt.Errorf("%w: feed key %q", control.ErrInvalidCommand, key)
	}
	return n, nil
}

// reagentIndex maps reagent letters a/b/c onto dispatcher indices.
func reagentIndex(letter string) (int, error) {
	switch strings.ToLower(letter) {
	case "a":
		return 0, nil
	case "b":
		return 1, nil
	case "c":
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: reagent %q", control.ErrInvalidCommand, letter)
	}
}

// sortedProbeDIDs returns probe dids in stable order.
func sortedProbeDIDs(snap *apex.Snapshot) []string {
	dids := make([]string, 0, len(snap.Probes))
	for did := range snap.Probes {
		dids = append(dids, did)
	}
	sort.Strings(dids)
	return dids
}
