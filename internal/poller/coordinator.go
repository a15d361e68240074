package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reeflabs/reefbridge-core/internal/apex"
	"github.com/reeflabs/reefbridge-core/internal/identity"
	"github.com/reeflabs/reefbridge-core/internal/infrastructure/logging"
)

// Fetch states per snapshot kind.
const (
	StateIdle     = "idle"
	StateFetching = "fetching"
	StateSuccess  = "success"
	StateFailed   = "failed"
)

// ControllerClient is the device-facing surface the coordinator polls.
type ControllerClient interface {
	FetchStatus(ctx context.Context) (*apex.Snapshot, error)
	FetchConfig(ctx context.Context) (*apex.ConfigSnapshot, error)
}

// IdentityResolver assigns stable entity identities to a snapshot.
type IdentityResolver interface {
	ControllerSlug() string
	Resolve(ctx context.Context, snap *apex.Snapshot) (map[string]identity.Identity, error)
}

// Listener receives each published snapshot together with the identity map
// for the entities it contains. Listeners run on the coordinator goroutine
// and must not block.
type Listener func(snap *apex.Snapshot, ids map[string]identity.Identity)

// KindStats is the diagnostic view of one poll loop.
type KindStats struct {
	State               string        `json:"state"`
	LastSuccess         time.Time     `json:"last_success"`
	LastFailure         time.Time     `json:"last_failure"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	NextInterval        time.Duration `json:"next_interval"`
	Fetches             uint64        `json:"fetches"`
	Failures            uint64        `json:"failures"`
}

// Stats aggregates both poll loops.
type Stats struct {
	Status KindStats `json:"status"`
	Config KindStats `json:"config"`
}

// Options tunes the coordinator cadence.
type Options struct {
	StatusInterval time.Duration
	ConfigInterval time.Duration
	BackoffMax     time.Duration
	RateLimitFloor time.Duration
}

type refreshResult struct {
	done chan struct{}
	err  error
}

// Coordinator owns the poll loops and the last-known-good snapshot.
type Coordinator struct {
	client   ControllerClient
	resolver IdentityResolver
	logger   *logging.Logger

	statusInterval time.Duration
	configInterval time.Duration
	statusBackoff  Backoff
	configBackoff  Backoff

	mu         sync.RWMutex
	snapshot   *apex.Snapshot
	identities map[string]identity.Identity
	config     *apex.ConfigSnapshot
	stats      Stats

	listenersMu sync.RWMutex
	listeners   map[uuid.UUID]Listener

	refreshMu sync.Mutex
	inflight  *refreshResult

	// publishMu serializes snapshot publication so an out-of-band config
	// refresh cannot interleave with the status loop and replace a fresher
	// snapshot with an older one.
	publishMu sync.Mutex

	kick chan struct{}

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a Coordinator. Both loops start on Start.
func New(client ControllerClient, resolver IdentityResolver, opts Options, logger *logging.Logger) *Coordinator {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 15 * time.Second
	}
	if opts.ConfigInterval <= 0 {
		opts.ConfigInterval = 5 * time.Minute
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	if opts.RateLimitFloor <= 0 {
		opts.RateLimitFloor = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Coordinator{
		client:         client,
		resolver:       resolver,
		logger:         logger,
		statusInterval: opts.StatusInterval,
		configInterval: opts.ConfigInterval,
		statusBackoff: Backoff{
			Base:           opts.StatusInterval,
			Max:            opts.BackoffMax,
			RateLimitFloor: opts.RateLimitFloor,
		},
		configBackoff: Backoff{
			Base:           opts.ConfigInterval,
			Max:            opts.BackoffMax,
			RateLimitFloor: opts.RateLimitFloor,
		},
		listeners: make(map[uuid.UUID]Listener),
		kick:      make(chan struct{}, 1),
	}
	c.stats.Status.State = StateIdle
	c.stats.Status.NextInterval = opts.StatusInterval
	c.stats.Config.State = StateIdle
	c.stats.Config.NextInterval = opts.ConfigInterval
	return c
}

// Start launches the status and config loops. The first fetch of each kind
// happens immediately.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(2)
	go c.statusLoop()
	go c.configLoop()
}

// Stop cancels both loops. In-flight fetches are abandoned: their results
// are discarded and never published.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	// An out-of-band refresh may still be running; wait for it so no
	// publication happens after Stop returns.
	c.refreshMu.Lock()
	r := c.inflight
	c.refreshMu.Unlock()
	if r != nil {
		<-r.done
	}
}

// Subscribe registers a listener and returns its handle.
func (c *Coordinator) Subscribe(fn Listener) uuid.UUID {
	id := uuid.New()
	c.listenersMu.Lock()
	c.listeners[id] = fn
	c.listenersMu.Unlock()
	return id
}

// Unsubscribe removes a listener.
func (c *Coordinator) Unsubscribe(id uuid.UUID) {
	c.listenersMu.Lock()
	delete(c.listeners, id)
	c.listenersMu.Unlock()
}

// Snapshot returns the last published snapshot, or nil before the first
// successful cycle. The snapshot is read-only.
func (c *Coordinator) Snapshot() *apex.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Identities returns the identity map for the last published snapshot.
func (c *Coordinator) Identities() map[string]identity.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]identity.Identity, len(c.identities))
	for k, v := range c.identities {
		out[k] = v
	}
	return out
}

// Stats returns a copy of the loop diagnostics.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// ControllerSlug returns the resolved controller slug.
func (c *Coordinator) ControllerSlug() string { return c.resolver.ControllerSlug() }

// RefreshConfigNow forces an out-of-band config fetch and waits for it. A
// refresh already in flight is joined rather than duplicated, so concurrent
// callers coalesce into one device round trip.
func (c *Coordinator) RefreshConfigNow(ctx context.Context) error {
	c.mu.RLock()
	runCtx := c.runCtx
	c.mu.RUnlock()
	if runCtx == nil {
		runCtx = ctx
	}

	c.refreshMu.Lock()
	r := c.inflight
	if r == nil {
		r = &refreshResult{done: make(chan struct{})}
		c.inflight = r
		go func() {
			r.err = c.fetchConfigOnce(runCtx)
			c.refreshMu.Lock()
			c.inflight = nil
			c.refreshMu.Unlock()
			close(r.done)
		}()
	}
	c.refreshMu.Unlock()

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestStatusRefresh asks for a prompt status poll. Used by the control
// dispatcher after a successful write so the real device state is observed
// instead of assumed.
func (c *Coordinator) RequestStatusRefresh() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) statusLoop() {
	defer c.wg.Done()
	ctx := c.runCtx

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-c.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		c.setKindState(&c.stats.Status, StateFetching)
		snap, err := c.client.FetchStatus(ctx)
		if ctx.Err() != nil {
			return
		}

		var delay time.Duration
		if err != nil {
			delay = c.recordFailure(&c.stats.Status, c.statusBackoff, err)
			c.logger.Warn("status poll failed",
				"error", err,
				"consecutive_failures", c.Stats().Status.ConsecutiveFailures,
				"retry_in", delay.String(),
			)
		} else if err = c.publish(ctx, snap); err != nil {
			delay = c.recordFailure(&c.stats.Status, c.statusBackoff, err)
			c.logger.Error("snapshot publication failed", "error", err)
		} else {
			delay = c.recordSuccess(&c.stats.Status, c.statusInterval)
		}
		timer.Reset(delay)
	}
}

func (c *Coordinator) configLoop() {
	defer c.wg.Done()
	ctx := c.runCtx

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := c.RefreshConfigNow(ctx)
		if ctx.Err() != nil {
			return
		}

		var delay time.Duration
		if err != nil {
			delay = c.recordFailure(&c.stats.Config, c.configBackoff, err)
			c.logger.Warn("config poll failed", "error", err, "retry_in", delay.String())
		} else {
			delay = c.recordSuccess(&c.stats.Config, c.configInterval)
		}
		timer.Reset(delay)
	}
}

// fetchConfigOnce fetches /rest/config, stores the result, and republishes
// the current snapshot with the new config merged in.
func (c *Coordinator) fetchConfigOnce(ctx context.Context) error {
	c.setKindState(&c.stats.Config, StateFetching)
	cfg, err := c.client.FetchConfig(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		// Controllers without REST credentials simply have no config
		// surface; that is not a failure worth backing off over.
		if errors.Is(err, apex.ErrNotSupported) {
			c.setKindState(&c.stats.Config, StateIdle)
			return nil
		}
		return err
	}

	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()

	// Read the snapshot to merge against under the publish lock, so a
	// status poll cannot land between the read and the republish and be
	// overwritten with older probe data.
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.RLock()
	prior := c.snapshot
	c.mu.RUnlock()
	if prior == nil {
		return nil
	}
	return c.publishLocked(ctx, mergeConfig(prior, cfg))
}

// publish merges the latest config into a snapshot, finalizes derived
// fields, resolves identities and replaces the published state wholesale.
func (c *Coordinator) publish(ctx context.Context, snap *apex.Snapshot) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	return c.publishLocked(ctx, snap)
}

func (c *Coordinator) publishLocked(ctx context.Context, snap *apex.Snapshot) error {
	c.mu.RLock()
	cfg := c.config
	c.mu.RUnlock()

	if snap.Config == nil {
		snap = mergeConfig(snap, cfg)
	}

	ids, err := c.resolver.Resolve(ctx, snap)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.snapshot = snap
	c.identities = ids
	c.mu.Unlock()

	c.listenersMu.RLock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(snap, ids)
	}
	return nil
}

// mergeConfig returns a copy of snap carrying cfg, with Trident derived
// fields recomputed against the config's waste size. The input snapshot is
// never mutated.
func mergeConfig(snap *apex.Snapshot, cfg *apex.ConfigSnapshot) *apex.Snapshot {
	merged := *snap
	merged.Config = cfg
	if snap.Trident != nil {
		trident := *snap.Trident
		trident.Levels = append([]float64(nil), snap.Trident.Levels...)
		merged.Trident = &trident
	}
	apex.FinalizeTrident(merged.Trident, apex.WasteSizeFromConfig(cfg))
	return &merged
}

func (c *Coordinator) setKindState(ks *KindStats, state string) {
	c.mu.Lock()
	ks.State = state
	c.mu.Unlock()
}

func (c *Coordinator) recordSuccess(ks *KindStats, nominal time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks.State = StateSuccess
	ks.LastSuccess = time.Now()
	ks.LastError = ""
	ks.ConsecutiveFailures = 0
	ks.NextInterval = nominal
	ks.Fetches++
	return nominal
}

func (c *Coordinator) recordFailure(ks *KindStats, b Backoff, err error) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks.State = StateFailed
	ks.LastFailure = time.Now()
	ks.LastError = err.Error()
	ks.ConsecutiveFailures++
	ks.Fetches++
	ks.Failures++
	delay := b.Delay(ks.ConsecutiveFailures, isRateLimited(err))
	ks.NextInterval = delay
	return delay
}

func isRateLimited(err error) bool {
	var rle *apex.RateLimitError
	return errors.As(err, &rle) || errors.Is(err, apex.ErrRESTDisabled)
}
