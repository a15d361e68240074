package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/reeflabs/reefbridge-core/internal/apex"
)

// Resolver assigns stable identities to the entities a snapshot reports.
// Resolutions are serialized internally, so the status and config
// publishers may call Resolve concurrently.
type Resolver struct {
	slug  string
	store *Store

	mu sync.Mutex
	// assigned maps device key -> identity, including the suffixed keys
	// minted for duplicate dids so re-resolution stays deterministic.
	// Guarded by mu.
	assigned map[string]Identity
}

// NewResolver builds a resolver for one controller hostname. Persisted
// identities are loaded and the one-time slug-prefix migration is applied
// before the first resolution.
func NewResolver(ctx context.Context, hostname string, store *Store) (*Resolver, error) {
	slug := Slug(hostname)
	if slug == "" {
		slug = "controller"
	}
	r := &Resolver{slug: slug, store: store, assigned: make(map[string]Identity)}

	if store != nil {
		if _, err := store.ApplySlugPrefixMigration(ctx, slug); err != nil {
			return nil, err
		}
		prior, err := store.Load(ctx, slug)
		if err != nil {
			return nil, err
		}
		r.assigned = prior
	}
	return r, nil
}

// ControllerSlug returns the resolved controller slug.
func (r *Resolver) ControllerSlug() string { return r.slug }

// Controller returns the identity of the controller itself.
func (r *Resolver) Controller() Identity {
	return Identity{Slug: r.slug, Key: "controller", UniqueID: r.slug, Kind: KindController}
}

// Resolve walks a snapshot and returns the identity map for every entity
// it reports, minting and persisting identities for entities seen for the
// first time. Duplicate device keys within one snapshot get a deterministic
// "-2", "-3" suffix in first-seen order. Resolving the same snapshot twice
// yields identical results.
func (r *Resolver) Resolve(ctx context.Context, snap *apex.Snapshot) (map[string]Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Identity)
	seen := make(map[string]int)

	assign := func(baseKey string, kind Kind) error {
		key := baseKey
		seen[baseKey]++
		if n := seen[baseKey]; n > 1 {
			key = fmt.Sprintf("%s-%d", baseKey, n)
		}
		if id, ok := r.assigned[key]; ok {
			out[key] = id
			return nil
		}
		id := Identity{Slug: r.slug, Key: key, UniqueID: uniqueID(r.slug, key), Kind: kind}
		if r.store != nil {
			if err := r.store.Save(ctx, id); err != nil {
				return err
			}
		}
		r.assigned[key] = id
		out[key] = id
		return nil
	}

	// Probes in sorted did order so duplicate suffixes are stable across
	// map iteration order.
	dids := make([]string, 0, len(snap.Probes))
	for did := range snap.Probes {
		dids = append(dids, did)
	}
	sort.Strings(dids)
	for _, did := range dids {
		if err := assign(ProbeKey(did), KindProbe); err != nil {
			return nil, err
		}
	}

	for _, o := range snap.Outputs {
		if err := assign(OutputKey(o.DID), KindOutput); err != nil {
			return nil, err
		}
	}

	for _, m := range snap.Modules {
		if err := assign(ModuleKey(m.Hwtype, m.Abaddr), KindModule); err != nil {
			return nil, err
		}
	}

	if snap.Feed != nil {
		if err := assign(FeedKey(snap.Feed.ID), KindFeed); err != nil {
			return nil, err
		}
	}

	if snap.Trident != nil {
		if err := assign(TridentKey(snap.Trident.Abaddr), KindTrident); err != nil {
			return nil, err
		}
		for _, reagent := range snap.Trident.Reagents {
			if err := assign(ReagentKey(snap.Trident.Abaddr, reagent.Channel), KindTridentReagent); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}
